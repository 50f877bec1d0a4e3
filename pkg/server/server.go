// Package server exposes the proxy over HTTP: the OpenAI-compatible chat
// surface, the model listing, health and metrics, and the credential admin
// endpoints. It owns the toolchain lifecycle so a config edit swaps in a new
// tool registry without dropping in-flight requests.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zyr3x/opengemini"
	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/httpclient"
	"github.com/zyr3x/opengemini/pkg/mcp"
	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/orchestrator"
	"github.com/zyr3x/opengemini/pkg/shaping"
	"github.com/zyr3x/opengemini/pkg/tools"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// Server is the proxy's HTTP front end.
type Server struct {
	cfg  *config.Config
	keys *config.KeyStore
	obs  *observability.Manager

	upstream     *upstream.Client
	contextCache *upstream.ContextCache
	counter      orchestrator.TokenCounter

	// chain is swapped atomically on config reload. Requests grab the
	// current chain once and keep it for their whole lifetime.
	mu    sync.RWMutex
	chain *toolchain

	watcher    *config.Watcher
	router     http.Handler
	httpServer *http.Server
}

// toolchain bundles the components rebuilt together when mcp.json or a
// prompt table changes. The orchestrator holds the registry, dispatcher and
// shaper; the pool is kept for teardown.
type toolchain struct {
	pool *mcp.Pool
	orch *orchestrator.Orchestrator
}

// Option configures the server.
type Option func(*Server)

// WithObservability sets the telemetry manager backing /metrics.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		s.obs = obs
	}
}

// WithTokenCounter installs a tokenizer-backed counter for usage reporting.
func WithTokenCounter(tc orchestrator.TokenCounter) Option {
	return func(s *Server) {
		s.counter = tc
	}
}

// New builds the server and its initial toolchain. A broken store at boot is
// fatal; the same breakage at runtime keeps the previous toolchain instead.
func New(ctx context.Context, cfg *config.Config, keys *config.KeyStore, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:  cfg,
		keys: keys,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.obs == nil {
		// A bare manager keeps /metrics answering 503 rather than nil-panicking.
		s.obs = observability.NewManager(observability.Config{})
	}

	clientOpts := []httpclient.Option{
		httpclient.WithMaxRetries(cfg.UpstreamMaxRetries),
		httpclient.WithLimiter(httpclient.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)),
		httpclient.WithRetryNotify(func(statusCode int, delay time.Duration) {
			observability.Global().RecordRetry(context.Background())
			slog.Warn("Upstream retry scheduled", "status", statusCode, "delay", delay)
		}),
	}
	if cfg.UpstreamCACert != "" || cfg.UpstreamTLSSkipVerify {
		clientOpts = append(clientOpts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
			CACertificate:      cfg.UpstreamCACert,
			InsecureSkipVerify: cfg.UpstreamTLSSkipVerify,
		}))
	}
	hc := httpclient.New(clientOpts...)
	s.upstream = upstream.NewClient(cfg.UpstreamURL, hc)
	s.contextCache = upstream.NewContextCache(s.upstream, cfg.ContextCacheTTL, cfg.MinContextCachingTokens)

	chain, err := s.buildToolchain(ctx)
	if err != nil {
		return nil, err
	}
	s.chain = chain

	watcher, err := config.NewWatcher(cfg.ConfigDir, s.onConfigChange)
	if err != nil {
		return nil, err
	}
	s.watcher = watcher

	s.router = s.routes()
	return s, nil
}

// buildToolchain loads the tool-server table and prompt stores and assembles
// the registry, dispatcher, shaper and orchestrator around them.
func (s *Server) buildToolchain(ctx context.Context) (*toolchain, error) {
	serversCfg, err := config.LoadToolServers(s.cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	profiles, err := config.LoadProfiles(s.cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	systemPrompts, err := config.LoadSystemPrompts(s.cfg.ConfigDir)
	if err != nil {
		return nil, err
	}
	agentPrompts, err := config.LoadAgentPrompts(s.cfg.ConfigDir)
	if err != nil {
		return nil, err
	}

	pool := mcp.NewPool(serversCfg,
		mcp.WithCallTimeout(s.cfg.ToolCallTimeout),
		mcp.WithClientInfo("opengemini", opengemini.Version),
	)

	registry := tools.NewRegistry(serversCfg.MaxFunctionDeclarations)
	registry.RegisterBuiltins(tools.Builtins())

	// Probe in priority order so a higher-priority server wins name
	// collisions deterministically.
	probed := pool.ProbeTools(ctx)
	for _, id := range pool.ServerIDs() {
		if list, ok := probed[id]; ok {
			registry.RegisterExternal(id, list)
		}
	}
	if serversCfg.DisableAllTools {
		registry.Disable()
	}

	cache := tools.NewCache(s.cfg.ToolCacheTTL, s.cfg.ToolCacheSize)
	dispatcher := tools.NewDispatcher(registry, cache, pool, s.cfg.AsyncMode)
	shaper := shaping.NewShaper(s.cfg, profiles, systemPrompts, agentPrompts)

	var orchOpts []orchestrator.Option
	if s.counter != nil {
		orchOpts = append(orchOpts, orchestrator.WithTokenCounter(s.counter))
	}
	orch := orchestrator.New(s.cfg, s.upstream, s.contextCache, shaper, registry, dispatcher, orchOpts...)

	slog.Info("Toolchain ready",
		"builtin_tools", len(tools.Builtins()),
		"external_servers", len(pool.ServerIDs()),
	)
	return &toolchain{pool: pool, orch: orch}, nil
}

// currentChain returns the toolchain serving new requests.
func (s *Server) currentChain() *toolchain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain
}

// onConfigChange is the watcher callback. Key edits reload in place; tool
// and prompt edits rebuild the toolchain. A reload that fails keeps the
// previous state.
func (s *Server) onConfigChange(filename string) {
	switch filename {
	case config.KeyStoreFile:
		if err := s.keys.Reload(); err != nil {
			slog.Error("Failed to reload API keys, keeping previous set", "error", err)
			return
		}
		slog.Info("API keys reloaded", "active", s.keys.ActiveKeyID())
	case "config.yaml":
		// General settings feed long-lived components; they apply on restart.
		slog.Info("config.yaml changed, general settings apply on next start")
	default:
		s.rebuildToolchain()
	}
}

func (s *Server) rebuildToolchain() {
	chain, err := s.buildToolchain(context.Background())
	if err != nil {
		slog.Error("Config reload failed, keeping previous toolchain", "error", err)
		return
	}

	s.mu.Lock()
	old := s.chain
	s.chain = chain
	s.mu.Unlock()

	if old != nil {
		// In-flight calls against the old pool fail as tool errors and the
		// request loop continues; nothing hangs on the teardown.
		old.pool.CloseAll()
	}
	slog.Info("Tool configuration reloaded")
}

// Handler returns the assembled route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address returns the host:port the server binds to.
func (s *Server) Address() string {
	return s.cfg.Address()
}

// Start runs the HTTP server and the config watcher until ctx is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := s.watcher.Start(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Config watcher stopped", "error", err)
		}
	}()

	// No write timeout: a streaming response stays open for the whole tool
	// loop, which can legitimately run for minutes.
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains the HTTP server and tears down the watcher and tool pool.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	if s.httpServer != nil {
		slog.Info("HTTP server shutting down")
		err = s.httpServer.Shutdown(shutdownCtx)
	}

	_ = s.watcher.Close()
	if chain := s.currentChain(); chain != nil {
		chain.pool.CloseAll()
	}
	return err
}
