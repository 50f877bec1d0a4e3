package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zyr3x/opengemini/pkg/config"
)

// Server is one external tool server, whatever its transport.
type Server interface {
	ID() string
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Close() error
}

// Pool holds the configured tool servers in priority order. Servers are
// lazy: a process server spawns on its first call.
type Pool struct {
	mu      sync.RWMutex
	servers map[string]Server
	order   []string
}

type PoolOption func(*poolSettings)

type poolSettings struct {
	timeout    time.Duration
	clientInfo ServerInfo
}

func WithCallTimeout(d time.Duration) PoolOption {
	return func(s *poolSettings) {
		s.timeout = d
	}
}

func WithClientInfo(name, version string) PoolOption {
	return func(s *poolSettings) {
		s.clientInfo = ServerInfo{Name: name, Version: version}
	}
}

func NewPool(cfg *config.ToolServers, opts ...PoolOption) *Pool {
	settings := poolSettings{
		timeout:    DefaultCallTimeout,
		clientInfo: ServerInfo{Name: "opengemini", Version: "dev"},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	pool := &Pool{servers: make(map[string]Server)}
	if cfg == nil {
		return pool
	}

	for _, id := range cfg.EnabledIDs() {
		serverCfg := cfg.MCPServers[id]
		var server Server
		if serverCfg.IsProcess() {
			server = NewProcessServer(id, serverCfg, settings.timeout, settings.clientInfo)
		} else {
			server = NewHTTPServer(id, serverCfg, settings.timeout)
		}
		pool.servers[id] = server
		pool.order = append(pool.order, id)
	}
	return pool
}

// ServerIDs returns the configured servers in priority order.
func (p *Pool) ServerIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Get returns the named server.
func (p *Pool) Get(id string) (Server, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	server, ok := p.servers[id]
	return server, ok
}

// ProbeTools asks every server for its tool list. Unreachable servers are
// skipped with a warning; registration is best-effort.
func (p *Pool) ProbeTools(ctx context.Context) map[string][]Tool {
	tools := make(map[string][]Tool)
	for _, id := range p.ServerIDs() {
		server, _ := p.Get(id)
		list, err := server.ListTools(ctx)
		if err != nil {
			slog.Warn("Tool server probe failed, skipping", "server", id, "error", err)
			continue
		}
		tools[id] = list
	}
	return tools
}

// Call routes one tool call to the named server.
func (p *Pool) Call(ctx context.Context, serverID, tool string, args map[string]interface{}) (string, error) {
	server, ok := p.Get(serverID)
	if !ok {
		return "", fmt.Errorf("unknown tool server %q", serverID)
	}
	return server.CallTool(ctx, tool, args)
}

// CloseAll tears down every server.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, server := range p.servers {
		if err := server.Close(); err != nil {
			slog.Warn("Failed to close tool server", "server", id, "error", err)
		}
	}
}
