// Command opengemini runs the translating proxy: an OpenAI-compatible
// chat-completions surface in front of a Gemini-style upstream, with
// built-in and external tools dispatched server-side.
//
// Usage:
//
//	opengemini serve --config-dir config
//	opengemini serve --port 8000 --log-level debug
//	opengemini version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/zyr3x/opengemini"
	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/logger"
	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/server"
	"github.com/zyr3x/opengemini/pkg/utils"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the proxy server."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(opengemini.GetVersion().String())
	return nil
}

// ServeCmd starts the proxy server.
type ServeCmd struct {
	Host      string `help:"Address to bind (overrides SERVER_HOST)."`
	Port      int    `help:"Port to listen on (overrides SERVER_PORT)."`
	ConfigDir string `name:"config-dir" help:"Directory holding the persisted stores." default:"config" type:"path"`
	EnvFile   string `name:"env-file" help:"Extra .env file to load before the defaults." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", c.EnvFile, err)
		}
	}

	cfg, err := config.Load(c.ConfigDir)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.ServerHost = c.Host
	}
	if c.Port != 0 {
		cfg.ServerPort = c.Port
	}

	keys, err := config.NewKeyStore(cfg.ConfigDir)
	if err != nil {
		return err
	}

	obs := observability.NewManager(observability.Config{
		MetricsEnabled: true,
		TraceEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:    observability.DefaultServiceName,
		ServiceVersion: opengemini.Version,
	})
	if err := obs.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	opts := []server.Option{server.WithObservability(obs)}
	if counter, err := utils.NewTokenCounter("gpt-4"); err == nil {
		opts = append(opts, server.WithTokenCounter(counter))
	} else {
		slog.Debug("Tokenizer unavailable, usage falls back to estimates", "error", err)
	}

	srv, err := server.New(ctx, cfg, keys, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("\nopengemini %s ready\n", opengemini.Version)
	fmt.Printf("   Chat:     http://%s/v1/chat/completions\n", srv.Address())
	fmt.Printf("   Models:   http://%s/v1/models\n", srv.Address())
	fmt.Printf("   Health:   http://%s/health\n", srv.Address())
	fmt.Printf("   Metrics:  http://%s/metrics\n", srv.Address())
	fmt.Printf("   Upstream: %s\n", cfg.UpstreamURL)
	if keys.ActiveKeyID() == "" {
		fmt.Printf("\n   No active API key yet; add one with POST /v1/admin/keys\n")
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

func main() {
	// .env values must be visible to kong defaults and the logger, so they
	// load before parsing.
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("opengemini"),
		kong.Description("OpenAI-compatible streaming proxy for Gemini-style upstreams"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	if verboseEnv() {
		level = slog.LevelDebug
	}

	output := os.Stderr
	var cleanup func()
	if cli.LogFile != "" {
		file, done, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		output = file
		cleanup = done
	}
	logger.Init(level, output, cli.LogFormat)
	if cleanup != nil {
		defer cleanup()
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func verboseEnv() bool {
	switch strings.ToLower(os.Getenv(config.EnvVerboseLogging)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
