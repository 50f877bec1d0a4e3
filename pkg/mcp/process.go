package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zyr3x/opengemini/pkg/config"
)

// DefaultCallTimeout bounds a single tool call against an external server.
const DefaultCallTimeout = 120 * time.Second

// ProcessServer owns one long-lived subprocess speaking JSON-RPC over
// stdio. The per-server mutex enforces one call at a time, covering spawn,
// handshake and teardown as well. A dead process is forgotten; the next
// call relaunches it.
type ProcessServer struct {
	id         string
	cfg        config.ServerConfig
	timeout    time.Duration
	clientInfo ServerInfo
	logger     *slog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	sess *session
}

func NewProcessServer(id string, cfg config.ServerConfig, timeout time.Duration, clientInfo ServerInfo) *ProcessServer {
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &ProcessServer{
		id:         id,
		cfg:        cfg,
		timeout:    timeout,
		clientInfo: clientInfo,
		logger:     slog.Default().With("tool_server", id),
	}
}

func (p *ProcessServer) ID() string {
	return p.id
}

// Alive reports whether a handshaken subprocess is currently up.
func (p *ProcessServer) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess != nil && p.sess.isAlive()
}

func (p *ProcessServer) ListTools(ctx context.Context) ([]Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureStartedLocked(ctx); err != nil {
		return nil, err
	}

	raw, err := p.sess.call(ctx, "tools/list", nil, p.timeout)
	if err != nil {
		p.handleCallError(err)
		return nil, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

func (p *ProcessServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureStartedLocked(ctx); err != nil {
		return "", err
	}

	params := CallToolParams{Name: name}
	if args != nil {
		argsJSON, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("failed to marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	raw, err := p.sess.call(ctx, "tools/call", params, p.timeout)
	if err != nil {
		p.handleCallError(err)
		return "", err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to parse tools/call result: %w", err)
	}
	if result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return "", fmt.Errorf("%s", msg)
	}
	return result.Text(), nil
}

func (p *ProcessServer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
	return nil
}

// ensureStartedLocked spawns and handshakes the subprocess if needed.
// The subprocess outlives any single request, so it is not tied to ctx.
func (p *ProcessServer) ensureStartedLocked(ctx context.Context) error {
	if p.sess != nil && p.sess.isAlive() {
		return nil
	}
	p.teardownLocked()

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.sess = newSession(stdin, stdout, stderr, p.logger)
	p.logger.Info("Started tool server process",
		"command", p.cfg.Command, "pid", cmd.Process.Pid)

	go func() {
		// Reap; the read loop notices death via stdout EOF.
		_ = cmd.Wait()
	}()

	if err := p.handshakeLocked(ctx); err != nil {
		p.teardownLocked()
		return fmt.Errorf("handshake with %s failed: %w", p.id, err)
	}
	return nil
}

func (p *ProcessServer) handshakeLocked(ctx context.Context) error {
	raw, err := p.sess.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    p.clientInfo.Name,
			"version": p.clientInfo.Version,
		},
	}, p.timeout)
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}
	p.logger.Info("Tool server initialized",
		"name", result.ServerInfo.Name,
		"version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)

	return p.sess.notify("notifications/initialized", nil)
}

// handleCallError forgets the subprocess when it died mid-call; timeouts
// leave it running since the server may just be slow.
func (p *ProcessServer) handleCallError(err error) {
	if p.sess != nil && !p.sess.isAlive() {
		p.logger.Warn("Tool server died, will relaunch on next call", "error", err)
		p.teardownLocked()
	}
}

func (p *ProcessServer) teardownLocked() {
	if p.sess != nil {
		p.sess.markDead()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	if p.sess != nil {
		p.sess.wg.Wait()
	}
	p.sess = nil
	p.cmd = nil
}
