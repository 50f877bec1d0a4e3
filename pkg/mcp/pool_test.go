package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zyr3x/opengemini/pkg/config"
)

type stubServer struct {
	id       string
	tools    []Tool
	listErr  error
	output   string
	callErr  error
	lastTool string
	lastArgs map[string]interface{}
	closed   bool
}

func (s *stubServer) ID() string { return s.id }

func (s *stubServer) ListTools(ctx context.Context) ([]Tool, error) {
	return s.tools, s.listErr
}

func (s *stubServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	s.lastTool = name
	s.lastArgs = args
	return s.output, s.callErr
}

func (s *stubServer) Close() error {
	s.closed = true
	return nil
}

func poolWith(servers ...*stubServer) *Pool {
	pool := &Pool{servers: make(map[string]Server)}
	for _, s := range servers {
		pool.servers[s.id] = s
		pool.order = append(pool.order, s.id)
	}
	return pool
}

func TestNewPoolBuildsServersByTransport(t *testing.T) {
	disabled := false
	cfg := &config.ToolServers{
		MCPServers: map[string]config.ServerConfig{
			"local":  {Command: "server-bin", Priority: 1},
			"remote": {URL: "http://example.test/rpc", Priority: 5},
			"off":    {Command: "never-runs", Enabled: &disabled},
		},
	}

	pool := NewPool(cfg, WithClientInfo("opengemini", "test"))

	ids := pool.ServerIDs()
	if len(ids) != 2 || ids[0] != "remote" || ids[1] != "local" {
		t.Fatalf("expected priority order [remote local], got %v", ids)
	}

	local, _ := pool.Get("local")
	if _, ok := local.(*ProcessServer); !ok {
		t.Errorf("expected process server for command config, got %T", local)
	}
	remote, _ := pool.Get("remote")
	if _, ok := remote.(*HTTPServer); !ok {
		t.Errorf("expected HTTP server for url config, got %T", remote)
	}
	if _, ok := pool.Get("off"); ok {
		t.Error("disabled server must not be in the pool")
	}
}

func TestNewPoolNilConfig(t *testing.T) {
	pool := NewPool(nil)
	if len(pool.ServerIDs()) != 0 {
		t.Errorf("expected empty pool, got %v", pool.ServerIDs())
	}
}

func TestPoolCallRoutes(t *testing.T) {
	stub := &stubServer{id: "alpha", output: "done"}
	pool := poolWith(stub)

	out, err := pool.Call(context.Background(), "alpha", "lookup", map[string]interface{}{"q": "x"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out != "done" {
		t.Errorf("unexpected output %q", out)
	}
	if stub.lastTool != "lookup" || stub.lastArgs["q"] != "x" {
		t.Errorf("call not routed: tool=%q args=%v", stub.lastTool, stub.lastArgs)
	}
}

func TestPoolCallUnknownServer(t *testing.T) {
	pool := poolWith(&stubServer{id: "alpha"})

	_, err := pool.Call(context.Background(), "ghost", "lookup", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown tool server") {
		t.Fatalf("expected unknown-server error, got %v", err)
	}
}

func TestPoolProbeToolsSkipsFailures(t *testing.T) {
	healthy := &stubServer{id: "healthy", tools: []Tool{{Name: "ok"}}}
	broken := &stubServer{id: "broken", listErr: errors.New("connection refused")}
	pool := poolWith(healthy, broken)

	tools := pool.ProbeTools(context.Background())

	if len(tools) != 1 {
		t.Fatalf("expected one reachable server, got %v", tools)
	}
	if got := tools["healthy"]; len(got) != 1 || got[0].Name != "ok" {
		t.Errorf("unexpected tools for healthy server: %+v", got)
	}
	if _, ok := tools["broken"]; ok {
		t.Error("broken server must be skipped, not reported empty")
	}
}

func TestPoolCloseAll(t *testing.T) {
	a := &stubServer{id: "a"}
	b := &stubServer{id: "b"}
	pool := poolWith(a, b)

	pool.CloseAll()

	if !a.closed || !b.closed {
		t.Errorf("expected both servers closed, got a=%v b=%v", a.closed, b.closed)
	}
}
