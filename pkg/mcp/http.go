package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/zyr3x/opengemini/pkg/config"
)

// HTTPServer reaches a remote tool server with one JSON-RPC POST per call.
// No process, no handshake; configured headers ride on every request.
type HTTPServer struct {
	id      string
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
	nextID  atomic.Int64
}

func NewHTTPServer(id string, cfg config.ServerConfig, timeout time.Duration) *HTTPServer {
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &HTTPServer{
		id:      id,
		url:     cfg.URL,
		headers: cfg.Headers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPServer) ID() string {
	return h.id
}

func (h *HTTPServer) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := h.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

func (h *HTTPServer) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	params := CallToolParams{Name: name}
	if args != nil {
		argsJSON, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("failed to marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	raw, err := h.call(ctx, "tools/call", params)
	if err != nil {
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

func (h *HTTPServer) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func (h *HTTPServer) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := Request{JSONRPC: "2.0", ID: h.nextID.Add(1), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", h.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("server %s returned HTTP %d: %s", h.id, resp.StatusCode, string(data))
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
