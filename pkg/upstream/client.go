package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zyr3x/opengemini/pkg/httpclient"
)

// DefaultInputTokenLimit is assumed when the upstream's model metadata
// cannot be fetched.
const DefaultInputTokenLimit = 1 << 20

const errorBodyLimit = 8 * 1024

// Client talks to the Gemini-style upstream. Safe for concurrent use; model
// metadata is cached per model name.
type Client struct {
	baseURL string
	http    *httpclient.Client

	mu     sync.RWMutex
	models map[string]ModelInfo
	group  singleflight.Group
}

func NewClient(baseURL string, hc *httpclient.Client) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    hc,
		models:  make(map[string]ModelInfo),
	}
}

// Stream is one in-flight streaming generation. Close releases the
// underlying connection.
type Stream struct {
	reader *StreamReader
	body   io.ReadCloser
}

func (s *Stream) Next() (*GenerateResponse, error) {
	return s.reader.Next()
}

func (s *Stream) Close() error {
	return s.body.Close()
}

// StreamGenerate issues a streaming generate call. The returned stream must
// be closed by the caller.
func (c *Client) StreamGenerate(ctx context.Context, apiKey, model string, genReq *GenerateRequest) (*Stream, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))

	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Issuing streaming generate", "model", model,
		"contents", len(genReq.Contents), "cached", genReq.CachedContent != "")

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	return &Stream{reader: NewStreamReader(resp.Body), body: resp.Body}, nil
}

// ModelInfo fetches model metadata, serving repeats from the per-model
// cache. Concurrent misses for the same model coalesce into one fetch.
func (c *Client) ModelInfo(ctx context.Context, apiKey, model string) (ModelInfo, error) {
	c.mu.RLock()
	info, ok := c.models[model]
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	v, err, _ := c.group.Do("model:"+model, func() (interface{}, error) {
		endpoint := fmt.Sprintf("%s/v1beta/models/%s?key=%s",
			c.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))

		var fetched ModelInfo
		if err := c.getJSON(ctx, endpoint, &fetched); err != nil {
			return ModelInfo{}, err
		}

		c.mu.Lock()
		c.models[model] = fetched
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return ModelInfo{}, err
	}
	return v.(ModelInfo), nil
}

// InputLimit returns the model's effective input budget, falling back to a
// default when metadata is unavailable.
func (c *Client) InputLimit(ctx context.Context, apiKey, model string) int {
	info, err := c.ModelInfo(ctx, apiKey, model)
	if err != nil {
		slog.Warn("Model metadata unavailable, using default input limit",
			"model", model, "limit", DefaultInputTokenLimit, "error", err)
		info = ModelInfo{Name: model, InputTokenLimit: DefaultInputTokenLimit}
	}
	if info.InputTokenLimit <= 0 {
		info.InputTokenLimit = DefaultInputTokenLimit
	}
	return info.EffectiveInputLimit()
}

type modelListResponse struct {
	Models        []ModelInfo `json:"models"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// ListModels enumerates the upstream's models.
func (c *Client) ListModels(ctx context.Context, apiKey string) ([]ModelInfo, error) {
	endpoint := fmt.Sprintf("%s/v1beta/models?pageSize=1000&key=%s",
		c.baseURL, url.QueryEscape(apiKey))

	var list modelListResponse
	if err := c.getJSON(ctx, endpoint, &list); err != nil {
		return nil, err
	}
	return list.Models, nil
}

type cachedContentRequest struct {
	Model             string   `json:"model"`
	SystemInstruction *Content `json:"system_instruction,omitempty"`
	TTL               string   `json:"ttl"`
}

type cachedContentResponse struct {
	Name string `json:"name"`
}

// CreateCachedContent registers a server-side context holding the system
// instruction and returns its handle.
func (c *Client) CreateCachedContent(ctx context.Context, apiKey, model string, system *Content, ttl time.Duration) (string, error) {
	endpoint := fmt.Sprintf("%s/v1beta/cachedContents?key=%s", c.baseURL, url.QueryEscape(apiKey))

	body, err := json.Marshal(cachedContentRequest{
		Model:             "models/" + model,
		SystemInstruction: system,
		TTL:               fmt.Sprintf("%ds", int(ttl.Seconds())),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build cache request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return "", statusError(resp)
		}
		return "", fmt.Errorf("cache create failed: %w", err)
	}
	defer resp.Body.Close()

	var created cachedContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode cache response: %w", err)
	}
	if created.Name == "" {
		return "", fmt.Errorf("cache create returned no handle")
	}
	return created.Name, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return statusError(resp)
		}
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx response into an error carrying the upstream
// message when the body holds the standard error envelope.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
		return &httpclient.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       envelope.Error.Message,
		}
	}

	return &httpclient.StatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(data)),
	}
}
