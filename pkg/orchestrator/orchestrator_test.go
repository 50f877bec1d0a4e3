package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/httpclient"
	"github.com/zyr3x/opengemini/pkg/mcp"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/shaping"
	"github.com/zyr3x/opengemini/pkg/tools"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// scriptedUpstream serves one scripted frame sequence per generate call and
// records the decoded request bodies. Model metadata lookups 404 so the
// orchestrator falls back to the default input budget.
type scriptedUpstream struct {
	t     *testing.T
	mu    sync.Mutex
	turns [][]upstream.GenerateResponse
	reqs  []upstream.GenerateRequest

	server *httptest.Server
}

func newScriptedUpstream(t *testing.T, turns ...[]upstream.GenerateResponse) *scriptedUpstream {
	t.Helper()
	s := &scriptedUpstream{t: t, turns: turns}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *scriptedUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
		http.NotFound(w, r)
		return
	}

	var genReq upstream.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&genReq); err != nil {
		s.t.Errorf("undecodable generate request: %v", err)
	}

	s.mu.Lock()
	s.reqs = append(s.reqs, genReq)
	idx := len(s.reqs) - 1
	s.mu.Unlock()

	if idx >= len(s.turns) {
		s.t.Errorf("unscripted generate call %d", idx+1)
		http.Error(w, "no scripted turn", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	for _, resp := range s.turns[idx] {
		data, _ := json.Marshal(resp)
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
}

func (s *scriptedUpstream) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *scriptedUpstream) request(i int) upstream.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

// recordingSink captures the delivery sequence. failWith simulates a client
// that hung up: every content write fails.
type recordingSink struct {
	mu       sync.Mutex
	contents []string
	errors   []string
	stops    int
	dones    int
	failWith error
}

func (s *recordingSink) WriteContent(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.contents = append(s.contents, text)
	return nil
}

func (s *recordingSink) WriteStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *recordingSink) WriteError(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
	return nil
}

func (s *recordingSink) Done() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones++
	return nil
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.contents, "")
}

// countingPool stands in for the MCP pool. Results and delays are keyed by
// tool name; unknown tools answer "ok".
type countingPool struct {
	mu      sync.Mutex
	calls   []poolCall
	results map[string]string
	delays  map[string]time.Duration
}

type poolCall struct {
	serverID string
	tool     string
	args     map[string]interface{}
}

func (p *countingPool) Call(ctx context.Context, serverID, tool string, args map[string]interface{}) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, poolCall{serverID: serverID, tool: tool, args: args})
	p.mu.Unlock()

	if d := p.delays[tool]; d > 0 {
		time.Sleep(d)
	}
	if out, ok := p.results[tool]; ok {
		return out, nil
	}
	return "ok", nil
}

func (p *countingPool) count(tool string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.tool == tool {
			n++
		}
	}
	return n
}

type fixture struct {
	stub *scriptedUpstream
	pool *countingPool
	sink *recordingSink
	orch *Orchestrator
}

func newFixture(t *testing.T, cfg *config.Config, turns ...[]upstream.GenerateResponse) *fixture {
	t.Helper()

	stub := newScriptedUpstream(t, turns...)
	client := upstream.NewClient(stub.server.URL, httpclient.New(httpclient.WithMaxRetries(0)))
	contextCache := upstream.NewContextCache(client, time.Hour, cfg.MinContextCachingTokens)

	registry := tools.NewRegistry(0)
	registry.RegisterExternal("stub", []mcp.Tool{
		{Name: "lookup_weather", Description: "Weather by city",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)},
		{Name: "lookup_news", Description: "Headlines by topic",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"topic":{"type":"string"}}}`)},
	})

	pool := &countingPool{
		results: map[string]string{},
		delays:  map[string]time.Duration{},
	}
	dispatcher := tools.NewDispatcher(registry, tools.NewCache(time.Minute, 32), pool, cfg.AsyncMode)
	shaper := shaping.NewShaper(cfg, nil, nil, nil)

	return &fixture{
		stub: stub,
		pool: pool,
		sink: &recordingSink{},
		orch: New(cfg, client, contextCache, shaper, registry, dispatcher),
	}
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.MaxToolIterations = 4
	cfg.AsyncMode = true
	// Keep the context cache out of the way: nothing in these tests
	// crosses the caching threshold.
	cfg.MinContextCachingTokens = 1 << 20
	return cfg
}

func userRequest(text string) *openai.ChatCompletionRequest {
	return &openai.ChatCompletionRequest{
		Model:  "gemini-test",
		Stream: true,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleUser, Content: openai.MessageContent{Text: text}},
		},
	}
}

func textFrame(text string) upstream.GenerateResponse {
	return upstream.GenerateResponse{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: upstream.RoleModel, Parts: []upstream.Part{upstream.TextPart(text)}},
	}}}
}

func callFrame(parts ...upstream.Part) upstream.GenerateResponse {
	return upstream.GenerateResponse{Candidates: []upstream.Candidate{{
		Content: upstream.Content{Role: upstream.RoleModel, Parts: parts},
	}}}
}

func usageFrame(prompt, completion int) upstream.GenerateResponse {
	return upstream.GenerateResponse{UsageMetadata: &upstream.UsageMetadata{
		PromptTokenCount:     prompt,
		CandidatesTokenCount: completion,
		TotalTokenCount:      prompt + completion,
	}}
}

func TestRunStreamsTextAndUsage(t *testing.T) {
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{textFrame("Hello"), textFrame(" world"), usageFrame(5, 7)},
	)

	usage, err := f.orch.Run(context.Background(), "sk-test", userRequest("hi"), f.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hello", " world"}, f.sink.contents)
	assert.Equal(t, 1, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
	assert.Empty(t, f.sink.errors)

	assert.Equal(t, 5, usage.PromptTokens)
	assert.Equal(t, 7, usage.CompletionTokens)
	assert.Equal(t, 12, usage.TotalTokens)

	assert.Equal(t, 1, f.stub.calls())
}

func TestRunExecutesToolCallLoop(t *testing.T) {
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{callFrame(
			upstream.FunctionCallPart("lookup_weather", map[string]interface{}{"city": "oslo"}),
		)},
		[]upstream.GenerateResponse{textFrame("Sunny in Oslo"), usageFrame(20, 4)},
	)
	f.pool.results["lookup_weather"] = "sunny, 12C"

	usage, err := f.orch.Run(context.Background(), "sk-test",
		userRequest("use lookup_weather for oslo"), f.sink)
	require.NoError(t, err)

	require.Len(t, f.pool.calls, 1)
	assert.Equal(t, "stub", f.pool.calls[0].serverID)
	assert.Equal(t, "lookup_weather", f.pool.calls[0].tool)
	assert.Equal(t, map[string]interface{}{"city": "oslo"}, f.pool.calls[0].args)

	// The second upstream call must replay the tool round: the model's
	// functionCall followed by the tool's functionResponse.
	require.Equal(t, 2, f.stub.calls())
	second := f.stub.request(1)
	require.Len(t, second.Contents, 3)
	assert.Equal(t, upstream.RoleModel, second.Contents[1].Role)
	require.NotNil(t, second.Contents[1].Parts[0].FunctionCall)
	assert.Equal(t, "lookup_weather", second.Contents[1].Parts[0].FunctionCall.Name)

	assert.Equal(t, upstream.RoleTool, second.Contents[2].Role)
	fr := second.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	assert.Equal(t, "lookup_weather", fr.Name)
	assert.Equal(t, "sunny, 12C", fr.Response["content"])

	assert.Equal(t, "Sunny in Oslo", f.sink.text())
	assert.Equal(t, 1, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
	assert.Equal(t, 4, usage.CompletionTokens)
	assert.GreaterOrEqual(t, usage.PromptTokens, 20)
}

func TestRunAdvertisesMentionedTools(t *testing.T) {
	f := newFixture(t, testConfig(), []upstream.GenerateResponse{textFrame("done")})

	_, err := f.orch.Run(context.Background(), "sk-test",
		userRequest("please run lookup_weather for oslo"), f.sink)
	require.NoError(t, err)

	req := f.stub.request(0)
	require.Len(t, req.Tools, 1)
	require.Len(t, req.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "lookup_weather", req.Tools[0].FunctionDeclarations[0].Name)
	require.NotNil(t, req.ToolConfig)
	assert.Equal(t, "AUTO", req.ToolConfig.FunctionCallingConfig.Mode)
}

func TestRunStaysSilentWithoutToolMention(t *testing.T) {
	f := newFixture(t, testConfig(), []upstream.GenerateResponse{textFrame("hi")})

	_, err := f.orch.Run(context.Background(), "sk-test", userRequest("hello there"), f.sink)
	require.NoError(t, err)

	req := f.stub.request(0)
	assert.Empty(t, req.Tools)
	assert.Nil(t, req.ToolConfig)
}

func TestRunKeepsParallelBatchOrder(t *testing.T) {
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{callFrame(
			upstream.FunctionCallPart("lookup_weather", map[string]interface{}{"city": "oslo"}),
			upstream.FunctionCallPart("lookup_news", map[string]interface{}{"topic": "storms"}),
		)},
		[]upstream.GenerateResponse{textFrame("summary")},
	)
	// The first call finishes last; responses must still come back in
	// call order.
	f.pool.delays["lookup_weather"] = 30 * time.Millisecond
	f.pool.results["lookup_weather"] = "sunny"
	f.pool.results["lookup_news"] = "two storms inbound"

	_, err := f.orch.Run(context.Background(), "sk-test",
		userRequest("weather and news for oslo"), f.sink)
	require.NoError(t, err)
	require.Len(t, f.pool.calls, 2)

	second := f.stub.request(1)
	toolParts := second.Contents[len(second.Contents)-1].Parts
	require.Len(t, toolParts, 2)
	assert.Equal(t, "lookup_weather", toolParts[0].FunctionResponse.Name)
	assert.Equal(t, "sunny", toolParts[0].FunctionResponse.Response["content"])
	assert.Equal(t, "lookup_news", toolParts[1].FunctionResponse.Name)
	assert.Equal(t, "two storms inbound", toolParts[1].FunctionResponse.Response["content"])
}

func TestRunServesRepeatedCallFromCache(t *testing.T) {
	call := func() upstream.GenerateResponse {
		return callFrame(upstream.FunctionCallPart("lookup_weather", map[string]interface{}{"city": "oslo"}))
	}
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{call()},
		[]upstream.GenerateResponse{call()},
		[]upstream.GenerateResponse{textFrame("done")},
	)
	f.pool.results["lookup_weather"] = "sunny"

	_, err := f.orch.Run(context.Background(), "sk-test", userRequest("weather in oslo"), f.sink)
	require.NoError(t, err)

	assert.Equal(t, 3, f.stub.calls())
	assert.Equal(t, 1, f.pool.count("lookup_weather"))
	assert.Equal(t, "done", f.sink.text())
}

func TestRunSynthesizesTextFromToolResponse(t *testing.T) {
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{callFrame(
			upstream.FunctionCallPart("lookup_weather", map[string]interface{}{"city": "oslo"}),
		)},
		// Model goes quiet after the tool round: only usage comes back.
		[]upstream.GenerateResponse{usageFrame(9, 0)},
	)
	f.pool.results["lookup_weather"] = "sunny, 12C"

	usage, err := f.orch.Run(context.Background(), "sk-test", userRequest("weather in oslo"), f.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"sunny, 12C"}, f.sink.contents)
	assert.Equal(t, 1, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
	assert.GreaterOrEqual(t, usage.PromptTokens, 9)
}

func TestRunStopsAtIterationCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolIterations = 3

	loop := func() []upstream.GenerateResponse {
		return []upstream.GenerateResponse{callFrame(
			upstream.FunctionCallPart("lookup_weather", map[string]interface{}{"city": "oslo"}),
		)}
	}
	f := newFixture(t, cfg, loop(), loop(), loop())
	f.pool.results["lookup_weather"] = "sunny"

	_, err := f.orch.Run(context.Background(), "sk-test", userRequest("weather in oslo"), f.sink)
	require.NoError(t, err)

	// The capped iteration still streams but must not dispatch again.
	assert.Equal(t, 3, f.stub.calls())
	assert.Equal(t, 2, f.pool.count("lookup_weather"))
	assert.Equal(t, 1, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
	assert.Empty(t, f.sink.errors)
}

func TestRunWritesInlineErrorOnUpstreamFailure(t *testing.T) {
	f := newFixture(t, testConfig(),
		[]upstream.GenerateResponse{
			textFrame("partial"),
			{Error: &upstream.APIError{Code: 503, Message: "backend overloaded", Status: "UNAVAILABLE"}},
		},
	)

	_, err := f.orch.Run(context.Background(), "sk-test", userRequest("hi"), f.sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"partial"}, f.sink.contents)
	require.Len(t, f.sink.errors, 1)
	assert.True(t, strings.HasPrefix(f.sink.errors[0], "Error: "))
	assert.Contains(t, f.sink.errors[0], "backend overloaded")

	// The stream terminates without a stop chunk after an inline error.
	assert.Equal(t, 0, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
}

func TestRunAbortsWhenClientGone(t *testing.T) {
	f := newFixture(t, testConfig(), []upstream.GenerateResponse{textFrame("hello")})
	f.sink.failWith = fmt.Errorf("connection reset by peer")

	usage, err := f.orch.Run(context.Background(), "sk-test", userRequest("hi"), f.sink)
	require.Error(t, err)
	require.NotNil(t, usage)

	// Nothing more is written once the client is gone.
	assert.Empty(t, f.sink.errors)
	assert.Equal(t, 0, f.sink.stops)
	assert.Equal(t, 0, f.sink.dones)
}

func TestRunHandlesEmptyHistory(t *testing.T) {
	f := newFixture(t, testConfig(), []upstream.GenerateResponse{textFrame("Hi, how can I help?")})

	req := &openai.ChatCompletionRequest{Model: "gemini-test", Stream: true}
	_, err := f.orch.Run(context.Background(), "sk-test", req, f.sink)
	require.NoError(t, err)

	assert.Empty(t, f.stub.request(0).Contents)
	assert.Equal(t, "Hi, how can I help?", f.sink.text())
	assert.Equal(t, 1, f.sink.dones)
}

func TestRunUsageOnlyTurnEmitsNoContent(t *testing.T) {
	f := newFixture(t, testConfig(), []upstream.GenerateResponse{usageFrame(6, 0)})

	usage, err := f.orch.Run(context.Background(), "sk-test", userRequest("hi"), f.sink)
	require.NoError(t, err)

	assert.Empty(t, f.sink.contents)
	assert.Equal(t, 1, f.sink.stops)
	assert.Equal(t, 1, f.sink.dones)
	assert.Equal(t, 6, usage.PromptTokens)
}

func TestRunRecoversFromThrottledUpstream(t *testing.T) {
	var generateCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		if generateCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":{"code":429,"message":"slow down"}}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		frame, _ := json.Marshal(textFrame("recovered"))
		fmt.Fprintf(w, "data: %s\n\n", frame)
	}))
	t.Cleanup(server.Close)

	cfg := testConfig()
	client := upstream.NewClient(server.URL, httpclient.New(httpclient.WithMaxRetries(2)))
	contextCache := upstream.NewContextCache(client, time.Hour, cfg.MinContextCachingTokens)
	registry := tools.NewRegistry(0)
	dispatcher := tools.NewDispatcher(registry, nil, nil, false)
	shaper := shaping.NewShaper(cfg, nil, nil, nil)
	orch := New(cfg, client, contextCache, shaper, registry, dispatcher)

	sink := &recordingSink{}
	start := time.Now()
	_, err := orch.Run(context.Background(), "sk-test", userRequest("hi"), sink)
	require.NoError(t, err)

	// The throttled attempt is absorbed by the retry layer: one clean
	// stream, no error chunk, and the Retry-After delay was honored.
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"recovered"}, sink.contents)
	assert.Empty(t, sink.errors)
	assert.EqualValues(t, 2, generateCalls.Load())
}
