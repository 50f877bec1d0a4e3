// Package orchestrator drives one chat completion end to end: request
// shaping, input budgeting, the upstream tool loop, and delivery of the
// assistant turn to the client sink.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zyr3x/opengemini/pkg/config"
	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/shaping"
	"github.com/zyr3x/opengemini/pkg/tools"
	"github.com/zyr3x/opengemini/pkg/upstream"
	"github.com/zyr3x/opengemini/pkg/utils"
)

// TokenCounter supplies real token counts for usage reporting. Optional;
// without one the chars/4 estimate is used.
type TokenCounter interface {
	Count(text string) int
}

// Orchestrator holds the per-process collaborators of the chat loop. Safe
// for concurrent use; per-request state lives on the stack of Run.
type Orchestrator struct {
	cfg          *config.Config
	client       *upstream.Client
	contextCache *upstream.ContextCache
	shaper       *shaping.Shaper
	registry     *tools.Registry
	dispatcher   *tools.Dispatcher
	counter      TokenCounter
}

type Option func(*Orchestrator)

// WithTokenCounter installs a tokenizer-backed counter for usage numbers.
func WithTokenCounter(tc TokenCounter) Option {
	return func(o *Orchestrator) {
		o.counter = tc
	}
}

func New(cfg *config.Config, client *upstream.Client, contextCache *upstream.ContextCache,
	shaper *shaping.Shaper, registry *tools.Registry, dispatcher *tools.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:          cfg,
		client:       client,
		contextCache: contextCache,
		shaper:       shaper,
		registry:     registry,
		dispatcher:   dispatcher,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one chat completion against the sink. The sink always sees a
// cleanly terminated stream: upstream failures after retry surface as a
// single inline error chunk before the terminator. A non-nil error reports
// only conditions where the sink could not be written (client gone); those
// abort the upstream read and return without further writes.
func (o *Orchestrator) Run(ctx context.Context, apiKey string, req *openai.ChatCompletionRequest, sink openai.Sink) (*openai.Usage, error) {
	ctx, span := observability.GetTracer(observability.ScopeName).Start(ctx,
		observability.SpanChatRequest,
		trace.WithAttributes(attribute.String(observability.AttrModel, req.Model)))
	defer span.End()

	shaped := o.shaper.Shape(req.Messages)
	if shaped.ProfileName != "" {
		slog.Debug("Prompt profile active", "profile", shaped.ProfileName)
	}

	budget := o.client.InputLimit(ctx, apiKey, req.Model)
	policy := o.shaper.WindowPolicy()
	env := &tools.Env{
		Root:         shaped.ProjectRoot,
		AllowedRoots: o.cfg.AllowedRoots(),
	}

	history := shaped.Contents
	usage := &openai.Usage{}

	iterations := 0
	defer func() {
		observability.Global().RecordLoopIterations(ctx, req.Model, iterations)
		span.SetAttributes(attribute.Int(observability.AttrIteration, iterations))
	}()

	for iterations = 1; iterations <= o.cfg.MaxToolIterations; iterations++ {
		windowed := upstream.MergeContents(shaping.FitBudget(history, shaped.CurrentQuery, budget, policy))

		genReq := &upstream.GenerateRequest{Contents: windowed}
		o.applyTools(genReq, shaped, windowed)
		o.applyContextCache(ctx, apiKey, req.Model, genReq, shaped.SystemInstruction)

		turn, err := o.streamTurn(ctx, apiKey, req.Model, genReq, sink)
		if err != nil {
			var we *writeError
			if errors.As(err, &we) {
				slog.Info("Client went away mid-stream", "model", req.Model, "error", we.Unwrap())
				return usage, err
			}
			slog.Error("Upstream call failed", "model", req.Model, "iteration", iterations, "error", err)
			_ = sink.WriteError("Error: " + err.Error())
			_ = sink.Done()
			return usage, nil
		}

		o.tallyUsage(ctx, req.Model, genReq, turn, usage)

		if len(turn.calls) == 0 {
			if !turn.textEmitted && lastIsToolResponse(history) {
				if text := synthesizeToolText(history[len(history)-1]); text != "" {
					if err := sink.WriteContent(text); err != nil {
						return usage, &writeError{err}
					}
				}
			}
			slog.Info("Chat completion finished",
				"model", req.Model,
				"iterations", iterations,
				"prompt_tokens", usage.PromptTokens,
				"completion_tokens", usage.CompletionTokens)
			return usage, o.finish(sink)
		}

		if iterations == o.cfg.MaxToolIterations {
			slog.Warn("Tool loop cap reached, returning partial response",
				"model", req.Model, "iterations", iterations)
			break
		}

		history = append(history, upstream.Content{Role: upstream.RoleModel, Parts: turn.parts})
		responses := o.dispatcher.Dispatch(ctx, env, turn.calls)
		history = append(history, upstream.Content{Role: upstream.RoleTool, Parts: responses})
	}

	return usage, o.finish(sink)
}

func (o *Orchestrator) finish(sink openai.Sink) error {
	if err := sink.WriteStop(); err != nil {
		return &writeError{err}
	}
	if err := sink.Done(); err != nil {
		return &writeError{err}
	}
	return nil
}

// applyContextCache decides between an inline system instruction and a
// server-side cached-context handle.
func (o *Orchestrator) applyContextCache(ctx context.Context, apiKey, model string, genReq *upstream.GenerateRequest, system *upstream.Content) {
	if system == nil {
		return
	}
	if handle, ok := o.contextCache.Handle(ctx, apiKey, model, system); ok {
		genReq.CachedContent = handle
		observability.Global().RecordCacheEvent(ctx, "context", true)
		return
	}
	if utils.EstimateTokens(system.JoinedText()) >= o.cfg.MinContextCachingTokens {
		observability.Global().RecordCacheEvent(ctx, "context", false)
	}
	genReq.SystemInstruction = system
}

// tallyUsage folds one turn's usage into the request total, estimating
// whichever side the upstream did not report.
func (o *Orchestrator) tallyUsage(ctx context.Context, model string, genReq *upstream.GenerateRequest, t *turn, usage *openai.Usage) {
	prompt := t.promptTokens
	if prompt == 0 {
		prompt = o.countTokens(contentsText(genReq.Contents))
	}
	completion := t.completionTokens
	if completion == 0 {
		completion = o.countTokens(partsText(t.parts))
	}

	usage.PromptTokens += prompt
	usage.CompletionTokens += completion
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	observability.Global().RecordUsage(ctx, model, prompt, completion)
}

func (o *Orchestrator) countTokens(text string) int {
	if text == "" {
		return 0
	}
	if o.counter != nil {
		return o.counter.Count(text)
	}
	return utils.EstimateTokens(text)
}

func lastIsToolResponse(history []upstream.Content) bool {
	return len(history) > 0 && history[len(history)-1].Role == upstream.RoleTool
}

func contentsText(contents []upstream.Content) string {
	var b strings.Builder
	for _, c := range contents {
		for _, p := range c.Parts {
			if p.IsText() {
				b.WriteString(p.Text)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func partsText(parts []upstream.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.IsText() {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
