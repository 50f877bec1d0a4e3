package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/openai"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// turn is the outcome of one upstream round-trip: the model's parts in
// arrival order, the tool calls among them, and the reported usage.
type turn struct {
	parts       []upstream.Part
	calls       []upstream.FunctionCall
	textEmitted bool

	promptTokens     int
	completionTokens int
}

// writeError marks a sink write failure: the client is gone and nothing
// more must be written.
type writeError struct {
	err error
}

func (e *writeError) Error() string {
	return fmt.Sprintf("client write failed: %v", e.err)
}

func (e *writeError) Unwrap() error {
	return e.err
}

// streamTurn issues one streaming generate call and consumes its body,
// forwarding text deltas to the sink as they decode and collecting tool
// calls. An upstream error object mid-stream aborts the turn.
func (o *Orchestrator) streamTurn(ctx context.Context, apiKey, model string, genReq *upstream.GenerateRequest, sink openai.Sink) (*turn, error) {
	ctx, span := observability.GetTracer(observability.ScopeName).Start(ctx,
		observability.SpanUpstreamCall,
		trace.WithAttributes(attribute.String(observability.AttrModel, model)))
	defer span.End()

	start := time.Now()
	stream, err := o.client.StreamGenerate(ctx, apiKey, model, genReq)
	if err != nil {
		return nil, o.turnFailed(ctx, span, model, start, err)
	}
	defer stream.Close()

	t := &turn{}
	for {
		resp, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, o.turnFailed(ctx, span, model, start, fmt.Errorf("upstream stream failed: %w", err))
		}

		if resp.Error != nil {
			return nil, o.turnFailed(ctx, span, model, start, resp.Error)
		}
		if resp.UsageMetadata != nil {
			t.promptTokens = resp.UsageMetadata.PromptTokenCount
			t.completionTokens = resp.UsageMetadata.CandidatesTokenCount
		}
		if len(resp.Candidates) == 0 {
			continue
		}

		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				t.calls = append(t.calls, *part.FunctionCall)
				t.parts = append(t.parts, part)
			case part.IsText() && part.Text != "":
				if err := sink.WriteContent(part.Text); err != nil {
					return nil, &writeError{err}
				}
				t.textEmitted = true
				t.parts = append(t.parts, part)
			}
		}
	}

	span.SetAttributes(
		attribute.Int(observability.AttrTokensInput, t.promptTokens),
		attribute.Int(observability.AttrTokensOutput, t.completionTokens),
		attribute.Int(observability.AttrToolCalls, len(t.calls)),
	)
	span.SetStatus(codes.Ok, "")
	observability.Global().RecordUpstreamCall(ctx, model, time.Since(start), nil)
	return t, nil
}

func (o *Orchestrator) turnFailed(ctx context.Context, span trace.Span, model string, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	observability.Global().RecordUpstreamCall(ctx, model, time.Since(start), err)
	return err
}

// synthesizeToolText renders a tool-response message as display text, for
// turns where the model returned nothing after a tool round. String content
// payloads pass through; anything else is shown as JSON.
func synthesizeToolText(c upstream.Content) string {
	var chunks []string
	for _, p := range c.Parts {
		fr := p.FunctionResponse
		if fr == nil {
			continue
		}
		if s, ok := fr.Response["content"].(string); ok {
			chunks = append(chunks, s)
			continue
		}
		if data, err := json.Marshal(fr.Response); err == nil {
			chunks = append(chunks, string(data))
		}
	}
	return strings.Join(chunks, "\n")
}
