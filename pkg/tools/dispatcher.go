package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zyr3x/opengemini/pkg/observability"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// PoolCaller routes external tool calls. Satisfied by *mcp.Pool.
type PoolCaller interface {
	Call(ctx context.Context, serverID, tool string, args map[string]interface{}) (string, error)
}

// Dispatcher executes tool call batches: coercing arguments, consulting
// the output cache, routing built-in versus external, and shrinking
// oversized results. Results always come back in input order.
type Dispatcher struct {
	registry *Registry
	cache    *Cache
	pool     PoolCaller
	async    bool
}

// NewDispatcher wires a dispatcher. cache and pool may be nil (no caching,
// no external servers). async=false forces every batch sequential.
func NewDispatcher(registry *Registry, cache *Cache, pool PoolCaller, async bool) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		pool:     pool,
		async:    async,
	}
}

// Dispatch runs one batch of function calls and returns their response
// parts in input order. Batches naming any mutating tool run sequentially;
// everything else may run concurrently when async mode allows it.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Env, calls []upstream.FunctionCall) []upstream.Part {
	if len(calls) == 0 {
		return nil
	}

	ctx, span := observability.GetTracer(observability.ScopeName).Start(ctx,
		observability.SpanToolDispatch,
		trace.WithAttributes(attribute.Int(observability.AttrToolCalls, len(calls))))
	defer span.End()

	results := make([]upstream.Part, len(calls))
	if d.async && !d.batchMutates(calls) && len(calls) > 1 {
		var g errgroup.Group
		for i, call := range calls {
			g.Go(func() error {
				results[i] = d.runOne(ctx, env, call)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	for i, call := range calls {
		results[i] = d.runOne(ctx, env, call)
	}
	return results
}

// batchMutates reports whether any call names a mutating tool. Unknown
// tools count as non-mutating; they fail individually instead.
func (d *Dispatcher) batchMutates(calls []upstream.FunctionCall) bool {
	for _, call := range calls {
		if def, ok := d.registry.Lookup(call.Name); ok && def.Mutating {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runOne(ctx context.Context, env *Env, call upstream.FunctionCall) upstream.Part {
	start := time.Now()

	def, ok := d.registry.Lookup(call.Name)
	if !ok {
		slog.Warn("Unknown tool requested", "tool", call.Name)
		return wrapResult(call.Name, errorf("unknown tool %q", call.Name))
	}

	args := RewrapArgs(NormalizeArgs(call.Args), def.Parameters)

	cacheable := def.Cacheable && !def.Mutating
	if cacheable {
		cached, hit := d.cache.Get(call.Name, args)
		observability.Global().RecordCacheEvent(ctx, "tool_output", hit)
		if hit {
			slog.Debug("Tool cache hit", "tool", call.Name)
			return wrapResult(call.Name, cached)
		}
	}

	result := d.execute(ctx, env, def, args)
	result = Optimize(call.Name, result)

	if cacheable && !IsErrorResult(result) {
		d.cache.Put(call.Name, args, result)
	}

	slog.Debug("Tool executed",
		"tool", call.Name,
		"server", def.ServerID,
		"duration", time.Since(start).Round(time.Millisecond),
		"failed", IsErrorResult(result))
	observability.Global().RecordToolRun(ctx, call.Name, time.Since(start), IsErrorResult(result))
	return wrapResult(call.Name, result)
}

func (d *Dispatcher) execute(ctx context.Context, env *Env, def Definition, args map[string]interface{}) string {
	if def.IsBuiltin() {
		return def.handler(ctx, env, args)
	}
	if d.pool == nil {
		return errorf("tool server %q is not available", def.ServerID)
	}
	out, err := d.pool.Call(ctx, def.ServerID, def.Name, args)
	if err != nil {
		return errorf("tool %s failed: %v", def.Name, err)
	}
	return out
}

// wrapResult shapes a result string into a function response part: JSON
// object output becomes the payload directly, anything else is wrapped
// under a content key.
func wrapResult(name, result string) upstream.Part {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			return upstream.FunctionResponsePart(name, payload)
		}
	}
	return upstream.FunctionResponsePart(name, map[string]interface{}{"content": result})
}
