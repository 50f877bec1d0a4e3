package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the proxy's instruments. Every Record method is safe on a
// nil receiver and on a partially initialized struct, so call sites never
// need to know whether metrics were enabled.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	toolRunsTotal metric.Int64Counter
	toolDuration  metric.Float64Histogram

	upstreamTotal    metric.Int64Counter
	upstreamDuration metric.Float64Histogram
	upstreamTokens   metric.Int64Counter
	upstreamRetries  metric.Int64Counter

	cacheEvents    metric.Int64Counter
	loopIterations metric.Int64Histogram
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"opengemini_requests_total",
		metric.WithDescription("Client requests served"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"opengemini_request_duration_seconds",
		metric.WithDescription("Client request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request histogram: %w", err)
	}

	if m.toolRunsTotal, err = meter.Int64Counter(
		"opengemini_tool_executions_total",
		metric.WithDescription("Tool executions by name and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"opengemini_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool histogram: %w", err)
	}

	if m.upstreamTotal, err = meter.Int64Counter(
		"opengemini_upstream_requests_total",
		metric.WithDescription("Upstream generate calls by model and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream counter: %w", err)
	}

	if m.upstreamDuration, err = meter.Float64Histogram(
		"opengemini_upstream_request_duration_seconds",
		metric.WithDescription("Upstream generate call duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create upstream histogram: %w", err)
	}

	if m.upstreamTokens, err = meter.Int64Counter(
		"opengemini_upstream_tokens_total",
		metric.WithDescription("Upstream token usage by direction"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}

	if m.upstreamRetries, err = meter.Int64Counter(
		"opengemini_upstream_retries_total",
		metric.WithDescription("Upstream attempts that were retried"),
	); err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %w", err)
	}

	if m.cacheEvents, err = meter.Int64Counter(
		"opengemini_cache_events_total",
		metric.WithDescription("Cache lookups by cache name and result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}

	if m.loopIterations, err = meter.Int64Histogram(
		"opengemini_tool_loop_iterations",
		metric.WithDescription("Upstream round-trips per client request"),
	); err != nil {
		return nil, fmt.Errorf("failed to create iteration histogram: %w", err)
	}

	return m, nil
}

// RecordRequest counts one served client request.
func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil || m.requestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

// RecordToolRun counts one tool execution.
func (m *Metrics) RecordToolRun(ctx context.Context, tool string, d time.Duration, failed bool) {
	if m == nil || m.toolRunsTotal == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.toolRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordUpstreamCall counts one streaming generate call.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, model string, d time.Duration, err error) {
	if m == nil || m.upstreamTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.upstreamTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
	m.upstreamDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("model", model)))
}

// RecordUsage accumulates upstream token usage.
func (m *Metrics) RecordUsage(ctx context.Context, model string, input, output int) {
	if m == nil || m.upstreamTokens == nil {
		return
	}
	if input > 0 {
		m.upstreamTokens.Add(ctx, int64(input), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "input"),
		))
	}
	if output > 0 {
		m.upstreamTokens.Add(ctx, int64(output), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "output"),
		))
	}
}

// RecordRetry counts one retried upstream attempt.
func (m *Metrics) RecordRetry(ctx context.Context) {
	if m == nil || m.upstreamRetries == nil {
		return
	}
	m.upstreamRetries.Add(ctx, 1)
}

// RecordCacheEvent counts one cache lookup. cache names the cache
// ("tool_output" or "context"); hit reports the result.
func (m *Metrics) RecordCacheEvent(ctx context.Context, cache string, hit bool) {
	if m == nil || m.cacheEvents == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// RecordLoopIterations records how many upstream round-trips one client
// request took.
func (m *Metrics) RecordLoopIterations(ctx context.Context, model string, n int) {
	if m == nil || m.loopIterations == nil {
		return
	}
	m.loopIterations.Record(ctx, int64(n), metric.WithAttributes(attribute.String("model", model)))
}

var (
	globalMu sync.RWMutex
	global   *Metrics
)

// SetGlobal installs the process-wide metrics sink consulted by Global.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = m
}

// Global returns the installed metrics, or nil when metrics are disabled.
// The nil result is safe to call Record methods on.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
