// Package observability wires the proxy's telemetry: OpenTelemetry metrics
// exported through the Prometheus bridge and scraped at /metrics, and OTLP
// trace export when an endpoint is configured.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects which telemetry backends come up.
type Config struct {
	// MetricsEnabled turns on the Prometheus-backed instruments.
	MetricsEnabled bool

	// TraceEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export; the literal "stdout" pretty-prints spans instead,
	// for local debugging.
	TraceEndpoint string

	// SampleRate is the trace sampling ratio; zero means sample all.
	SampleRate float64

	ServiceName    string
	ServiceVersion string
}

// Manager owns the telemetry lifecycle: Init brings the providers up,
// Shutdown flushes and tears them down.
type Manager struct {
	cfg Config

	registry       *prometheus.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

func NewManager(cfg Config) *Manager {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	return &Manager{cfg: cfg}
}

// Init builds the meter and tracer providers and installs them globally.
func (m *Manager) Init(ctx context.Context) error {
	if m.cfg.MetricsEnabled {
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		m.registry = registry
		m.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

		metrics, err := newMetrics(m.meterProvider.Meter(ScopeName))
		if err != nil {
			return err
		}
		m.metrics = metrics
		SetGlobal(metrics)
	}

	tp, err := newTracerProvider(ctx, m.cfg)
	if err != nil {
		return err
	}
	m.tracerProvider = tp
	otel.SetTracerProvider(tp)

	return nil
}

// Metrics returns the instrument bundle, nil when metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsHandler serves the Prometheus scrape endpoint. When metrics are
// disabled the handler answers 503 so scrapers see the state explicitly.
func (m *Manager) MetricsHandler() http.Handler {
	if m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending telemetry. Safe to call on a Manager whose Init
// failed or never ran.
func (m *Manager) Shutdown(ctx context.Context) error {
	var firstErr error

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if m.meterProvider != nil {
		if err := m.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetTracer returns a tracer from the globally installed provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

func newTracerProvider(ctx context.Context, cfg Config) (trace.TracerProvider, error) {
	if cfg.TraceEndpoint == "" {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.TraceEndpoint == "stdout" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = newOTLPExporter(ctx, cfg.TraceEndpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
	), nil
}

func newOTLPExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}
