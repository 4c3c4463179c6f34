// Package observability wires OpenTelemetry tracing for store producers,
// Jupiter requests and the diagnostics server.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`         // otlp-http, none
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"` // lpdash
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0
}

// Provider wraps the OpenTelemetry TracerProvider
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global atomic.Pointer[Provider]

func init() {
	global.Store(disabledProvider())
}

func disabledProvider() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer("")}
}

// Init installs the global tracer provider. A disabled config installs a
// no-op tracer.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		global.Store(disabledProvider())
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lpdash"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	case "none":
		// spans are sampled and recorded but never leave the process
		exporter = &noopExporter{}
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global.Store(&Provider{
		tp:      tp,
		tracer:  tp.Tracer(cfg.ServiceName),
		enabled: true,
	})
	return nil
}

// Shutdown flushes pending spans and stops the provider.
func Shutdown(ctx context.Context) error {
	p := global.Load()
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.tp.Shutdown(ctx)
	global.Store(disabledProvider())
	return err
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	return global.Load().tracer
}

// Enabled returns whether tracing is enabled
func Enabled() bool {
	return global.Load().enabled
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (e *noopExporter) Shutdown(context.Context) error { return nil }
