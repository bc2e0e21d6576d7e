// Package tracing wires an OpenTelemetry TracerProvider for this module's
// services, with a pluggable exporter (stdout for local development, Jaeger
// or Zipkin for a real collector) selected by configuration rather than by
// call site.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ExporterKind selects which trace backend a TracerProvider exports to.
type ExporterKind string

const (
	ExporterStdout ExporterKind = "stdout"
	ExporterJaeger ExporterKind = "jaeger"
	ExporterZipkin ExporterKind = "zipkin"
)

// Config configures a TracerProvider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string

	// Exporter selects the backend. Defaults to ExporterStdout.
	Exporter ExporterKind

	// Endpoint is the collector URL for Jaeger (collector HTTP endpoint) or
	// Zipkin (collector POST endpoint). Unused for ExporterStdout.
	Endpoint string

	// SampleRatio is the fraction of traces recorded, in [0, 1]. Zero
	// defaults to always-on sampling.
	SampleRatio float64
}

// NewTracerProvider builds a TracerProvider and registers it as the global
// provider. Callers must call the returned shutdown func during process
// shutdown to flush any buffered spans.
func NewTracerProvider(ctx context.Context, cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pipeline"
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterStdout
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return tp, tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterJaeger:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case ExporterZipkin:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		return zipkin.New(endpoint)
	case ExporterStdout, "":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("tracing: unknown exporter kind %q", cfg.Exporter)
	}
}
