// Package telemetry wires the Agentic Loop's tracing into an OTLP-compatible
// backend. It owns only the trace provider — no metrics or log export — kept
// deliberately narrow to the one thing SPEC_FULL.md's domain-stack table
// commits this engine to: one span per Agentic Loop iteration and per tool
// call, exported when telemetry.enabled is true and a no-op otherwise.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbiterhq/orbiter/internal/config"
)

const scopeName = "github.com/orbiterhq/orbiter/agentloop"

// Tracer returns the agentloop scope's tracer. Init (or its absence) decides
// whether spans started on it go anywhere: the global TracerProvider is a
// no-op until Init installs a real one.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// Init installs an OTLP trace exporter as the global TracerProvider when
// cfg.Enabled is true. The returned shutdown func flushes and closes the
// exporter; call it must be called on application exit. When cfg.Enabled is
// false, Init does nothing and returns a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "orbiter"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// newExporter picks the gRPC or HTTP OTLP trace exporter per cfg.Protocol,
// defaulting to gRPC to match the collector most OTLP backends expose first.
func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}
