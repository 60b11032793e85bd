package telemetry

import (
	"context"
	"testing"

	"github.com/orbiterhq/orbiter/internal/config"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned an error: %v", err)
	}
}

func TestTracer_UsableBeforeInit(t *testing.T) {
	// Starting a span against the default (no-op) global TracerProvider
	// must never panic, since Run can be called against a Loop before
	// telemetry.Init has run (e.g. in tests that skip serve.go entirely).
	_, span := Tracer().Start(context.Background(), "test-span")
	defer span.End()
}

func TestInit_EnabledWithGRPCDefaultsSucceeds(t *testing.T) {
	// otlptracegrpc.New does not dial eagerly, so Init succeeds even
	// with no collector listening at the endpoint.
	shutdown, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "grpc",
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_EnabledWithHTTPDefaultsSucceeds(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "127.0.0.1:4318",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
