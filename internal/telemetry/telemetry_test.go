package telemetry

import (
	"context"
	"testing"

	"github.com/2389/coven-chat/internal/config"
)

func TestSetup_NoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Endpoint: "http://localhost:4318"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_CreatesProvider(t *testing.T) {
	// Non-routable address, nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "coven-chat-test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
