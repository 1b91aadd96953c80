package telemetry

import (
	"context"
	"testing"
)

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318":  "collector:4318",
		"https://collector:4318": "collector:4318",
		"collector:4318":         "collector:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("stripScheme(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if Environment() != "staging" {
		t.Fatalf("expected lower-cased environment, got %q", Environment())
	}
	if provider.Meter("test") == nil {
		t.Fatalf("expected global meter fallback")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("STAGEFEED_ENV", "prod")

	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Fatalf("expected telemetry disabled via OTEL_ENABLED=false")
	}
	if cfg.ServiceName != serviceName {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Environment != "prod" {
		t.Fatalf("expected STAGEFEED_ENV fallback, got %q", cfg.Environment)
	}
}
