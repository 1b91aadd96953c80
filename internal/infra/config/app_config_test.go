package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/stagefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/stagefeed/internal/infra/stream"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
eventbus:
  globalCapacity: 500
  pipelineCapacity: 40
  dedupCapacity: 100
  dedupWindow: 10m
  maxPipelines: 1000
  pipelineTTL: 1h
  subscriberBuffer: 64
stream:
  defaultHistory: 25
  heartbeatInterval: 15s
  writeTimeout: 2s
apiServer:
  addr: ":9999"
  readHeaderTimeout: 3s
  ingestRate: 50
  ingestBurst: 10
  allowedOrigins: [" https://dash.example.com ", ""]
telemetry:
  otlpEndpoint: http://collector:4318
  serviceName: test-service
  otlpInsecure: false
  enableMetrics: false
logging:
  level: DEBUG
  development: true
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment normalised to staging, got %q", cfg.Environment)
	}
	bus := cfg.Eventbus
	if bus.GlobalCapacity != 500 || bus.PipelineCapacity != 40 || bus.DedupCapacity != 100 {
		t.Fatalf("unexpected eventbus capacities: %+v", bus)
	}
	if bus.DedupWindow != 10*time.Minute || bus.PipelineTTL != time.Hour || bus.MaxPipelines != 1000 {
		t.Fatalf("unexpected eventbus retention: %+v", bus)
	}
	if bus.MetaPayloadCapBytes != eventbus.DefaultMetaPayloadCapBytes {
		t.Fatalf("expected default meta payload cap, got %d", bus.MetaPayloadCapBytes)
	}
	if cfg.Stream.DefaultHistory != 25 || cfg.Stream.HeartbeatInterval != 15*time.Second || cfg.Stream.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected stream config: %+v", cfg.Stream)
	}
	if cfg.APIServer.Addr != ":9999" || cfg.APIServer.ReadHeaderTimeout != 3*time.Second {
		t.Fatalf("unexpected api server config: %+v", cfg.APIServer)
	}
	if !cfg.APIServer.IngestRate.Limited() || cfg.APIServer.IngestRate.Value() != 50 || cfg.APIServer.IngestBurst != 10 {
		t.Fatalf("unexpected ingest limits: %+v", cfg.APIServer)
	}
	if len(cfg.APIServer.AllowedOrigins) != 1 || cfg.APIServer.AllowedOrigins[0] != "https://dash.example.com" {
		t.Fatalf("expected trimmed origins, got %v", cfg.APIServer.AllowedOrigins)
	}
	if cfg.Telemetry.ServiceName != "test-service" || cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Development {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}

	mem := bus.MemoryConfig()
	if mem.GlobalCapacity != 500 || mem.SubscriberBuffer != 64 || mem.PipelineTTL != time.Hour {
		t.Fatalf("MemoryConfig did not carry values: %+v", mem)
	}
}

func TestLoadKeepsDefaultsForMissingSections(t *testing.T) {
	path := writeConfig(t, "environment: dev\n")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	def := Default()
	if cfg.Eventbus != def.Eventbus {
		t.Fatalf("expected default eventbus config, got %+v", cfg.Eventbus)
	}
	if cfg.Stream != def.Stream {
		t.Fatalf("expected default stream config, got %+v", cfg.Stream)
	}
	if cfg.Eventbus.MaxPipelines != 0 || cfg.Eventbus.PipelineTTL != 0 {
		t.Fatalf("pipeline histories must be retained indefinitely by default")
	}
	if cfg.Stream.DefaultHistory != stream.DefaultHistory {
		t.Fatalf("expected default history %d, got %d", stream.DefaultHistory, cfg.Stream.DefaultHistory)
	}
	if cfg.APIServer.IngestRate.Limited() {
		t.Fatalf("expected unlimited ingest by default")
	}
}

func TestLoadClampsDefaultHistoryToCapacity(t *testing.T) {
	path := writeConfig(t, `
environment: dev
eventbus:
  globalCapacity: 20
stream:
  defaultHistory: 90
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Stream.DefaultHistory != 20 {
		t.Fatalf("expected default history clamped to 20, got %d", cfg.Stream.DefaultHistory)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment":  "environment: qa\n",
		"capacity":     "environment: dev\neventbus:\n  globalCapacity: -1\n",
		"dedupWindow":  "environment: dev\neventbus:\n  dedupWindow: -1s\n",
		"history":      "environment: dev\nstream:\n  defaultHistory: -5\n",
		"logLevel":     "environment: dev\nlogging:\n  level: chatty\n",
		"ingestRate":   "environment: dev\napiServer:\n  ingestRate: fast\n",
		"serviceName":  "environment: dev\ntelemetry:\n  serviceName: \"  \"\n",
		"ingestBurstN": "environment: dev\napiServer:\n  ingestBurst: -2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadOrDefaultFallsBackWhenMissing(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Eventbus.GlobalCapacity != eventbus.DefaultGlobalCapacity {
		t.Fatalf("expected defaults, got %+v", cfg.Eventbus)
	}

	cfg, err = LoadOrDefault(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadOrDefault(\"\") returned error: %v", err)
	}
	if cfg.APIServer.Addr != Default().APIServer.Addr {
		t.Fatalf("expected default addr, got %q", cfg.APIServer.Addr)
	}
}

func TestLoadOrDefaultSurfacesParseErrors(t *testing.T) {
	path := writeConfig(t, "environment: [unterminated\n")
	if _, err := LoadOrDefault(context.Background(), path); err == nil {
		t.Fatalf("expected parse error to surface")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STAGEFEED_ENV", "PROD")
	t.Setenv("STAGEFEED_ADDR", "127.0.0.1:7000")
	t.Setenv("STAGEFEED_LOG_LEVEL", "warn")

	cfg, err := LoadOrDefault(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadOrDefault returned error: %v", err)
	}
	if cfg.Environment != EnvProd {
		t.Fatalf("expected prod environment, got %q", cfg.Environment)
	}
	if cfg.APIServer.Addr != "127.0.0.1:7000" {
		t.Fatalf("expected addr override, got %q", cfg.APIServer.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected log level override, got %q", cfg.Logging.Level)
	}
}

func TestRateSettingUnmarshal(t *testing.T) {
	cases := []struct {
		input   string
		limited bool
		value   float64
		wantErr string
	}{
		{input: "unlimited", limited: false},
		{input: "OFF", limited: false},
		{input: "0", limited: false},
		{input: "2.5", limited: true, value: 2.5},
		{input: "-1", wantErr: ">= 0"},
		{input: "fast", wantErr: "invalid value"},
	}
	for _, tc := range cases {
		var holder struct {
			Rate RateSetting `yaml:"rate"`
		}
		err := yaml.Unmarshal([]byte("rate: "+tc.input+"\n"), &holder)
		if tc.wantErr != "" {
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("input %q: expected error containing %q, got %v", tc.input, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("input %q: unexpected error %v", tc.input, err)
		}
		if holder.Rate.Limited() != tc.limited || holder.Rate.Value() != tc.value {
			t.Fatalf("input %q: got limited=%v value=%v", tc.input, holder.Rate.Limited(), holder.Rate.Value())
		}
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.yaml"))
	if err != nil {
		t.Fatalf("shipped config failed to load: %v", err)
	}
	def := Default()
	if cfg.Eventbus != def.Eventbus {
		t.Fatalf("shipped eventbus config drifted from defaults: %+v", cfg.Eventbus)
	}
	if cfg.APIServer.Addr != def.APIServer.Addr || cfg.APIServer.IngestRate.Limited() {
		t.Fatalf("unexpected shipped api server config: %+v", cfg.APIServer)
	}
}
