// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/stagefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/stagefeed/internal/infra/stream"
)

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	GlobalCapacity      int           `yaml:"globalCapacity"`
	PipelineCapacity    int           `yaml:"pipelineCapacity"`
	DedupCapacity       int           `yaml:"dedupCapacity"`
	DedupWindow         time.Duration `yaml:"dedupWindow"`
	MaxPipelines        int           `yaml:"maxPipelines"`
	PipelineTTL         time.Duration `yaml:"pipelineTTL"`
	SubscriberBuffer    int           `yaml:"subscriberBuffer"`
	MetaPayloadCapBytes int           `yaml:"metaPayloadCapBytes"`
}

// MemoryConfig converts the section into bus construction parameters.
func (c EventbusConfig) MemoryConfig() eventbus.MemoryConfig {
	return eventbus.MemoryConfig{
		GlobalCapacity:      c.GlobalCapacity,
		PipelineCapacity:    c.PipelineCapacity,
		DedupCapacity:       c.DedupCapacity,
		DedupWindow:         c.DedupWindow,
		MaxPipelines:        c.MaxPipelines,
		PipelineTTL:         c.PipelineTTL,
		SubscriberBuffer:    c.SubscriberBuffer,
		MetaPayloadCapBytes: c.MetaPayloadCapBytes,
	}
}

// StreamConfig tunes streaming sessions.
type StreamConfig struct {
	DefaultHistory    int           `yaml:"defaultHistory"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
}

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	IngestRate        RateSetting   `yaml:"ingestRate"`
	IngestBurst       int           `yaml:"ingestBurst"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppConfig is the unified stagefeed application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	Stream      StreamConfig    `yaml:"stream"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Logging     LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Eventbus: EventbusConfig{
			GlobalCapacity:      eventbus.DefaultGlobalCapacity,
			PipelineCapacity:    eventbus.DefaultPipelineCapacity,
			DedupCapacity:       eventbus.DefaultDedupCapacity,
			DedupWindow:         0,
			MaxPipelines:        0,
			PipelineTTL:         0,
			SubscriberBuffer:    eventbus.DefaultSubscriberBuffer,
			MetaPayloadCapBytes: eventbus.DefaultMetaPayloadCapBytes,
		},
		Stream: StreamConfig{
			DefaultHistory:    stream.DefaultHistory,
			HeartbeatInterval: stream.DefaultHeartbeatInterval,
			WriteTimeout:      10 * time.Second,
		},
		APIServer: APIServerConfig{
			Addr:              ":8880",
			ReadHeaderTimeout: 10 * time.Second,
			IngestRate:        Unlimited(),
			IngestBurst:       0,
			AllowedOrigins:    []string{"*"},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "http://localhost:4318",
			ServiceName:   "stagefeed",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file. Values
// absent from the file keep their defaults.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg)
}

// LoadOrDefault loads configPath when it exists and falls back to Default
// otherwise. Environment overrides apply in both cases.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) != "" {
		cfg, err := Load(ctx, configPath)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}
	return finalise(Default())
}

func finalise(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("STAGEFEED_ENV")); env != "" {
		c.Environment = Environment(env)
	}
	if addr := strings.TrimSpace(os.Getenv("STAGEFEED_ADDR")); addr != "" {
		c.APIServer.Addr = addr
	}
	if level := strings.TrimSpace(os.Getenv("STAGEFEED_LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		c.Telemetry.OTLPEndpoint = endpoint
	}
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))

	if c.Eventbus.GlobalCapacity == 0 {
		c.Eventbus.GlobalCapacity = eventbus.DefaultGlobalCapacity
	}
	if c.Eventbus.PipelineCapacity == 0 {
		c.Eventbus.PipelineCapacity = eventbus.DefaultPipelineCapacity
	}
	if c.Eventbus.DedupCapacity == 0 {
		c.Eventbus.DedupCapacity = eventbus.DefaultDedupCapacity
	}
	if c.Eventbus.SubscriberBuffer == 0 {
		c.Eventbus.SubscriberBuffer = eventbus.DefaultSubscriberBuffer
	}
	if c.Eventbus.MetaPayloadCapBytes == 0 {
		c.Eventbus.MetaPayloadCapBytes = eventbus.DefaultMetaPayloadCapBytes
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = stream.DefaultHeartbeatInterval
	}
	if c.Stream.DefaultHistory > c.Eventbus.GlobalCapacity {
		c.Stream.DefaultHistory = c.Eventbus.GlobalCapacity
	}
	if c.APIServer.IngestRate.Limited() && c.APIServer.IngestBurst <= 0 {
		c.APIServer.IngestBurst = 1
	}
	origins := make([]string, 0, len(c.APIServer.AllowedOrigins))
	for _, origin := range c.APIServer.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.APIServer.AllowedOrigins = origins
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Eventbus.GlobalCapacity <= 0 {
		return fmt.Errorf("eventbus globalCapacity must be >0")
	}
	if c.Eventbus.PipelineCapacity <= 0 {
		return fmt.Errorf("eventbus pipelineCapacity must be >0")
	}
	if c.Eventbus.DedupCapacity <= 0 {
		return fmt.Errorf("eventbus dedupCapacity must be >0")
	}
	if c.Eventbus.DedupWindow < 0 {
		return fmt.Errorf("eventbus dedupWindow must be >=0")
	}
	if c.Eventbus.MaxPipelines < 0 {
		return fmt.Errorf("eventbus maxPipelines must be >=0")
	}
	if c.Eventbus.PipelineTTL < 0 {
		return fmt.Errorf("eventbus pipelineTTL must be >=0")
	}
	if c.Eventbus.SubscriberBuffer <= 0 {
		return fmt.Errorf("eventbus subscriberBuffer must be >0")
	}
	if c.Eventbus.MetaPayloadCapBytes <= 0 {
		return fmt.Errorf("eventbus metaPayloadCapBytes must be >0")
	}

	if c.Stream.DefaultHistory < 0 {
		return fmt.Errorf("stream defaultHistory must be >=0")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream heartbeatInterval must be >0")
	}
	if c.Stream.WriteTimeout < 0 {
		return fmt.Errorf("stream writeTimeout must be >=0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if c.APIServer.ReadHeaderTimeout < 0 {
		return fmt.Errorf("apiServer readHeaderTimeout must be >=0")
	}
	if c.APIServer.IngestBurst < 0 {
		return fmt.Errorf("apiServer ingestBurst must be >=0")
	}

	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
