// Command stagefeed launches the stage event broadcast and replay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/stagefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/stagefeed/internal/infra/config"
	httpserver "github.com/coachpo/stagefeed/internal/infra/server/http"
	"github.com/coachpo/stagefeed/internal/infra/stream"
	"github.com/coachpo/stagefeed/internal/infra/telemetry"
	"github.com/coachpo/stagefeed/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	eventBusShutdownTimeout  = 2 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := run(ctx, cancel, resolveConfigPath(cfgPathFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "stagefeed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, configPath string) error {
	appCfg, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewZapLogger(appCfg.Logging.Level, appCfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	observability.SetLogger(logger)
	defer func() { _ = observability.Sync(logger) }()

	logger.Info("configuration initialised",
		observability.Field{Key: "env", Value: string(appCfg.Environment)},
		observability.Field{Key: "config", Value: configPath},
		observability.Field{Key: "global_capacity", Value: appCfg.Eventbus.GlobalCapacity},
		observability.Field{Key: "pipeline_capacity", Value: appCfg.Eventbus.PipelineCapacity})

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	var lifecycle conc.WaitGroup

	bus := newEventBus(appCfg.Eventbus, logger)
	streams := stream.NewHandler(bus, stream.Config{
		HeartbeatInterval: appCfg.Stream.HeartbeatInterval,
		WriteTimeout:      appCfg.Stream.WriteTimeout,
		Logger:            logger,
	})

	apiServer := buildAPIServer(appCfg, bus, streams, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("stagefeed listening", observability.Field{Key: "addr", Value: apiServer.Addr})

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	err = performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		eventBus:   bus,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.Field{Key: "elapsed", Value: time.Since(shutdownStart).String()})
	return err
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName})
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func newEventBus(cfg config.EventbusConfig, logger observability.Logger) *eventbus.MemoryBus {
	memCfg := cfg.MemoryConfig()
	memCfg.Logger = logger
	return eventbus.NewMemoryBus(memCfg)
}

func newIngestLimiter(cfg config.APIServerConfig) *rate.Limiter {
	if !cfg.IngestRate.Limited() {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.IngestRate.Value()), cfg.IngestBurst)
}

func buildAPIServer(cfg config.AppConfig, bus eventbus.Bus, streams *stream.Handler, logger observability.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Options{
		Bus:            bus,
		Stream:         streams,
		DefaultHistory: cfg.Stream.DefaultHistory,
		IngestLimiter:  newIngestLimiter(cfg.APIServer),
		AllowedOrigins: cfg.APIServer.AllowedOrigins,
		Logger:         logger,
	})

	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.APIServer.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", observability.Field{Key: "error", Value: err})
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	eventBus   eventbus.Bus
	telemetry  *telemetry.Provider
}

// performGracefulShutdown closes the bus before the server so open streams
// end and Shutdown does not wait on them.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var errs []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Debug("shutdown: " + name + " completed")
	}

	if cfg.eventBus != nil {
		shutdownStep("closing event bus", eventBusShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.eventBus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.AggregateErrors("graceful shutdown", errs)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
