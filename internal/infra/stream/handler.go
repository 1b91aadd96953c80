// Package stream serves bus subscriptions to remote observers over
// push transports such as Server-Sent Events and WebSocket.
package stream

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/stagefeed/errs"
	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/infra/bus/eventbus"
	"github.com/coachpo/stagefeed/internal/infra/telemetry"
	"github.com/coachpo/stagefeed/internal/observability"
)

const (
	// DefaultHistory is the replay depth used when a client does not ask for one.
	DefaultHistory = 50
	// DefaultHeartbeatInterval keeps idle connections alive through proxies.
	DefaultHeartbeatInterval = 20 * time.Second
	// EpochHeader carries the bus epoch on stream responses. Clients reset
	// their last seen id when it changes.
	EpochHeader = "Stagefeed-Epoch"
)

// State is the lifecycle position of a streaming session.
type State string

// Session states, in the order a session moves through them.
const (
	StateConnecting State = "connecting"
	StateReplaying  State = "replaying"
	StateLive       State = "live"
	StateClosed     State = "closed"
)

// Transport writes frames to a single connected client.
type Transport interface {
	WriteEvent(ctx context.Context, evt schema.Event) error
	WriteHeartbeat(ctx context.Context) error
}

// Request describes what a client asked to receive.
type Request struct {
	History     int
	Scope       eventbus.Scope
	PipelineKey string
	// Transport names the transport in logs and metrics.
	Transport string
}

// Config tunes session behaviour.
type Config struct {
	HeartbeatInterval time.Duration
	// WriteTimeout bounds each frame write when positive.
	WriteTimeout time.Duration
	Clock        clock.Clock
	Logger       observability.Logger
	// OnState observes session state transitions.
	OnState func(State)
}

// Handler runs streaming sessions against a bus.
type Handler struct {
	bus    eventbus.Bus
	cfg    Config
	frames metric.Int64Counter
	active metric.Int64UpDownCounter
}

// NewHandler constructs a stream handler.
func NewHandler(bus eventbus.Bus, cfg Config) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Log()
	}
	meter := otel.Meter("stream")
	frames, _ := meter.Int64Counter("stagefeed.stream.frames",
		metric.WithDescription("Number of frames written to streaming clients"),
		metric.WithUnit("{frame}"))
	active, _ := meter.Int64UpDownCounter("stagefeed.stream.sessions",
		metric.WithDescription("Number of open streaming sessions"),
		metric.WithUnit("{session}"))
	return &Handler{bus: bus, cfg: cfg, frames: frames, active: active}
}

// ParseHistory resolves the history query parameter. An empty value yields
// fallback, a negative value clamps to zero and a non-integer is rejected.
func ParseHistory(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if fallback < 0 {
			return 0, nil
		}
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errs.New("stream/history", errs.CodeInvalid,
			errs.WithMessage("history must be an integer"),
			errs.WithField("history", raw),
			errs.WithCause(err))
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Serve replays history then streams live events to transport until ctx is
// cancelled or the bus shuts down. Write failures are logged and do not end
// the session; the transport signals disconnect by cancelling ctx.
func (h *Handler) Serve(ctx context.Context, transport Transport, req Request) error {
	h.notify(StateConnecting)
	defer h.notify(StateClosed)

	sub, err := h.bus.Subscribe(ctx, eventbus.SubscribeOptions{
		History:     req.History,
		Scope:       req.Scope,
		PipelineKey: req.PipelineKey,
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	name := req.Transport
	if name == "" {
		name = "unknown"
	}
	h.active.Add(ctx, 1, metric.WithAttributes(telemetry.AttrTransport.String(name)))
	defer h.active.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrTransport.String(name)))

	h.cfg.Logger.Debug("stream: session opened",
		observability.Field{Key: "subscription", Value: string(sub.ID())},
		observability.Field{Key: "transport", Value: name},
		observability.Field{Key: "scope", Value: string(sub.Scope())})

	ticker := h.cfg.Clock.Ticker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	h.notify(StateReplaying)
	for _, evt := range sub.Replay() {
		if ctx.Err() != nil {
			return nil
		}
		h.writeEvent(ctx, transport, sub, name, telemetry.FrameReplay, evt)
	}

	h.notify(StateLive)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			h.writeEvent(ctx, transport, sub, name, telemetry.FrameLive, evt)
		case <-ticker.C:
			h.writeHeartbeat(ctx, transport, sub, name)
		}
	}
}

func (h *Handler) writeEvent(ctx context.Context, transport Transport, sub *eventbus.Subscription, name, frame string, evt schema.Event) {
	writeCtx, cancel := h.writeContext(ctx)
	defer cancel()
	err := transport.WriteEvent(writeCtx, evt)
	h.record(ctx, name, frame, err)
	if err != nil && ctx.Err() == nil {
		h.cfg.Logger.Warn("stream: event write failed",
			observability.Field{Key: "subscription", Value: string(sub.ID())},
			observability.Field{Key: "event_id", Value: evt.ID},
			observability.Field{Key: "error", Value: err})
	}
}

func (h *Handler) writeHeartbeat(ctx context.Context, transport Transport, sub *eventbus.Subscription, name string) {
	writeCtx, cancel := h.writeContext(ctx)
	defer cancel()
	err := transport.WriteHeartbeat(writeCtx)
	h.record(ctx, name, telemetry.FrameHeartbeat, err)
	if err != nil && ctx.Err() == nil {
		h.cfg.Logger.Debug("stream: heartbeat write failed",
			observability.Field{Key: "subscription", Value: string(sub.ID())},
			observability.Field{Key: "error", Value: err})
	}
}

func (h *Handler) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.WriteTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, h.cfg.WriteTimeout)
}

func (h *Handler) record(ctx context.Context, transport, frame string, err error) {
	result := telemetry.ResultWritten
	if err != nil {
		result = telemetry.ResultFailed
	}
	h.frames.Add(ctx, 1, metric.WithAttributes(
		telemetry.FrameAttributes(telemetry.Environment(), transport, frame, result)...))
}

func (h *Handler) notify(state State) {
	if h.cfg.OnState != nil {
		h.cfg.OnState(state)
	}
}
