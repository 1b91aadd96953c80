// Package eventbus broadcasts pipeline stage events to live subscribers and
// retains bounded global and per-pipeline replay history.
package eventbus

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/observability"
)

const (
	// DefaultGlobalCapacity bounds the global replay history.
	DefaultGlobalCapacity = 200
	// DefaultPipelineCapacity bounds each per-pipeline replay history.
	DefaultPipelineCapacity = 100
	// DefaultDedupCapacity bounds the number of remembered (requestId, stage) pairs.
	DefaultDedupCapacity = 2000
	// DefaultSubscriberBuffer sizes each subscriber's delivery queue.
	DefaultSubscriberBuffer = 256
	// DefaultMetaPayloadCapBytes is the fallback cap applied to encoded meta payloads.
	DefaultMetaPayloadCapBytes = 64 * 1024
)

// SubscriptionID identifies a live subscription for logging and metrics.
type SubscriptionID string

// Bus accepts stage events from producers and fans them out to subscribers.
type Bus interface {
	// Emit records and broadcasts a stage event. It never blocks on subscriber
	// I/O and never fails back to the caller; the bool reports whether the
	// event was accepted (false when deduplicated or the bus is closed).
	Emit(ctx context.Context, stage string, status schema.Status, opts ...EmitOption) (schema.Event, bool)
	// Subscribe registers a subscriber and atomically snapshots its replay batch.
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	// Replay returns up to n of the most recent global events in ascending id order.
	Replay(n int) []schema.Event
	// PipelineReplay returns up to n of the most recent events for a pipeline key.
	PipelineReplay(key string, n int) ([]schema.Event, bool)
	// Epoch identifies the bus instance whose id sequence events belong to.
	Epoch() string
	Stats() Stats
	Close()
}

// Scope selects which events a subscription receives.
type Scope string

const (
	// ScopeGlobal receives every event and replays from global history.
	ScopeGlobal Scope = "global"
	// ScopePipeline receives events for a single pipeline key and replays from its history.
	ScopePipeline Scope = "pipeline"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// History is the replay depth; it is clamped to [0, capacity of the replayed buffer].
	History     int
	Scope       Scope
	PipelineKey string
	// BufferSize overrides the configured subscriber queue size when positive.
	BufferSize int
}

// Stats is a point-in-time view of bus state.
type Stats struct {
	Epoch           string `json:"epoch"`
	LastEventID     uint64 `json:"lastEventId"`
	GlobalSize      int    `json:"globalSize"`
	GlobalCapacity  int    `json:"globalCapacity"`
	Pipelines       int    `json:"pipelines"`
	Subscribers     int    `json:"subscribers"`
	DedupSize       int    `json:"dedupSize"`
	Deduplicated    uint64 `json:"deduplicated"`
	DeliveryDropped uint64 `json:"deliveryDropped"`
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	GlobalCapacity   int
	PipelineCapacity int
	DedupCapacity    int
	// DedupWindow, when positive, forgets (requestId, stage) pairs older than the window.
	DedupWindow time.Duration
	// MaxPipelines, when positive, evicts the least recently used pipeline history.
	MaxPipelines int
	// PipelineTTL, when positive, expires pipeline histories idle for longer than the TTL.
	PipelineTTL         time.Duration
	SubscriberBuffer    int
	MetaPayloadCapBytes int
	Clock               clock.Clock
	Logger              observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.GlobalCapacity <= 0 {
		c.GlobalCapacity = DefaultGlobalCapacity
	}
	if c.PipelineCapacity <= 0 {
		c.PipelineCapacity = DefaultPipelineCapacity
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.MaxPipelines < 0 {
		c.MaxPipelines = 0
	}
	if c.PipelineTTL < 0 {
		c.PipelineTTL = 0
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.MetaPayloadCapBytes <= 0 {
		c.MetaPayloadCapBytes = DefaultMetaPayloadCapBytes
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	return c
}

// EmitOption sets optional correlation fields on an emitted event.
type EmitOption func(*emitRequest)

type emitRequest struct {
	incidentID string
	requestID  string
	message    string
	meta       schema.Meta
	metaErr    error
}

// WithIncidentID sets the incident correlation id.
func WithIncidentID(id string) EmitOption {
	return func(r *emitRequest) {
		r.incidentID = id
	}
}

// WithRequestID sets the request correlation id; it takes precedence as the pipeline key.
func WithRequestID(id string) EmitOption {
	return func(r *emitRequest) {
		r.requestID = id
	}
}

// WithMessage attaches a human-readable note.
func WithMessage(message string) EmitOption {
	return func(r *emitRequest) {
		r.message = message
	}
}

// WithMeta attaches auxiliary values.
func WithMeta(meta schema.Meta) EmitOption {
	return func(r *emitRequest) {
		r.meta = meta
	}
}

// WithMetaMap attaches auxiliary values from a plain map. Values that cannot be
// encoded are dropped and logged when the event is emitted.
func WithMetaMap(values map[string]any) EmitOption {
	return func(r *emitRequest) {
		r.meta, r.metaErr = schema.MetaFromMap(values)
	}
}
