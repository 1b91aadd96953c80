package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/stagefeed/errs"
	"github.com/coachpo/stagefeed/internal/domain/schema"
	"github.com/coachpo/stagefeed/internal/infra/telemetry"
	"github.com/coachpo/stagefeed/internal/observability"
)

const unspecifiedStage = "unspecified"

// MemoryBus is the process-wide in-memory event bus. It is built once at
// startup and lives until Close.
//
// A single mutex serialises the id counter, the dedup guard, both history
// stores and the subscriber registry. Delivery inside the critical section is
// a non-blocking send on each subscriber's buffered channel, so Emit never
// waits on subscriber I/O.
type MemoryBus struct {
	cfg     MemoryConfig
	epoch   string
	clock   clock.Clock
	logger  observability.Logger
	metrics *busMetrics

	mu          sync.Mutex
	closed      bool
	lastID      uint64
	dedup       *DedupGuard
	global      *Ring[schema.Event]
	pipelines   *PipelineStore
	subscribers []*Subscription

	deduplicated atomic.Uint64
	dropped      atomic.Uint64
	dropLog      rate.Sometimes
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.epoch = uuid.NewString()
	bus.clock = cfg.Clock
	bus.logger = cfg.Logger
	bus.metrics = newBusMetrics()
	bus.dedup = NewDedupGuard(cfg.DedupCapacity, cfg.DedupWindow, cfg.Clock)
	bus.global = NewRing[schema.Event](cfg.GlobalCapacity)
	// The eviction callback may run on the LRU's own expiry goroutine, so it
	// must not touch bus.mu.
	bus.pipelines = NewPipelineStore(cfg.PipelineCapacity, cfg.MaxPipelines, cfg.PipelineTTL, func(key string) {
		bus.metrics.addPipelines(context.Background(), -1)
		bus.logger.Debug("eventbus: pipeline history evicted", observability.Field{Key: "pipeline", Value: key})
	})
	bus.dropLog = rate.Sometimes{First: 1, Interval: 10 * time.Second}
	return bus
}

// Emit records the event and broadcasts it to every registered subscriber in
// registration order. Failures are logged and swallowed.
func (b *MemoryBus) Emit(ctx context.Context, stage string, status schema.Status, opts ...EmitOption) (evt schema.Event, accepted bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: emit recovered from panic",
				observability.Field{Key: "stage", Value: stage},
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
			evt = schema.Event{}
			accepted = false
		}
	}()

	var req emitRequest
	for _, opt := range opts {
		if opt != nil {
			opt(&req)
		}
	}
	stage, status, meta := b.sanitize(ctx, stage, status, req)
	requestID := strings.TrimSpace(req.requestID)
	incidentID := strings.TrimSpace(req.incidentID)

	evt, result, fanout, evicted, created := b.record(ctx, stage, status, requestID, incidentID, req.message, meta)
	switch result {
	case telemetry.ResultClosed:
		return schema.Event{}, false
	case telemetry.ResultDeduplicated:
		b.deduplicated.Add(1)
		b.metrics.recordEmit(ctx, string(status), result, 0, false, start)
		b.logger.Debug("eventbus: duplicate stage dropped",
			observability.Field{Key: "request_id", Value: requestID},
			observability.Field{Key: "stage", Value: stage})
		return schema.Event{}, false
	}

	if created {
		b.metrics.addPipelines(ctx, 1)
	}
	b.metrics.recordEmit(ctx, string(status), result, fanout, evicted, start)
	return evt, true
}

// record runs the serialised part of Emit: dedup, id assignment, history
// append and non-blocking hand-off to subscribers.
func (b *MemoryBus) record(ctx context.Context, stage string, status schema.Status, requestID, incidentID, message string, meta schema.Meta) (evt schema.Event, result string, fanout int, evicted, created bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return schema.Event{}, telemetry.ResultClosed, 0, false, false
	}
	if b.dedup.Seen(requestID, stage) {
		return schema.Event{}, telemetry.ResultDeduplicated, 0, false, false
	}

	b.lastID++
	evt = schema.Event{
		ID:             b.lastID,
		Stage:          stage,
		Status:         status,
		IncidentID:     incidentID,
		RequestID:      requestID,
		TenantKey:      meta.String(schema.MetaKeyTenantKey),
		SubscriptionID: meta.String(schema.MetaKeySubscriptionID),
		Timestamp:      b.clock.Now().UTC(),
		Message:        message,
		Meta:           meta,
	}

	evicted = b.global.Push(evt)
	key := evt.PipelineKey()
	if key != "" {
		created = b.pipelines.Append(key, evt)
	}
	for _, sub := range b.subscribers {
		if !sub.matches(key) {
			continue
		}
		fanout++
		b.deliver(ctx, sub, evt)
	}
	return evt, telemetry.ResultAccepted, fanout, evicted, created
}

// sanitize applies best-effort defaults so a malformed emission is still broadcast.
func (b *MemoryBus) sanitize(ctx context.Context, stage string, status schema.Status, req emitRequest) (string, schema.Status, schema.Meta) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		b.malformed(ctx, "missing_stage", errs.New("eventbus/emit", errs.CodeMalformedEmit, errs.WithMessage("stage required")))
		stage = unspecifiedStage
	}
	if !status.Valid() {
		parsed, ok := schema.ParseStatus(string(status))
		if !ok {
			b.malformed(ctx, "unknown_status", errs.New("eventbus/emit", errs.CodeMalformedEmit,
				errs.WithMessage("unknown status"),
				errs.WithField("stage", stage),
				errs.WithField("status", string(status))))
			parsed = schema.StatusPending
		}
		status = parsed
	}
	meta := req.meta
	if req.metaErr != nil {
		b.malformed(ctx, "meta_encoding", req.metaErr)
	}
	if err := enforceMetaPayloadCap(meta, b.cfg.MetaPayloadCapBytes); err != nil {
		b.malformed(ctx, "meta_too_large", err)
		meta = schema.Meta{}
	}
	return stage, status, meta
}

func (b *MemoryBus) malformed(ctx context.Context, reason string, err error) {
	b.metrics.recordMalformed(ctx, reason)
	b.logger.Warn("eventbus: emit accepted with defaults",
		observability.Field{Key: "reason", Value: reason},
		observability.Field{Key: "error", Value: err.Error()})
}

// deliver hands evt to sub without blocking. When the subscriber queue is full
// the oldest queued event is dropped for that subscriber only. Callers hold b.mu.
func (b *MemoryBus) deliver(ctx context.Context, sub *Subscription, evt schema.Event) {
	select {
	case sub.ch <- evt:
		return
	default:
	}
	var dropped schema.Event
	select {
	case dropped = <-sub.ch:
	default:
	}
	select {
	case sub.ch <- evt:
	default:
		dropped = evt
	}
	b.dropped.Add(1)
	b.metrics.recordDrop(ctx, sub.scope)
	b.dropLog.Do(func() {
		err := errs.New("eventbus/deliver", errs.CodeTransientDelivery,
			errs.WithMessage("subscriber buffer full; dropped oldest event"),
			errs.WithField("subscription", string(sub.id)),
			errs.WithField("event_id", fmt.Sprint(dropped.ID)))
		b.logger.Warn("eventbus: slow subscriber", observability.Field{Key: "error", Value: err.Error()})
	})
}

// Subscribe registers a subscriber. Registration and the replay snapshot happen
// in the same critical section, so the replay batch and the live feed neither
// overlap nor leave a gap.
func (b *MemoryBus) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeGlobal
	}
	key := strings.TrimSpace(opts.PipelineKey)
	switch scope {
	case ScopeGlobal:
		key = ""
	case ScopePipeline:
		if key == "" {
			return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("pipeline key required for pipeline scope"))
		}
	default:
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("unknown scope"), errs.WithField("scope", string(scope)))
	}
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = b.cfg.SubscriberBuffer
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		id:     SubscriptionID(uuid.NewString()),
		scope:  scope,
		key:    key,
		ch:     make(chan schema.Event, buffer),
		ctx:    subCtx,
		cancel: cancel,
		bus:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if scope == ScopePipeline {
		sub.replay, _ = b.pipelines.Last(key, clamp(opts.History, b.pipelines.Capacity()))
	} else {
		sub.replay = b.global.Last(clamp(opts.History, b.global.Cap()))
	}
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	b.metrics.addSubscribers(ctx, 1, scope)
	go b.observe(sub)
	return sub, nil
}

func (b *MemoryBus) observe(sub *Subscription) {
	<-sub.ctx.Done()
	sub.Close()
}

func (b *MemoryBus) remove(sub *Subscription) {
	b.mu.Lock()
	idx := -1
	for i, candidate := range b.subscribers {
		if candidate == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	copy(b.subscribers[idx:], b.subscribers[idx+1:])
	b.subscribers[len(b.subscribers)-1] = nil
	b.subscribers = b.subscribers[:len(b.subscribers)-1]
	close(sub.ch)
	b.mu.Unlock()

	b.metrics.addSubscribers(context.Background(), -1, sub.scope)
}

// Replay returns up to n of the most recent global events, oldest first.
func (b *MemoryBus) Replay(n int) []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global.Last(clamp(n, b.global.Cap()))
}

// PipelineReplay returns up to n of the most recent events recorded for key.
func (b *MemoryBus) PipelineReplay(key string, n int) ([]schema.Event, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pipelines.Last(key, clamp(n, b.pipelines.Capacity()))
}

// SubscriberCount returns the number of registered subscribers.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Epoch identifies this bus instance. Event ids restart from 1 in a new epoch.
func (b *MemoryBus) Epoch() string { return b.epoch }

// Stats returns a snapshot of bus state.
func (b *MemoryBus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Epoch:           b.epoch,
		LastEventID:     b.lastID,
		GlobalSize:      b.global.Len(),
		GlobalCapacity:  b.global.Cap(),
		Pipelines:       b.pipelines.Len(),
		Subscribers:     len(b.subscribers),
		DedupSize:       b.dedup.Len(),
		Deduplicated:    b.deduplicated.Load(),
		DeliveryDropped: b.dropped.Load(),
	}
}

// Close rejects further emits and closes every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	for _, sub := range subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		b.metrics.addSubscribers(context.Background(), -1, sub.scope)
	}
}

func clamp(n, capacity int) int {
	if n < 0 {
		return 0
	}
	if n > capacity {
		return capacity
	}
	return n
}
