package eventbus

import (
	"context"
	"sync"

	"github.com/coachpo/stagefeed/internal/domain/schema"
)

// Subscription is a live registration with a MemoryBus. It exists from
// Subscribe until Close or until the context passed to Subscribe is cancelled.
type Subscription struct {
	id     SubscriptionID
	scope  Scope
	key    string
	replay []schema.Event
	ch     chan schema.Event
	ctx    context.Context
	cancel context.CancelFunc
	bus    *MemoryBus
	once   sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() SubscriptionID { return s.id }

// Scope returns the subscription scope.
func (s *Subscription) Scope() Scope { return s.scope }

// PipelineKey returns the pipeline key for pipeline-scoped subscriptions.
func (s *Subscription) PipelineKey() string { return s.key }

// Replay returns the history snapshot taken at registration, oldest first.
func (s *Subscription) Replay() []schema.Event {
	out := make([]schema.Event, len(s.replay))
	copy(out, s.replay)
	return out
}

// Events delivers live events in emission order. The channel is closed once
// the subscription is removed from the bus.
func (s *Subscription) Events() <-chan schema.Event { return s.ch }

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Close deregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		s.bus.remove(s)
	})
}

func (s *Subscription) matches(key string) bool {
	if s.scope != ScopePipeline {
		return true
	}
	return key == s.key
}
