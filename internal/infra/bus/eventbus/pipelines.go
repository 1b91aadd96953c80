package eventbus

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/coachpo/stagefeed/internal/domain/schema"
)

// PipelineStore holds one replay ring per pipeline key, created lazily on first write.
//
// With maxKeys and ttl both zero, histories are retained for the lifetime of
// the store. A positive maxKeys evicts the least recently written or read key
// and a positive ttl expires keys that have been idle for longer than ttl.
type PipelineStore struct {
	capacity int
	rings    *expirable.LRU[string, *Ring[schema.Event]]
}

// NewPipelineStore constructs a store whose rings hold capacity events each.
func NewPipelineStore(capacity, maxKeys int, ttl time.Duration, onEvict func(key string)) *PipelineStore {
	if capacity <= 0 {
		capacity = DefaultPipelineCapacity
	}
	if maxKeys < 0 {
		maxKeys = 0
	}
	var evictCB expirable.EvictCallback[string, *Ring[schema.Event]]
	if onEvict != nil {
		evictCB = func(key string, _ *Ring[schema.Event]) { onEvict(key) }
	}
	return &PipelineStore{
		capacity: capacity,
		rings:    expirable.NewLRU[string, *Ring[schema.Event]](maxKeys, evictCB, ttl),
	}
}

// Append pushes evt onto the ring for key and reports whether a ring was created.
func (s *PipelineStore) Append(key string, evt schema.Event) (created bool) {
	if key == "" {
		return false
	}
	ring, ok := s.rings.Get(key)
	if !ok {
		// An expired entry not yet purged is removed so the evict callback
		// still pairs with this creation.
		s.rings.Remove(key)
		ring = NewRing[schema.Event](s.capacity)
		created = true
	}
	ring.Push(evt)
	// Add refreshes recency and the idle deadline on every write.
	s.rings.Add(key, ring)
	return created
}

// Last returns up to n of the most recent events for key, oldest first.
func (s *PipelineStore) Last(key string, n int) ([]schema.Event, bool) {
	ring, ok := s.rings.Get(key)
	if !ok {
		return nil, false
	}
	return ring.Last(n), true
}

// Capacity returns the per-pipeline ring capacity.
func (s *PipelineStore) Capacity() int { return s.capacity }

// Len returns the number of tracked pipeline keys.
func (s *PipelineStore) Len() int { return s.rings.Len() }
