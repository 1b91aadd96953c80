package eventbus

import (
	"time"

	"github.com/benbjohnson/clock"
)

type dedupKey struct {
	requestID string
	stage     string
}

type dedupEntry struct {
	key dedupKey
	at  time.Time
}

// DedupGuard remembers recently seen (requestId, stage) pairs.
//
// The window is approximate: once more than capacity pairs are held, the
// oldest half is forgotten in one pass. When a positive window is set, pairs
// older than the window are also forgotten. DedupGuard is not safe for
// concurrent use; MemoryBus serialises access.
type DedupGuard struct {
	capacity int
	window   time.Duration
	clock    clock.Clock

	seen  map[dedupKey]time.Time
	order []dedupEntry
	head  int
}

// NewDedupGuard constructs a guard. A nil clock uses wall time.
func NewDedupGuard(capacity int, window time.Duration, clk clock.Clock) *DedupGuard {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &DedupGuard{
		capacity: capacity,
		window:   window,
		clock:    clk,
		seen:     make(map[dedupKey]time.Time, capacity),
		order:    make([]dedupEntry, 0, capacity),
	}
}

// Seen reports whether the pair was already recorded. A new pair is recorded
// and reported as unseen. Pairs with an empty request id or stage are never tracked.
func (g *DedupGuard) Seen(requestID, stage string) bool {
	if requestID == "" || stage == "" {
		return false
	}
	now := g.clock.Now()
	g.expire(now)

	key := dedupKey{requestID: requestID, stage: stage}
	if _, ok := g.seen[key]; ok {
		return true
	}
	g.seen[key] = now
	g.order = append(g.order, dedupEntry{key: key, at: now})
	if len(g.seen) > g.capacity {
		g.evictHalf()
	}
	return false
}

// Len returns the number of remembered pairs.
func (g *DedupGuard) Len() int { return len(g.seen) }

func (g *DedupGuard) expire(now time.Time) {
	if g.window <= 0 {
		return
	}
	cutoff := now.Add(-g.window)
	for g.head < len(g.order) {
		entry := g.order[g.head]
		if entry.at.After(cutoff) {
			break
		}
		g.drop(entry)
		g.head++
	}
	g.compact()
}

func (g *DedupGuard) evictHalf() {
	target := g.capacity / 2
	for len(g.seen) > target && g.head < len(g.order) {
		g.drop(g.order[g.head])
		g.head++
	}
	g.compact()
}

func (g *DedupGuard) drop(entry dedupEntry) {
	if at, ok := g.seen[entry.key]; ok && at.Equal(entry.at) {
		delete(g.seen, entry.key)
	}
}

func (g *DedupGuard) compact() {
	if g.head == 0 || g.head < len(g.order)/2 {
		return
	}
	remaining := copy(g.order, g.order[g.head:])
	for i := remaining; i < len(g.order); i++ {
		g.order[i] = dedupEntry{}
	}
	g.order = g.order[:remaining]
	g.head = 0
}
