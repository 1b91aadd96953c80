package eventbus

// Ring is a fixed-capacity FIFO buffer. Pushing into a full ring evicts the oldest item.
// Ring is not safe for concurrent use; MemoryBus serialises access.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing constructs a ring holding at most capacity items (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item and reports whether an older item was evicted.
func (r *Ring[T]) Push(item T) bool {
	capacity := len(r.items)
	idx := (r.head + r.size) % capacity
	r.items[idx] = item
	if r.size < capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % capacity
	return true
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Last returns the most recent min(n, Len()) items, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.size == 0 {
		return nil
	}
	if n > r.size {
		n = r.size
	}
	capacity := len(r.items)
	out := make([]T, n)
	start := r.head + r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(start+i)%capacity]
	}
	return out
}
