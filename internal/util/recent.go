package util

import "sync"

// Recent retains the last n values added, discarding older ones. Backs the
// call trace in the diagnostics panel, where only the tail of the event
// stream matters. Safe for concurrent use.
type Recent[T any] struct {
	mu   sync.Mutex
	vals []T
	next int
	full bool
}

// NewRecent returns a buffer that keeps at most n values.
func NewRecent[T any](n int) *Recent[T] {
	return &Recent[T]{vals: make([]T, n)}
}

// Add records v, evicting the oldest value once the buffer is full.
func (r *Recent[T]) Add(v T) {
	r.mu.Lock()
	r.vals[r.next] = v
	r.next++
	if r.next == len(r.vals) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Items returns the retained values, oldest first.
func (r *Recent[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.vals[:r.next]...)
	}
	out := make([]T, 0, len(r.vals))
	out = append(out, r.vals[r.next:]...)
	out = append(out, r.vals[:r.next]...)
	return out
}

// Len reports how many values are retained.
func (r *Recent[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.vals)
	}
	return r.next
}
