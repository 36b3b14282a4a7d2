// Package buffers provides a fixed-capacity ring buffer.
// Thread-safe: all access is guarded by an RWMutex.
package buffers

import "sync"

// RingBuffer keeps the most recent entries up to capacity.
// Entries are evicted in FIFO order once capacity is reached.
type RingBuffer[T any] struct {
	mu sync.RWMutex

	entries  []T
	capacity int

	totalAdded int64 // monotonic count of all entries ever added
	head       int   // index where the next write goes once full
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
// A non-positive capacity is treated as 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// WriteOne appends a single entry, evicting the oldest when full.
func (rb *RingBuffer[T]) WriteOne(entry T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writeOneLocked(entry)
}

func (rb *RingBuffer[T]) writeOneLocked(entry T) {
	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.head] = entry
		rb.head = (rb.head + 1) % rb.capacity
	}
	rb.totalAdded++
}

// ReadAll returns entries oldest first.
func (rb *RingBuffer[T]) ReadAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]T, 0, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		return append(out, rb.entries...)
	}
	out = append(out, rb.entries[rb.head:]...)
	return append(out, rb.entries[:rb.head]...)
}

// Len returns the number of entries currently held.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// TotalAdded returns how many entries were ever written.
func (rb *RingBuffer[T]) TotalAdded() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.totalAdded
}

// Clear drops all entries; TotalAdded keeps counting.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = rb.entries[:0]
	rb.head = 0
}
