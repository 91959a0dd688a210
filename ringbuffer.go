package msgrpc

import (
	"errors"
	"sync"
)

var ErrRingBufferFull = errors.New("msgrpc: ring buffer is full")

// RingBuffer is a bounded FIFO. Pool uses it as its idle list: the oldest
// idle item sits at the head, which is what eviction inspects.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	count int
}

func NewRingBuffer[T any](size int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, max(size, 1))}
}

func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *RingBuffer[T]) Cap() int { return len(r.items) }

// Write appends val, or returns ErrRingBufferFull.
func (r *RingBuffer[T]) Write(val T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.items) {
		return ErrRingBufferFull
	}
	r.items[(r.head+r.count)%len(r.items)] = val
	r.count++
	return nil
}

// Read removes and returns the oldest value.
func (r *RingBuffer[T]) Read() (T, bool) {
	return r.ReadIf(nil)
}

// ReadIf removes the oldest value only when accept is nil or returns true
// for it. The check and the removal happen under one lock.
func (r *RingBuffer[T]) ReadIf(accept func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 || (accept != nil && !accept(r.items[r.head])) {
		var zero T
		return zero, false
	}
	return r.popLocked(), true
}

// Drain removes and returns every value, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make([]T, 0, r.count)
	for r.count > 0 {
		vals = append(vals, r.popLocked())
	}
	return vals
}

func (r *RingBuffer[T]) popLocked() T {
	var zero T
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return v
}
