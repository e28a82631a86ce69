package channel

import (
	"sync"
	"sync/atomic"
)

// Buffered is a bounded channel whose senders never block. Values sent while
// the buffer is full, or after Close, are rejected and counted.
type Buffered[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	dropped atomic.Uint64
}

// NewBuffered creates a buffered channel with the given size.
func NewBuffered[T any](size int) *Buffered[T] {
	if size < 1 {
		size = 1
	}
	return &Buffered[T]{ch: make(chan T, size)}
}

// TrySend queues v if there is room.
func (b *Buffered[T]) TrySend(v T) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.closed {
		select {
		case b.ch <- v:
			return true
		default:
		}
	}
	b.dropped.Add(1)
	return false
}

// Receive returns the receive-only channel.
func (b *Buffered[T]) Receive() <-chan T {
	return b.ch
}

// Len returns the number of items currently in the buffer.
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Dropped returns how many values TrySend rejected.
func (b *Buffered[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the channel. It is safe to call more than once.
func (b *Buffered[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
