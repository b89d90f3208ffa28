package router

import (
	"context"
	"errors"
	"sync"
)

// ErrBufferClosed is returned by Send after Close.
var ErrBufferClosed = errors.New("buffer closed")

// BoundedBuffer is a thread-safe FIFO ring with a fixed capacity.
// Send blocks while the buffer is full; Receive blocks while it is empty.
type BoundedBuffer[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	blockedSends  int64
	highWater     int
}

// NewBoundedBuffer creates a buffer holding at most capacity items.
func NewBoundedBuffer[T any](capacity int) *BoundedBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	b := &BoundedBuffer[T]{
		buf: make([]T, capacity),
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// wake broadcasts both conditions when ctx is cancelled so waiters can observe it.
func (b *BoundedBuffer[T]) wake(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
}

// Send appends item, waiting for space while the buffer is full.
// Returns ErrBufferClosed after Close, or ctx.Err() if ctx ends first.
func (b *BoundedBuffer[T]) Send(ctx context.Context, item T) error {
	stop := b.wake(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.buf) && !b.closed {
		b.blockedSends++
	}
	for b.count == len(b.buf) && !b.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.notFull.Wait()
	}
	if b.closed {
		return ErrBufferClosed
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % len(b.buf)
	b.count++
	b.totalReceived++
	if b.count > b.highWater {
		b.highWater = b.count
	}

	b.notEmpty.Signal()
	return nil
}

// Receive removes the oldest item, waiting while the buffer is empty.
// Returns false once the buffer is closed and drained, or when ctx ends.
func (b *BoundedBuffer[T]) Receive(ctx context.Context) (T, bool) {
	stop := b.wake(ctx)
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		if ctx.Err() != nil {
			var zero T
			return zero, false
		}
		b.notEmpty.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// pop must be called with the lock held and count > 0.
func (b *BoundedBuffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	b.notFull.Signal()
	return item
}

// Close rejects further sends. Receivers drain what is left.
func (b *BoundedBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Len returns the current number of items in the buffer.
func (b *BoundedBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *BoundedBuffer[T]) Cap() int {
	return len(b.buf)
}

// Stats returns buffer statistics.
func (b *BoundedBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.buf),
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		BlockedSends:  b.blockedSends,
		HighWater:     b.highWater,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int   `json:"count"`
	Capacity      int   `json:"capacity"`
	TotalReceived int64 `json:"total_received"`
	TotalSent     int64 `json:"total_sent"`
	BlockedSends  int64 `json:"blocked_sends"`
	HighWater     int   `json:"high_water"`
}

// DrainTo removes up to max items (all when max <= 0) without blocking.
func (b *BoundedBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.pop()
	}
	return result
}
