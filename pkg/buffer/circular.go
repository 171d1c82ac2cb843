package buffer

import (
	"sync"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// circularBuffer is a thread-safe ring with a fixed capacity.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		opts:     opts,
	}
	if opts.registry != nil {
		var err error
		if cb.metrics, err = newBufferMetrics(opts.registry, opts.name, cb); err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}
	return cb, nil
}

// Write appends item according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) bool {
	var (
		dropped    T
		hasDropped bool
		stored     = true
	)

	cb.mu.Lock()
	if cb.size == cb.capacity {
		cb.stats.drop()
		cb.metrics.recordDrop()
		switch cb.opts.overflowPolicy {
		case DropNewest:
			dropped, hasDropped, stored = item, true, false
		default:
			dropped, hasDropped = cb.popLocked()
		}
	}
	if stored {
		cb.items[cb.head] = item
		cb.head = (cb.head + 1) % cb.capacity
		cb.size++
		cb.stats.write()
	}
	cb.mu.Unlock()

	if hasDropped && cb.opts.onDrop != nil {
		cb.opts.onDrop(dropped)
	}
	return stored
}

func (cb *circularBuffer[T]) popLocked() (T, bool) {
	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item, true
}

// Read removes and returns the oldest item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	item, ok := cb.popLocked()
	if ok {
		cb.stats.read(1)
	}
	return item, ok
}

// ReadBatch removes and returns up to max of the oldest items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if max <= 0 || cb.size == 0 {
		return nil
	}
	if max > cb.size {
		max = cb.size
	}
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		item, _ := cb.popLocked()
		out = append(out, item)
	}
	cb.stats.read(len(out))
	return out
}

// Peek returns the oldest item without removing it.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Snapshot returns all items, oldest first.
func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.rangeLocked(0, cb.size)
}

// Last returns up to n of the newest items, oldest first.
func (cb *circularBuffer[T]) Last(n int) []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > cb.size {
		n = cb.size
	}
	return cb.rangeLocked(cb.size-n, n)
}

// rangeLocked copies count items starting offset positions after the tail.
func (cb *circularBuffer[T]) rangeLocked(offset, count int) []T {
	out := make([]T, count)
	for i := 0; i < count; i++ {
		out[i] = cb.items[(cb.tail+offset+i)%cb.capacity]
	}
	return out
}

// DropWhile removes items from the oldest end while pred holds.
func (cb *circularBuffer[T]) DropWhile(pred func(T) bool) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	removed := 0
	for cb.size > 0 && pred(cb.items[cb.tail]) {
		cb.popLocked()
		removed++
	}
	if removed > 0 {
		cb.stats.expire(removed)
	}
	return removed
}

// Size returns the current number of items.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity returns the maximum number of items.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// Clear removes all items.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head, cb.tail, cb.size = 0, 0, 0
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}
