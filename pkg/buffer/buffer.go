// Package buffer provides a generic, thread-safe bounded ring buffer.
//
// The ring backs the bounded histories of the optimization core: the usage
// monitor's rolling window of API call timestamps and the prefetcher's user
// action history. When full, the ring either drops its oldest item (the
// default) or refuses the new one. Statistics are always collected;
// Prometheus export is optional via WithMetrics.
package buffer

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	// Returns false if the item was not stored (DropNewest on a full buffer).
	Write(item T) bool

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max of the oldest items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Snapshot returns a copy of all items, oldest first.
	Snapshot() []T

	// Last returns a copy of up to n of the newest items, oldest first.
	Last(n int) []T

	// DropWhile removes items from the oldest end while pred holds and returns the count.
	DropWhile(pred func(T) bool) int

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics (always available).
	Stats() *Statistics
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with every item dropped by overflow.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a ring with the given capacity.
// Returns an error only if metrics registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
