package buffer

import (
	"github.com/devblac/sport-tracker-sub010/metric"
)

// Option configures a ring at construction
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	onDrop         DropCallback[T]
	registry       *metric.MetricsRegistry
	name           string
}

// WithOverflowPolicy selects what a full ring does with a write; DropOldest
// unless set
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *bufferOptions[T]) { o.overflowPolicy = policy }
}

// WithMetrics exports the ring under the given name. A nil registry or an
// empty name leaves the ring unexported.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(o *bufferOptions[T]) {
		if registry == nil || name == "" {
			return
		}
		o.registry, o.name = registry, name
	}
}

// WithDropCallback observes every item lost to overflow
func WithDropCallback[T any](fn DropCallback[T]) Option[T] {
	return func(o *bufferOptions[T]) { o.onDrop = fn }
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	o := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
