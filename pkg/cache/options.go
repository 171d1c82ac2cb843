package cache

import (
	"github.com/benbjohnson/clock"

	"github.com/devblac/sport-tracker-sub010/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

// cacheOptions holds internal configuration for cache instances.
// Stats are ALWAYS collected - they are not optional.
// Metrics are optional and exposed via WithMetrics().
type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
	sizer         Sizer[V]
	clock         clock.Clock
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// If registry is nil or prefix is empty, this option is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked, outside the cache lock, for
// every entry evicted to make room.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithSizer overrides how entry sizes are computed. The default is the length
// of the value's JSON encoding.
func WithSizer[V any](sizer Sizer[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		if sizer != nil {
			opts.sizer = sizer
		}
	}
}

// WithClock sets the time source used for TTL and recency.
func WithClock[V any](clk clock.Clock) Option[V] {
	return func(opts *cacheOptions[V]) {
		if clk != nil {
			opts.clock = clk
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		sizer: JSONSizer[V],
		clock: clock.New(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
