package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devblac/sport-tracker-sub010/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	rejected  prometheus.Counter
	entries   prometheus.Gauge
	bytes     prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with the provided registry.
func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fitopt",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fitopt",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      counter("hits_total", "Total number of cache hits"),
		misses:    counter("misses_total", "Total number of cache misses"),
		evictions: counter("evictions_total", "Entries evicted to stay within the byte budget"),
		rejected:  counter("rejected_total", "Values larger than the whole byte budget"),
		entries:   gauge("entries", "Current number of entries in cache"),
		bytes:     gauge("size_bytes", "Aggregate size of cached entries in bytes"),
	}

	counters := map[string]prometheus.Counter{
		"cache_hits":      m.hits,
		"cache_misses":    m.misses,
		"cache_evictions": m.evictions,
		"cache_rejected":  m.rejected,
	}
	for name, c := range counters {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "cache_entries", m.entries); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size_bytes", m.bytes); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

func (m *cacheMetrics) recordRejected() {
	if m != nil {
		m.rejected.Inc()
	}
}

func (m *cacheMetrics) updateSize(entries, bytes int) {
	if m != nil {
		m.entries.Set(float64(entries))
		m.bytes.Set(float64(bytes))
	}
}
