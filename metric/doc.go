// Package metric provides the Prometheus metrics registry shared by the
// optimization components.
//
// NewMetricsRegistry registers a small set of core metrics (query executions,
// cache hits, realtime subscriptions and messages, prefetch outcomes, preload
// latency and usage alerts) plus the Go runtime and process collectors.
// Components with their own counters register them through MetricsRegistrar,
// which rejects duplicate component/name pairs:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordQuery("sets", "success", 12*time.Millisecond)
//
//	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "my_hits_total"})
//	if err := registry.RegisterCounter("my-component", "hits", hits); err != nil {
//	    return err
//	}
//
// The registry is exposed over HTTP by the diagnostics router via promhttp.
package metric
