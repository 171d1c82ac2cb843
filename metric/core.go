package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fitopt"

// Metrics contains the core metrics shared by every optimization component.
// Components that need more register their own collectors through the registry.
type Metrics struct {
	// Query layer
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryCacheHits *prometheus.CounterVec

	// Realtime
	SubscriptionsActive  *prometheus.GaugeVec
	SubscriptionEvents   *prometheus.CounterVec
	RealtimeMessages     *prometheus.CounterVec
	SubscriptionTeardown *prometheus.CounterVec

	// Prefetch and preload
	PrefetchTasks   *prometheus.CounterVec
	PreloadDuration *prometheus.HistogramVec

	// Usage
	ActiveAlerts prometheus.Gauge
}

// NewMetrics creates the core metric set. The Record and Set methods are
// safe to call on a nil *Metrics, so components without a registry skip export.
func NewMetrics() *Metrics {
	return &Metrics{
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "executions_total",
				Help:      "Total number of query executions by table and outcome",
			},
			[]string{"table", "outcome"},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Backend query latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"table"},
		),

		QueryCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "cache_hits_total",
				Help:      "Queries answered from the response cache",
			},
			[]string{"table"},
		),

		SubscriptionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "subscriptions",
				Help:      "Live subscriptions by priority and status",
			},
			[]string{"priority", "status"},
		),

		SubscriptionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "subscribe_attempts_total",
				Help:      "Subscribe attempts by outcome (created, rejected, failed)",
			},
			[]string{"outcome"},
		),

		RealtimeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "messages_total",
				Help:      "Realtime change events by table and delivery mode",
			},
			[]string{"table", "mode"},
		),

		SubscriptionTeardown: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "teardowns_total",
				Help:      "Subscriptions removed by reason",
			},
			[]string{"reason"},
		),

		PrefetchTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prefetch",
				Name:      "tasks_total",
				Help:      "Prefetch tasks by outcome (queued, rejected, executed, failed)",
			},
			[]string{"outcome"},
		),

		PreloadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "preload",
				Name:      "duration_seconds",
				Help:      "Route preload latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),

		ActiveAlerts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "usage",
				Name:      "active_alerts",
				Help:      "Number of active resource usage alerts",
			},
		),
	}
}

// RecordQuery records one backend execution
func (m *Metrics) RecordQuery(table, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(table, outcome).Inc()
	if duration > 0 {
		m.QueryDuration.WithLabelValues(table).Observe(duration.Seconds())
	}
}

// RecordCacheHit records a query served from cache
func (m *Metrics) RecordCacheHit(table string) {
	if m == nil {
		return
	}
	m.QueryCacheHits.WithLabelValues(table).Inc()
}

// SetSubscriptions sets the live subscription gauge for a priority/status pair
func (m *Metrics) SetSubscriptions(priority, status string, count int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.WithLabelValues(priority, status).Set(float64(count))
}

// RecordSubscribe records a subscribe attempt outcome
func (m *Metrics) RecordSubscribe(outcome string) {
	if m == nil {
		return
	}
	m.SubscriptionEvents.WithLabelValues(outcome).Inc()
}

// RecordRealtimeMessage records an inbound change event
func (m *Metrics) RecordRealtimeMessage(table, mode string) {
	if m == nil {
		return
	}
	m.RealtimeMessages.WithLabelValues(table, mode).Inc()
}

// RecordTeardown records a subscription removal
func (m *Metrics) RecordTeardown(reason string) {
	if m == nil {
		return
	}
	m.SubscriptionTeardown.WithLabelValues(reason).Inc()
}

// RecordPrefetch records a prefetch task outcome
func (m *Metrics) RecordPrefetch(outcome string) {
	if m == nil {
		return
	}
	m.PrefetchTasks.WithLabelValues(outcome).Inc()
}

// RecordPreload records a route preload
func (m *Metrics) RecordPreload(trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PreloadDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// SetActiveAlerts updates the alert gauge
func (m *Metrics) SetActiveAlerts(count int) {
	if m == nil {
		return
	}
	m.ActiveAlerts.Set(float64(count))
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.QueriesTotal,
		m.QueryDuration,
		m.QueryCacheHits,
		m.SubscriptionsActive,
		m.SubscriptionEvents,
		m.RealtimeMessages,
		m.SubscriptionTeardown,
		m.PrefetchTasks,
		m.PreloadDuration,
		m.ActiveAlerts,
	}
}
