package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devblac/sport-tracker-sub010/health"
	"github.com/devblac/sport-tracker-sub010/metric"
)

// engineMetrics holds the lifecycle metrics of the engine
type engineMetrics struct {
	starts       *prometheus.CounterVec   // by status (success/failure)
	stops        *prometheus.CounterVec   // by status
	saves        *prometheus.CounterVec   // model persistence by status
	opDuration   *prometheus.HistogramVec // by operation (start/stop)
	running      prometheus.Gauge
	healthStatus prometheus.Gauge // 2 healthy, 1 degraded, 0 unhealthy
}

// newEngineMetrics creates and registers the engine metrics. A nil registry
// disables them.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Engine start operations",
		}, []string{"status"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Engine stop operations",
		}, []string{"status"}),

		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "model_saves_total",
			Help:      "Prediction model persistence on shutdown",
		}, []string{"status"}),

		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine lifecycle operation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"operation"}),

		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "running",
			Help:      "1 while the maintenance loops run",
		}),

		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitopt",
			Subsystem: "engine",
			Name:      "health_status",
			Help:      "Last evaluated health: 2 healthy, 1 degraded, 0 unhealthy",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "starts", m.starts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "stops", m.stops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "model_saves", m.saves); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "operation_duration", m.opDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "running", m.running); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "health_status", m.healthStatus); err != nil {
		return nil, err
	}
	return m, nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *engineMetrics) recordStart(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(statusLabel(err)).Inc()
	m.opDuration.WithLabelValues("start").Observe(duration.Seconds())
	if err == nil {
		m.running.Set(1)
	}
}

func (m *engineMetrics) recordStop(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(statusLabel(err)).Inc()
	m.opDuration.WithLabelValues("stop").Observe(duration.Seconds())
	m.running.Set(0)
}

func (m *engineMetrics) recordSave(err error) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(statusLabel(err)).Inc()
}

func (m *engineMetrics) setHealth(status health.Status) {
	if m == nil {
		return
	}
	switch {
	case status.IsHealthy():
		m.healthStatus.Set(2)
	case status.IsDegraded():
		m.healthStatus.Set(1)
	default:
		m.healthStatus.Set(0)
	}
}
