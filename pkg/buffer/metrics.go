package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devblac/sport-tracker-sub010/metric"
)

// bufferMetrics exports one ring. Occupancy is read at scrape time, so the
// write path only touches the drop counter.
type bufferMetrics struct {
	drops       prometheus.Counter
	size        prometheus.GaugeFunc
	utilization prometheus.GaugeFunc
}

type occupancy interface {
	Size() int
	Capacity() int
}

func newBufferMetrics(registry *metric.MetricsRegistry, name string, ring occupancy) (*bufferMetrics, error) {
	labels := prometheus.Labels{"buffer": name}
	m := &bufferMetrics{
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fitopt",
			Subsystem:   "buffer",
			Name:        "overflow_drops_total",
			Help:        "Items discarded because the ring was full",
			ConstLabels: labels,
		}),
		size: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "fitopt",
			Subsystem:   "buffer",
			Name:        "items",
			Help:        "Items currently held",
			ConstLabels: labels,
		}, func() float64 { return float64(ring.Size()) }),
		utilization: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "fitopt",
			Subsystem:   "buffer",
			Name:        "fill_ratio",
			Help:        "Items held over capacity, 0 to 1",
			ConstLabels: labels,
		}, func() float64 { return float64(ring.Size()) / float64(ring.Capacity()) }),
	}

	if err := registry.RegisterCounter(name, "buffer_overflow_drops", m.drops); err != nil {
		return nil, err
	}
	for metricName, gauge := range map[string]prometheus.GaugeFunc{
		"buffer_items":      m.size,
		"buffer_fill_ratio": m.utilization,
	} {
		if err := registry.RegisterCollector(name, metricName, gauge); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *bufferMetrics) recordDrop() {
	if m != nil {
		m.drops.Inc()
	}
}
