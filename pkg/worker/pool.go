// Package worker provides a generic worker pool for concurrent task processing.
//
// The prefetcher submits speculative fetches here. Processor errors and panics
// are counted, reported to an optional error handler and never stop a worker.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devblac/sport-tracker-sub010/metric"
)

// Pool processes work items of type T on a fixed number of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onError   func(T, error)

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup
	active   atomic.Int64

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busy           prometheus.Gauge
	outcomes       *prometheus.CounterVec
	processingTime *prometheus.HistogramVec
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithErrorHandler sets a function called with every item whose processing
// failed or panicked
func WithErrorHandler[T any](handler func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = handler
	}
}

// NewPool creates a new worker pool. Non-positive sizes use defaults.
// Returns an error only if metrics registration fails.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsPrefix != "" {
		if err := pool.initializeMetrics(); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func (p *Pool[T]) initializeMetrics() error {
	labels := prometheus.Labels{"pool": p.metricsPrefix}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitopt", Subsystem: "worker", Name: "queue_depth",
			Help: "Current worker pool queue depth", ConstLabels: labels,
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitopt", Subsystem: "worker", Name: "busy",
			Help: "Workers currently processing an item", ConstLabels: labels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitopt", Subsystem: "worker", Name: "items_total",
			Help: "Work items by outcome (submitted, processed, failed, dropped)", ConstLabels: labels,
		}, []string{"outcome"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitopt", Subsystem: "worker", Name: "processing_duration_seconds",
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	const component = "worker_pool"
	if err := p.metricsRegistry.RegisterGauge(component, p.metricsPrefix+"_queue_depth", m.queueDepth); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterGauge(component, p.metricsPrefix+"_busy", m.busy); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterCounterVec(component, p.metricsPrefix+"_items", m.outcomes); err != nil {
		return err
	}
	if err := p.metricsRegistry.RegisterHistogramVec(component, p.metricsPrefix+"_duration", m.processingTime); err != nil {
		return err
	}
	p.metrics = m
	return nil
}

func (p *Pool[T]) recordOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.outcomes.WithLabelValues(outcome).Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Submit queues work without blocking. Returns ErrQueueFull if the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.recordOutcome("submitted")
		return nil
	default:
		p.dropped.Add(1)
		p.recordOutcome("dropped")
		return ErrQueueFull
	}
}

// Start starts the workers. They exit when ctx is done or the pool is stopped.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       int(p.active.Load()),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int   `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Panicked   int64 `json:"panicked"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.active.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Set(float64(p.active.Load()))
	}
	start := time.Now()

	err := p.safeProcess(ctx, work)

	p.active.Add(-1)
	p.processed.Add(1)
	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}
	if p.metrics != nil {
		p.metrics.busy.Set(float64(p.active.Load()))
		p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	p.recordOutcome("processed")
	if err != nil {
		p.recordOutcome("failed")
	}
}

func (p *Pool[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.processor(ctx, work)
}
