// Package engine is the composition root of the optimization core. It builds
// exactly one instance of each component, hands each its collaborators and
// runs their maintenance loops.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/health"
	"github.com/devblac/sport-tracker-sub010/kvstore"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/pkg/schedule"
	"github.com/devblac/sport-tracker-sub010/prefetch"
	"github.com/devblac/sport-tracker-sub010/preload"
	"github.com/devblac/sport-tracker-sub010/query"
	"github.com/devblac/sport-tracker-sub010/realtime"
	"github.com/devblac/sport-tracker-sub010/usage"
)

// Deps are the external collaborators. Backend and Realtime are required.
// Without a Loader route targets are not preloaded; without a Store the
// prediction models live only in memory.
type Deps struct {
	Backend  backend.Executor
	Realtime backend.Realtime
	Store    kvstore.Store
	Loader   preload.Loader
	Static   prefetch.Fetcher
	Device   prefetch.DeviceProvider
	Idle     preload.IdleDetector
	// Ping probes the backend connection for Health
	Ping     func(ctx context.Context) error
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Engine owns the components
type Engine struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	ping    func(ctx context.Context) error
	monitor *health.Monitor
	metrics *engineMetrics

	cache     cache.Cache[any]
	usage     *usage.Monitor
	queries   *query.Executor
	realtime  *realtime.Manager
	prefetch  *prefetch.Prefetcher
	preloader *preload.Preloader

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan error
}

// New wires the components
func New(config Config, deps Deps) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil || deps.Realtime == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: backend and realtime are required", errors.ErrMissingConfig),
			"engine", "New", "check deps")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		config:  config,
		clock:   deps.Clock,
		logger:  deps.Logger.With("component", "engine"),
		ping:    deps.Ping,
		monitor: health.NewMonitor(deps.Clock),
	}

	for _, issue := range Lint(config) {
		e.logger.Warn("Configuration issue", "section", issue.Section, "issue", issue.Message)
	}

	var err error
	e.metrics, err = newEngineMetrics(deps.Registry)
	if err != nil {
		return nil, err
	}
	e.cache, err = cache.NewFromConfig[any](config.Cache,
		cache.WithClock[any](deps.Clock),
		cache.WithMetrics[any](deps.Registry, "query_cache"),
		cache.WithEvictionCallback[any](func(key string, _ any) {
			e.logger.Debug("Query result evicted", "key", key)
		}))
	if err != nil {
		return nil, err
	}

	e.usage, err = usage.NewMonitor(config.Usage, usage.Deps{Clock: deps.Clock, Logger: deps.Logger, Registry: deps.Registry})
	if err != nil {
		return nil, err
	}

	e.queries, err = query.NewExecutor(config.Query, query.Deps{
		Backend:  deps.Backend,
		Cache:    e.cache,
		Usage:    e.usage,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
		Registry: deps.Registry,
	})
	if err != nil {
		return nil, err
	}

	e.realtime, err = realtime.NewManager(config.Realtime, realtime.Deps{
		Realtime: deps.Realtime,
		Usage:    e.usage,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
		Registry: deps.Registry,
	})
	if err != nil {
		return nil, err
	}

	fetchers := prefetch.FetcherSet{
		API:    prefetch.TableFetcher{Runner: e.queries, Limit: config.APIFetchLimit, CacheTTL: config.Query.DefaultCacheTTL},
		Static: deps.Static,
	}
	if deps.Loader != nil {
		// the preloader is created below; route prefetches run through it
		fetchers.Route = prefetch.FetcherFunc(e.preloadRoute)
	}
	e.prefetch, err = prefetch.NewPrefetcher(config.Prefetch, prefetch.Deps{
		Fetchers: fetchers,
		Device:   deps.Device,
		Store:    deps.Store,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
		Registry: deps.Registry,
	})
	if err != nil {
		_ = e.realtime.Close()
		return nil, err
	}

	if deps.Loader != nil {
		e.preloader, err = preload.NewPreloader(config.Preload, preload.Deps{
			Loader:   deps.Loader,
			Actions:  e.prefetch,
			Idle:     deps.Idle,
			Clock:    deps.Clock,
			Logger:   deps.Logger,
			Registry: deps.Registry,
		})
		if err != nil {
			_ = e.realtime.Close()
			return nil, err
		}
	}

	e.registerChecks()
	return e, nil
}

func (e *Engine) preloadRoute(ctx context.Context, task prefetch.Task) (int64, error) {
	v, err := e.preloader.PreloadRoute(ctx, task.Target)
	if err != nil {
		return 0, err
	}
	switch body := v.(type) {
	case []byte:
		return int64(len(body)), nil
	case string:
		return int64(len(body)), nil
	default:
		return int64(cache.JSONSizer(v)), nil
	}
}

// Cache returns the response cache
func (e *Engine) Cache() cache.Cache[any] { return e.cache }

// Queries returns the query executor
func (e *Engine) Queries() *query.Executor { return e.queries }

// Subscriptions returns the realtime subscription manager
func (e *Engine) Subscriptions() *realtime.Manager { return e.realtime }

// Prefetcher returns the predictive prefetcher
func (e *Engine) Prefetcher() *prefetch.Prefetcher { return e.prefetch }

// Preloader returns the route preloader, nil without a loader
func (e *Engine) Preloader() *preload.Preloader { return e.preloader }

// Usage returns the usage monitor
func (e *Engine) Usage() *usage.Monitor { return e.usage }

// Start loads the persisted models, starts the workers and runs every
// maintenance loop in the background until Stop.
func (e *Engine) Start(ctx context.Context) (err error) {
	begin := e.clock.Now()
	defer func() { e.metrics.recordStart(err, e.clock.Since(begin)) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "engine", "Start", "check state")
	}
	if e.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "engine", "Start", "check state")
	}

	if err := e.prefetch.Load(ctx); err != nil {
		// learning restarts from scratch
		e.logger.Warn("Failed to load prediction models", "error", err)
		e.monitor.UpdateDegraded(healthModels, "models not restored: "+err.Error())
	} else {
		e.monitor.UpdateHealthy(healthModels, "restored")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := e.prefetch.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if e.preloader != nil {
		if err := e.preloader.Start(runCtx); err != nil {
			cancel()
			_ = e.prefetch.Stop(time.Second)
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.realtime.Run(gctx) })
	g.Go(func() error { return e.prefetch.Run(gctx) })
	if e.preloader != nil {
		g.Go(func() error { return e.preloader.Run(gctx) })
	}
	g.Go(func() error {
		return schedule.Run(gctx, e.clock, schedule.Task{
			Name:     "maintenance",
			Interval: e.config.Cache.SweepInterval,
			Run:      func(context.Context) { e.maintain() },
		})
	})

	e.done = make(chan error, 1)
	go func() { e.done <- g.Wait() }()
	e.cancel = cancel
	e.started = true
	e.logger.Info("Engine started", "preloader", e.preloader != nil)
	return nil
}

// maintain sweeps expired cache entries and refreshes the alert gauge
func (e *Engine) maintain() {
	if n := e.cache.Sweep(); n > 0 {
		e.logger.Debug("Expired cache entries swept", "count", n)
	}
	e.usage.GetActiveAlerts()
}

// Stop ends the loops, stops the workers, persists the models and closes the
// components. Safe to call more than once.
func (e *Engine) Stop(timeout time.Duration) error {
	begin := e.clock.Now()
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.started
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if started {
		cancel()
		select {
		case err := <-done:
			keep(err)
		case <-time.After(timeout):
			keep(errors.WrapTransient(fmt.Errorf("maintenance loops still running after %s", timeout), "engine", "Stop", "wait for loops"))
		}
		keep(e.prefetch.Stop(timeout))
	}

	ctx, cancelSave := context.WithTimeout(context.Background(), timeout)
	saveErr := e.prefetch.Save(ctx)
	cancelSave()
	e.metrics.recordSave(saveErr)
	keep(saveErr)

	if e.preloader != nil {
		keep(e.preloader.Close())
	}
	keep(e.realtime.Close())
	e.queries.Wait()
	e.metrics.recordStop(firstErr, e.clock.Since(begin))

	if firstErr != nil {
		e.logger.Error("Engine stopped with errors", "error", firstErr)
		return firstErr
	}
	e.logger.Info("Engine stopped")
	return nil
}

// RecordAction feeds one user interaction to the components: the realtime
// activity level, the predictor and, for navigations, the preload hit rate.
func (e *Engine) RecordAction(ctx context.Context, actionType, target, location string) error {
	e.realtime.RecordActivity()
	if actionType == "" && target == "" {
		return nil
	}
	if err := e.prefetch.RecordUserAction(ctx, actionType, target, location); err != nil {
		return err
	}
	if actionType == prefetch.ActionNavigation && e.preloader != nil {
		e.preloader.RecordAccess(target)
	}
	return nil
}
