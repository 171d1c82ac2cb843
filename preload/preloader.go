// Package preload loads app routes ahead of navigation. Each route loads at
// most once per process: concurrent and repeated PreloadRoute calls share one
// underlying load. Loads are triggered at start (immediate), one at a time
// while the user is idle, on hover of a same-origin link, or when a bound
// element scrolls into view.
package preload

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/retry"
	"github.com/devblac/sport-tracker-sub010/pkg/schedule"
)

// Triggers reported in stats and metrics
const (
	TriggerManual    = "manual"
	TriggerImmediate = "immediate"
	TriggerIdle      = "idle"
	TriggerHover     = "hover"
	TriggerViewport  = "viewport"
)

const hoverAction = "hover"

// Loader loads the code and data of one route
type Loader interface {
	Load(ctx context.Context, route string) (any, error)
}

// LoaderFunc adapts a function to Loader
type LoaderFunc func(ctx context.Context, route string) (any, error)

// Load implements Loader
func (f LoaderFunc) Load(ctx context.Context, route string) (any, error) { return f(ctx, route) }

// ActionRecorder receives hover signals for the predictor
type ActionRecorder interface {
	RecordUserAction(ctx context.Context, actionType, target, location string) error
}

// IdleDetector reports whether the user is currently idle
type IdleDetector interface {
	Idle() bool
}

// IdleFunc adapts a function to IdleDetector
type IdleFunc func() bool

// Idle implements IdleDetector
func (f IdleFunc) Idle() bool { return f() }

// Deps are the preloader's collaborators. Loader is required; Actions and
// Idle are optional. Without an idle detector only the IdleTimeout fallback
// starts idle preloads.
type Deps struct {
	Loader   Loader
	Actions  ActionRecorder
	Idle     IdleDetector
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

type entry struct {
	route   string
	trigger string
	done    chan struct{}

	// set before done closes
	value any
	err   error

	// guarded by Preloader.mu
	loaded       bool
	startedAt    time.Time
	preloadTime  time.Duration
	attempts     int
	hitRate      float64
	accesses     int64
	lastAccessed time.Time
}

// Preloader owns the route preload records
type Preloader struct {
	config  Config
	routes  map[string]RouteConfig
	origin  *url.URL
	loader  Loader
	actions ActionRecorder
	idle    IdleDetector
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry
	idleQueue []string
	idleBusy  bool
	idleSince time.Time
	viewport  map[string]string
	closed    bool
	failures  int64
	removed   int64
}

// NewPreloader creates a Preloader
func NewPreloader(config Config, deps Deps) (*Preloader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Loader == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: loader", errors.ErrMissingConfig), "preload", "NewPreloader", "check deps")
	}
	var origin *url.URL
	if config.Origin != "" {
		u, err := url.Parse(config.Origin)
		if err != nil || u.Host == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: origin %q", errors.ErrInvalidConfig, config.Origin),
				"preload", "NewPreloader", "parse origin")
		}
		origin = u
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preloader{
		config:    config,
		routes:    make(map[string]RouteConfig, len(config.Routes)),
		origin:    origin,
		loader:    deps.Loader,
		actions:   deps.Actions,
		idle:      deps.Idle,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "preload"),
		metrics:   deps.Registry.CoreMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		viewport:  make(map[string]string),
		idleSince: deps.Clock.Now(),
	}

	var idle []RouteConfig
	for _, r := range config.Routes {
		p.routes[r.Path] = r
		if r.Strategy == StrategyIdle {
			idle = append(idle, r)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].Priority.Rank() > idle[j].Priority.Rank() })
	for _, r := range idle {
		p.idleQueue = append(p.idleQueue, r.Path)
	}
	return p, nil
}

// PreloadRoute loads route once and returns the shared result. A failed load
// is forgotten so a later call retries it. ctx bounds only the wait.
func (p *Preloader) PreloadRoute(ctx context.Context, route string) (any, error) {
	e, err := p.begin(route, TriggerManual)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
		return nil, errors.WrapTransient(ctx.Err(), "preload", "PreloadRoute", "wait for "+route)
	}
}

// begin returns the record for route, starting its load if none exists
func (p *Preloader) begin(route, trigger string) (*entry, error) {
	if route == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: empty route", errors.ErrInvalidData), "preload", "PreloadRoute", "check route")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.WrapFatal(errors.ErrShuttingDown, "preload", "PreloadRoute", "check state")
	}
	if e, ok := p.entries[route]; ok {
		return e, nil
	}

	e := &entry{route: route, trigger: trigger, done: make(chan struct{}), startedAt: p.clock.Now()}
	p.entries[route] = e
	p.wg.Add(1)
	go p.load(e)
	return e, nil
}

func (p *Preloader) load(e *entry) {
	defer p.wg.Done()

	cfg := retry.Config{
		MaxAttempts:  p.config.RetryAttempts,
		InitialDelay: p.config.RetryInitialDelay,
		MaxDelay:     p.config.RetryMaxDelay,
		Multiplier:   2,
		AddJitter:    true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.logger.Debug("Route preload failed, retrying", "route", e.route, "attempt", attempt, "delay", delay, "error", err)
		},
	}
	attempts := 0
	value, err := retry.DoWithResult(p.ctx, cfg, func() (any, error) {
		attempts++
		return p.attempt(e.route)
	})

	now := p.clock.Now()
	elapsed := now.Sub(e.startedAt)

	p.mu.Lock()
	e.attempts = attempts
	if err != nil {
		p.failures++
		if p.entries[e.route] == e {
			delete(p.entries, e.route)
		}
	} else {
		e.loaded = true
		e.preloadTime = elapsed
		e.lastAccessed = now
	}
	if e.trigger == TriggerIdle {
		p.idleBusy = false
		p.idleSince = now
	}
	e.value, e.err = value, err
	close(e.done)
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("Route preload failed", "route", e.route, "trigger", e.trigger, "attempts", attempts, "error", err)
		return
	}
	p.metrics.RecordPreload(e.trigger, elapsed)
	p.logger.Debug("Route preloaded", "route", e.route, "trigger", e.trigger, "duration", elapsed)
}

type loadResult struct {
	value any
	err   error
}

// attempt runs one load bounded by LoadTimeout, even if the loader ignores ctx
func (p *Preloader) attempt(route string) (any, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.LoadTimeout)
	defer cancel()

	ch := make(chan loadResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- loadResult{err: fmt.Errorf("loader panicked: %v", r)}
			}
		}()
		v, err := p.loader.Load(ctx, route)
		ch <- loadResult{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		if p.ctx.Err() != nil {
			return nil, errors.WrapFatal(errors.ErrShuttingDown, "preload", "load", route)
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s after %s", errors.ErrPreloadTimeout, route, p.config.LoadTimeout),
			"preload", "load", route)
	}
}

// Start fires the immediate routes without waiting for them
func (p *Preloader) Start(_ context.Context) error {
	n := 0
	for _, r := range p.config.Routes {
		if r.Strategy != StrategyImmediate {
			continue
		}
		if _, err := p.begin(r.Path, TriggerImmediate); err != nil {
			return err
		}
		n++
	}
	p.mu.Lock()
	p.idleSince = p.clock.Now()
	p.mu.Unlock()
	p.logger.Info("Preloader started", "immediate_routes", n, "idle_routes", len(p.idleQueue))
	return nil
}

// IdleTick starts the next idle route when the user is idle or IdleTimeout
// passed since the last idle preload. Only one idle preload runs at a time.
// Reports whether a preload started.
func (p *Preloader) IdleTick() bool {
	idle := p.idle != nil && p.idle.Idle()
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.idleBusy {
		return false
	}
	if !idle && now.Sub(p.idleSince) < p.config.IdleTimeout {
		return false
	}
	for len(p.idleQueue) > 0 {
		route := p.idleQueue[0]
		p.idleQueue = p.idleQueue[1:]
		if _, ok := p.entries[route]; ok {
			continue
		}
		e := &entry{route: route, trigger: TriggerIdle, done: make(chan struct{}), startedAt: now}
		p.entries[route] = e
		p.idleBusy = true
		p.wg.Add(1)
		go p.load(e)
		return true
	}
	return false
}

// PendingIdle returns the idle routes not yet started, in order
func (p *Preloader) PendingIdle() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.idleQueue...)
}

// OnHover handles a pointer hovering href. Same-origin links are reported to
// the predictor, and a link to a hover route starts its preload. Reports
// whether a preload started or was already present.
func (p *Preloader) OnHover(ctx context.Context, href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	if u.Host != "" && (p.origin == nil || u.Scheme != p.origin.Scheme || u.Host != p.origin.Host) {
		return false
	}
	if u.Path == "" {
		return false
	}

	if p.actions != nil {
		if err := p.actions.RecordUserAction(ctx, hoverAction, u.Path, ""); err != nil {
			p.logger.Debug("Failed to record hover", "href", href, "error", err)
		}
	}

	r, ok := p.routes[u.Path]
	if !ok || r.Strategy != StrategyHover {
		return false
	}
	_, err = p.begin(u.Path, TriggerHover)
	return err == nil
}

// BindViewport registers an element whose visibility triggers a route preload
func (p *Preloader) BindViewport(elementID, route string) error {
	if elementID == "" || route == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: element id and route are required", errors.ErrInvalidData),
			"preload", "BindViewport", "check binding")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport[elementID] = route
	return nil
}

// OnViewportEnter starts the preload bound to elementID. Each binding fires
// once. Reports whether a binding fired.
func (p *Preloader) OnViewportEnter(elementID string) bool {
	p.mu.Lock()
	route, ok := p.viewport[elementID]
	delete(p.viewport, elementID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	_, err := p.begin(route, TriggerViewport)
	return err == nil
}

// RecordAccess notes a navigation to route. The hit rate moves 10% toward 1
// when the route was already loaded and toward 0 otherwise. Unknown routes
// are ignored.
func (p *Preloader) RecordAccess(route string) bool {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[route]
	if !ok {
		return false
	}
	hit := 0.0
	if e.loaded {
		hit = 1
	}
	e.hitRate = e.hitRate*0.9 + hit*0.1
	e.accesses++
	e.lastAccessed = now
	return true
}

// Cleanup drops loaded records unused for longer than MaxAge whose hit rate
// is below MinHitRate. Returns the number dropped.
func (p *Preloader) Cleanup() int {
	now := p.clock.Now()
	p.mu.Lock()
	n := 0
	for route, e := range p.entries {
		if !e.loaded || now.Sub(e.lastAccessed) <= p.config.MaxAge || e.hitRate >= p.config.MinHitRate {
			continue
		}
		delete(p.entries, route)
		n++
	}
	p.removed += int64(n)
	p.mu.Unlock()

	if n > 0 {
		p.logger.Debug("Preload records cleaned up", "removed", n)
	}
	return n
}

// Run drives the idle and cleanup loops until ctx is done
func (p *Preloader) Run(ctx context.Context) error {
	return schedule.Run(ctx, p.clock,
		schedule.Task{Name: "idle", Interval: p.config.IdleInterval, Run: func(context.Context) { p.IdleTick() }},
		schedule.Task{Name: "cleanup", Interval: p.config.CleanupInterval, Run: func(context.Context) { p.Cleanup() }},
	)
}

// Wait blocks until every started load has finished
func (p *Preloader) Wait() {
	p.wg.Wait()
}

// Close cancels running loads and waits for them
func (p *Preloader) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Preloader closed")
	return nil
}
