// Package realtime manages live backend subscriptions: it enforces the global
// and per-priority budgets, batches inbound change events, throttles low
// priority channels while the user is away and tears down subscriptions that
// keep failing.
//
// Every subscription moves through active, paused and error states and leaves
// the registry when it is unsubscribed, expires or reaches the error
// threshold. A rejected subscribe is a normal outcome: Subscribe returns an
// empty id and a nil error.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/schedule"
	"github.com/devblac/sport-tracker-sub010/usage"
)

// Teardown and rejection reasons
const (
	reasonErrors      = "errors"
	reasonMaxAge      = "max_age"
	reasonInactive    = "inactive"
	reasonUnsubscribe = "unsubscribe"
	reasonShutdown    = "shutdown"

	rejectLimit    = "limit"
	rejectCap      = "priority_cap"
	rejectActivity = "activity"
)

// Deps are the manager's collaborators. Realtime is required.
type Deps struct {
	Realtime backend.Realtime
	Usage    usage.RealtimeRecorder
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

type subscription struct {
	id      string
	config  SubscriptionConfig
	handler Handler

	// guarded by Manager.mu
	status       Status
	channel      backend.Channel
	gen          uint64
	resuming     bool
	createdAt    time.Time
	lastActivity time.Time
	messages     int64
	errors       int
	lastError    string

	// serializes deliveries; none start once removed is set
	deliverMu sync.Mutex
	removed   atomic.Bool
}

func (s *subscription) snapshot() Subscription {
	return Subscription{
		ID:           s.id,
		Config:       s.config,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		MessageCount: s.messages,
		ErrorCount:   s.errors,
		LastError:    s.lastError,
	}
}

// tableBatch accumulates the events of one table per batchable subscriber
type tableBatch struct {
	lastAppend time.Time
	events     map[string][]backend.ChangeEvent
	count      int
}

type counters struct {
	created      int64
	rejected     int64
	failed       int64
	tornDown     int64
	unsubscribed int64
	messages     int64
	errors       int64
	flushed      int64
	dropped      int64
}

// Manager owns the subscription registry
type Manager struct {
	config   Config
	realtime backend.Realtime
	usage    usage.RealtimeRecorder
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	// ctx bounds deliveries and background reopens; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	subs            map[string]*subscription
	pending         map[Priority]int
	reserved        map[string]bool
	batches         map[string]*tableBatch
	lastInteraction time.Time
	level           ActivityLevel
	counters        counters
	closed          bool

	background sync.WaitGroup
}

// NewManager creates a Manager. The user starts out active.
func NewManager(config Config, deps Deps) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Realtime == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: realtime backend", errors.ErrMissingConfig), "realtime", "NewManager", "check deps")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:          config,
		realtime:        deps.Realtime,
		usage:           deps.Usage,
		clock:           deps.Clock,
		logger:          deps.Logger.With("component", "realtime"),
		metrics:         deps.Registry.CoreMetrics(),
		ctx:             ctx,
		cancel:          cancel,
		subs:            make(map[string]*subscription),
		pending:         make(map[Priority]int),
		reserved:        make(map[string]bool),
		batches:         make(map[string]*tableBatch),
		lastInteraction: deps.Clock.Now(),
		level:           ActivityActive,
	}, nil
}

// Subscribe opens a backend channel for cfg and registers it.
//
// The budget and activity gates are checked before the channel is opened and
// again once the backend acknowledged it; a failed gate returns "" and a nil
// error. A backend failure or an acknowledgment slower than AckTimeout
// returns "" with the error.
func (m *Manager) Subscribe(ctx context.Context, cfg SubscriptionConfig, handler Handler) (string, error) {
	if handler == nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: nil handler", errors.ErrInvalidData), "realtime", "Subscribe", "check handler")
	}
	if err := cfg.normalize(); err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.WrapFatal(errors.ErrShuttingDown, "realtime", "Subscribe", "check state")
	}
	if _, dup := m.subs[cfg.ID]; dup || m.reserved[cfg.ID] {
		m.mu.Unlock()
		return "", errors.WrapInvalid(fmt.Errorf("%w: duplicate subscription id %q", errors.ErrInvalidData, cfg.ID), "realtime", "Subscribe", "check id")
	}
	if reason := m.gateLocked(cfg); reason != "" {
		m.rejectLocked(cfg, reason)
		m.mu.Unlock()
		return "", nil
	}
	m.pending[cfg.Priority]++
	m.reserved[cfg.ID] = true
	m.mu.Unlock()

	s := &subscription{id: cfg.ID, config: cfg, handler: handler, gen: 1}
	ch, err := m.open(ctx, s, s.gen)

	m.mu.Lock()
	m.pending[cfg.Priority]--
	delete(m.reserved, cfg.ID)
	if err != nil {
		m.counters.failed++
		m.mu.Unlock()
		m.metrics.RecordSubscribe("failed")
		m.logger.Debug("Subscribe failed", "table", cfg.Table, "priority", string(cfg.Priority), "error", err)
		return "", err
	}
	if m.closed {
		m.mu.Unlock()
		m.closeChannel(ch)
		return "", errors.WrapFatal(errors.ErrShuttingDown, "realtime", "Subscribe", "register")
	}
	if reason := m.gateLocked(cfg); reason != "" {
		m.rejectLocked(cfg, reason)
		m.mu.Unlock()
		m.closeChannel(ch)
		return "", nil
	}

	now := m.clock.Now()
	s.createdAt = now
	s.lastActivity = now
	s.status = StatusActive
	s.channel = ch
	var parked backend.Channel
	if shouldPause(cfg, m.level) {
		// registered paused; the channel reopens when the user returns
		s.status = StatusPaused
		s.channel = nil
		s.gen++
		parked = ch
	}
	status := s.status
	m.subs[s.id] = s
	m.counters.created++
	count := len(m.subs)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.closeChannel(parked)

	m.metrics.RecordSubscribe("created")
	if m.usage != nil {
		m.usage.TrackRealtimeSubscription(count)
	}
	m.logger.Debug("Subscription created", "subscription_id", s.id, "table", cfg.Table,
		"priority", string(cfg.Priority), "batchable", cfg.Batchable, "status", string(status))
	return s.id, nil
}

// gateLocked returns the reason cfg cannot be admitted, or "".
// Paused and errored subscriptions keep their slot so resuming never
// overshoots a budget.
func (m *Manager) gateLocked(cfg SubscriptionConfig) string {
	total, tier := 0, 0
	for p, n := range m.pending {
		total += n
		if p == cfg.Priority {
			tier += n
		}
	}
	for _, s := range m.subs {
		total++
		if s.config.Priority == cfg.Priority {
			tier++
		}
	}

	switch {
	case total >= m.config.MaxSubscriptions:
		return rejectLimit
	case tier >= m.config.PriorityCaps.Cap(cfg.Priority):
		return rejectCap
	case m.levelAt(m.clock.Now()).Rank() < cfg.RequiredActivity.Rank():
		return rejectActivity
	}
	return ""
}

func (m *Manager) rejectLocked(cfg SubscriptionConfig, reason string) {
	m.counters.rejected++
	m.metrics.RecordSubscribe("rejected_" + reason)
	m.logger.Debug("Subscription rejected", "table", cfg.Table, "priority", string(cfg.Priority), "reason", reason)
}

// open opens the backend channel of s. Callbacks carry gen so that events of a
// replaced channel are ignored.
func (m *Manager) open(ctx context.Context, s *subscription, gen uint64) (backend.Channel, error) {
	ackCtx, cancel := context.WithTimeout(ctx, m.config.AckTimeout)
	defer cancel()

	ch, err := m.realtime.OpenChannel(ackCtx, s.config.Table, s.config.Filter, backend.ChannelHandlers{
		OnMessage: func(ev backend.ChangeEvent) { m.handleMessage(s, gen, ev) },
		OnStatus:  func(status backend.ChannelStatus, err error) { m.handleStatus(s, gen, status, err) },
	})
	if err != nil {
		if ackCtx.Err() == context.DeadlineExceeded && !errors.Is(err, errors.ErrChannelTimeout) {
			err = errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrChannelTimeout, err), "realtime", "Subscribe", "await ack")
		}
		return nil, err
	}
	return ch, nil
}

func (m *Manager) closeChannel(ch backend.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		m.logger.Debug("Channel close failed", "error", err)
	}
}

// liveLocked reports whether s is registered and gen is its current channel
func (m *Manager) liveLocked(s *subscription, gen uint64) bool {
	return m.subs[s.id] == s && s.gen == gen
}

func (m *Manager) handleMessage(s *subscription, gen uint64, ev backend.ChangeEvent) {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.liveLocked(s, gen) || s.status == StatusPaused {
		m.mu.Unlock()
		return
	}
	s.lastActivity = now
	s.messages++
	m.counters.messages++

	if s.config.Batchable {
		b := m.batches[s.config.Table]
		if b == nil {
			b = &tableBatch{events: make(map[string][]backend.ChangeEvent)}
			m.batches[s.config.Table] = b
		}
		b.lastAppend = now
		b.events[s.id] = append(b.events[s.id], ev)
		b.count++
		m.mu.Unlock()
		m.recordMessage(s.config.Table, "batched")
		return
	}
	m.mu.Unlock()

	m.recordMessage(s.config.Table, "immediate")
	m.deliver(m.ctx, s, Delivery{
		SubscriptionID: s.id,
		Table:          s.config.Table,
		Events:         []backend.ChangeEvent{ev},
		Count:          1,
	})
}

func (m *Manager) recordMessage(table, mode string) {
	m.metrics.RecordRealtimeMessage(table, mode)
	if m.usage != nil {
		m.usage.TrackRealtimeMessage(usage.Inbound)
	}
}

func (m *Manager) handleStatus(s *subscription, gen uint64, status backend.ChannelStatus, err error) {
	switch status {
	case backend.StatusError, backend.StatusTimedOut:
		if err == nil {
			err = fmt.Errorf("channel %s", status)
		}
		m.fail(s, gen, err, "channel")
	}
}

// deliver invokes the handler of s. Deliveries of one subscription never
// overlap and none start after it was removed.
func (m *Manager) deliver(ctx context.Context, s *subscription, d Delivery) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.removed.Load() {
		return
	}

	if err := invoke(ctx, s.handler, d); err != nil {
		m.fail(s, 0, err, "handler")
		return
	}

	m.mu.Lock()
	if m.subs[s.id] == s && s.status == StatusError && s.channel != nil {
		s.status = StatusActive
		m.updateGaugesLocked()
	}
	m.mu.Unlock()
}

func invoke(ctx context.Context, h Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleChange(ctx, d)
}

// fail records an error against s; gen 0 matches any channel generation.
// Reaching the threshold removes the subscription at once.
func (m *Manager) fail(s *subscription, gen uint64, err error, source string) {
	m.mu.Lock()
	if m.subs[s.id] != s || (gen != 0 && s.gen != gen) {
		m.mu.Unlock()
		return
	}
	s.errors++
	s.lastError = err.Error()
	s.status = StatusError
	m.counters.errors++
	errorCount := s.errors

	if errorCount < m.config.MaxErrorsBeforeCleanup {
		m.updateGaugesLocked()
		m.mu.Unlock()
		m.logger.Debug("Subscription error", "subscription_id", s.id, "source", source,
			"errors", errorCount, "error", err)
		return
	}

	ch := m.removeLocked(s, reasonErrors)
	count := len(m.subs)
	m.mu.Unlock()

	m.logger.Warn("Subscription torn down after repeated errors", "subscription_id", s.id,
		"table", s.config.Table, "errors", errorCount, "error", err)
	m.finishRemoval(ch, reasonErrors, count)
}

// removeLocked drops s from the registry and returns its channel for closing
func (m *Manager) removeLocked(s *subscription, reason string) backend.Channel {
	delete(m.subs, s.id)
	s.removed.Store(true)
	for table, b := range m.batches {
		if events, ok := b.events[s.id]; ok {
			b.count -= len(events)
			delete(b.events, s.id)
			if len(b.events) == 0 {
				delete(m.batches, table)
			}
		}
	}

	switch reason {
	case reasonUnsubscribe:
		m.counters.unsubscribed++
	case reasonShutdown:
	default:
		m.counters.tornDown++
	}

	ch := s.channel
	s.channel = nil
	s.gen++
	m.updateGaugesLocked()
	return ch
}

func (m *Manager) finishRemoval(ch backend.Channel, reason string, count int) {
	m.closeChannel(ch)
	m.metrics.RecordTeardown(reason)
	if m.usage != nil {
		m.usage.TrackRealtimeSubscription(count)
	}
}

// Unsubscribe removes a subscription and closes its channel
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	s := m.subs[id]
	if s == nil {
		m.mu.Unlock()
		return false
	}
	ch := m.removeLocked(s, reasonUnsubscribe)
	count := len(m.subs)
	m.mu.Unlock()

	m.finishRemoval(ch, reasonUnsubscribe, count)
	m.logger.Debug("Subscription removed", "subscription_id", id)
	return true
}

// FlushBatches delivers each table's accumulated events to its batchable
// subscribers and clears the batches. Paused subscribers are skipped and a
// batch without an append in the last BatchStaleAfter is dropped. Returns the
// number of deliveries made.
func (m *Manager) FlushBatches(ctx context.Context) int {
	type job struct {
		s *subscription
		d Delivery
	}

	now := m.clock.Now()
	var jobs []job

	m.mu.Lock()
	for table, b := range m.batches {
		delete(m.batches, table)
		if now.Sub(b.lastAppend) > m.config.BatchStaleAfter {
			m.counters.dropped += int64(b.count)
			m.logger.Debug("Stale batch dropped", "table", table, "events", b.count)
			continue
		}
		for id, events := range b.events {
			s := m.subs[id]
			if s == nil || s.status == StatusPaused {
				continue
			}
			jobs = append(jobs, job{s: s, d: Delivery{
				SubscriptionID: id,
				Table:          table,
				Events:         events,
				Count:          len(events),
				Batched:        true,
			}})
		}
	}
	m.counters.flushed += int64(len(jobs))
	m.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].d.SubscriptionID < jobs[j].d.SubscriptionID })
	for _, j := range jobs {
		m.deliver(ctx, j.s, j.d)
	}
	return len(jobs)
}

// Sweep removes subscriptions past their MaxAge, subscriptions without one
// that outlived DefaultMaxAge while the user is inactive, and subscriptions
// at the error threshold. Returns the number removed.
func (m *Manager) Sweep() int {
	type removal struct {
		ch     backend.Channel
		reason string
	}

	now := m.clock.Now()
	var removals []removal

	m.mu.Lock()
	level := m.levelAt(now)
	for _, s := range m.subs {
		age := now.Sub(s.createdAt)
		reason := ""
		switch {
		case s.errors >= m.config.MaxErrorsBeforeCleanup:
			reason = reasonErrors
		case s.config.MaxAge > 0 && age > s.config.MaxAge:
			reason = reasonMaxAge
		case s.config.MaxAge == 0 && level == ActivityInactive && age > m.config.DefaultMaxAge:
			reason = reasonInactive
		}
		if reason != "" {
			m.logger.Debug("Subscription expired", "subscription_id", s.id, "reason", reason, "age", age)
			removals = append(removals, removal{ch: m.removeLocked(s, reason), reason: reason})
		}
	}
	count := len(m.subs)
	m.mu.Unlock()

	for _, r := range removals {
		m.finishRemoval(r.ch, r.reason, count)
	}
	if len(removals) > 0 {
		m.logger.Info("Subscription sweep", "removed", len(removals), "remaining", count)
	}
	return len(removals)
}

// Run drives the flush, sweep and activity loops until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	return schedule.Run(ctx, m.clock,
		schedule.Task{Name: "flush", Interval: m.config.BatchInterval, Run: func(ctx context.Context) { m.FlushBatches(ctx) }},
		schedule.Task{Name: "sweep", Interval: m.config.CleanupInterval, Run: func(context.Context) { m.Sweep() }},
		schedule.Task{Name: "activity", Interval: m.config.ActivityInterval, Run: func(context.Context) { m.EvaluateActivity() }},
	)
}

// Wait blocks until background channel reopens finish
func (m *Manager) Wait() {
	m.background.Wait()
}

// Close removes every subscription and rejects further subscribes
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var channels []backend.Channel
	for _, s := range m.subs {
		channels = append(channels, m.removeLocked(s, reasonShutdown))
	}
	m.batches = make(map[string]*tableBatch)
	m.mu.Unlock()

	m.cancel()
	for _, ch := range channels {
		m.closeChannel(ch)
	}
	m.background.Wait()
	if m.usage != nil {
		m.usage.TrackRealtimeSubscription(0)
	}
	m.logger.Info("Realtime manager closed", "subscriptions", len(channels))
	return nil
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	counts := make(map[Priority]map[Status]int, len(priorities))
	for _, p := range priorities {
		counts[p] = make(map[Status]int, len(statuses))
	}
	for _, s := range m.subs {
		counts[s.config.Priority][s.status]++
	}
	for _, p := range priorities {
		for _, st := range statuses {
			m.metrics.SetSubscriptions(string(p), string(st), counts[p][st])
		}
	}
}
