// Package prefetch learns how the user moves through the app and fetches the
// resources they are likely to need next.
//
// Every recorded action updates the PredictionModel of the location it was
// taken from: the next-target counts, the targets seen at the current hour
// and the targets that followed the recent action sequence. Predictions
// combine static rules, learned transition probabilities and matching
// sequences; candidates that pass the battery and network Policy enter a
// bounded queue ordered by priority then confidence. Drain executes the head
// of the queue on a worker pool. Prefetch failures are logged and counted,
// never returned.
package prefetch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/kvstore"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/buffer"
	"github.com/devblac/sport-tracker-sub010/pkg/schedule"
	"github.com/devblac/sport-tracker-sub010/pkg/worker"
)

// Rejection reasons
const (
	rejectPolicy   = "policy"
	rejectBudget   = "budget"
	rejectRecent   = "recent"
	rejectCapacity = "capacity"
)

// Deps are the prefetcher's collaborators. Store nil disables persistence;
// Device nil assumes an unknown battery on an unknown network.
type Deps struct {
	Fetchers FetcherSet
	Device   DeviceProvider
	Store    kvstore.Store
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

type stats struct {
	actions         int64
	predictionsMade int64
	predictionHits  int64
	queued          int64
	executed        int64
	failed          int64
	bytes           int64
	rejected        map[string]int64
	lastRefresh     time.Time
	lastSave        time.Time
}

// Prefetcher owns the prediction models and the prefetch queue
type Prefetcher struct {
	config   Config
	fetchers FetcherSet
	device   DeviceProvider
	store    kvstore.Store
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics
	history  buffer.Buffer[Action]
	limiter  *rate.Limiter
	pool     *worker.Pool[job]

	mu            sync.Mutex
	models        Models
	location      string
	queue         []Task
	lastPredicted map[string]bool
	fetched       map[string]time.Time
	stats         stats
}

// NewPrefetcher creates a Prefetcher. Call Start before Drain.
func NewPrefetcher(config Config, deps Deps) (*Prefetcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Device == nil {
		deps.Device = StaticDevice{BatteryPercent: -1, Network: NetworkUnknown}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	history, err := buffer.NewCircularBuffer[Action](config.HistorySize,
		buffer.WithMetrics[Action](deps.Registry, "prefetch_history"))
	if err != nil {
		return nil, errors.WrapInvalid(err, "prefetch", "NewPrefetcher", "create history")
	}

	p := &Prefetcher{
		config:        config,
		fetchers:      deps.Fetchers,
		device:        deps.Device,
		store:         deps.Store,
		clock:         deps.Clock,
		logger:        deps.Logger.With("component", "prefetch"),
		metrics:       deps.Registry.CoreMetrics(),
		history:       history,
		limiter:       rate.NewLimiter(rate.Limit(config.ByteRate), config.ByteBurst),
		models:        make(Models),
		lastPredicted: make(map[string]bool),
		fetched:       make(map[string]time.Time),
		stats:         stats{rejected: make(map[string]int64)},
	}

	p.pool, err = worker.NewPool[job](config.Workers, config.QueueCapacity, p.process,
		worker.WithMetricsRegistry[job](deps.Registry, "prefetch"),
		worker.WithErrorHandler(fetchPanicked))
	if err != nil {
		return nil, errors.WrapInvalid(err, "prefetch", "NewPrefetcher", "create worker pool")
	}
	return p, nil
}

// RecordUserAction appends an action to the history and updates the model of
// location, which defaults to the last navigated target. Navigation actions
// move the current location and refresh predictions at once.
func (p *Prefetcher) RecordUserAction(ctx context.Context, actionType, target, location string) error {
	if actionType == "" || target == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: action type and target are required", errors.ErrInvalidData),
			"prefetch", "RecordUserAction", "check action")
	}
	if !KnownAction(actionType) {
		return errors.WrapInvalid(fmt.Errorf("%w: unknown action type %q", errors.ErrInvalidData, actionType),
			"prefetch", "RecordUserAction", "check action")
	}
	now := p.clock.Now()

	p.mu.Lock()
	if location == "" {
		location = p.location
	}
	key := ""
	if prior := p.history.Last(p.config.SequenceLength); len(prior) == p.config.SequenceLength {
		key = sequenceKey(targetsOf(prior))
	}
	if location != "" {
		model := p.models[location]
		if model == nil {
			model = newModel()
			p.models[location] = model
		}
		model.observe(target, now.Hour(), key)
	}
	p.history.Write(Action{Type: actionType, Target: target, Location: location, Timestamp: now})
	p.stats.actions++
	if p.lastPredicted[target] {
		p.stats.predictionHits++
		delete(p.lastPredicted, target)
	}
	navigation := actionType == ActionNavigation
	if navigation {
		p.location = target
	}
	p.mu.Unlock()

	if navigation {
		p.RefreshPredictions(ctx)
	}
	return nil
}

// Location returns the current location
func (p *Prefetcher) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// GeneratePredictions returns the merged candidates for location, ordered by
// priority then confidence. The current location itself is never a candidate.
func (p *Prefetcher) GeneratePredictions(location string) []Task {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generateLocked(location, now)
}

func (p *Prefetcher) generateLocked(location string, now time.Time) []Task {
	var candidates []Task

	hour := now.Hour()
	for _, r := range p.config.Rules {
		if !r.Matches(location, hour) {
			continue
		}
		for _, target := range r.Targets {
			candidates = append(candidates, p.newTask(target, r.Priority, r.Confidence, "rule "+r.Name, r.Dependencies, now))
		}
	}

	if model := p.models[location]; model != nil {
		if total := model.transitions(); total > 0 {
			for target, n := range model.NextRoutes {
				prob := float64(n) / float64(total)
				if prob <= p.config.MinTransitionProbability {
					continue
				}
				priority := PriorityMedium
				if prob > 0.5 {
					priority = PriorityHigh
				}
				candidates = append(candidates, p.newTask(target, priority, prob,
					fmt.Sprintf("transition %.0f%%", prob*100), nil, now))
			}
		}

		if recent := p.history.Last(p.config.SequenceLength); len(recent) == p.config.SequenceLength {
			for _, target := range model.SequencePatterns[sequenceKey(targetsOf(recent))] {
				candidates = append(candidates, p.newTask(target, PriorityHigh, p.config.SequenceConfidence, "sequence", nil, now))
			}
		}
	}

	return mergeTasks(candidates, location)
}

func (p *Prefetcher) newTask(target string, priority Priority, confidence float64, reason string, deps []string, now time.Time) Task {
	kind := KindOf(target)
	return Task{
		ID:            uuid.NewString(),
		Target:        target,
		Kind:          kind,
		Priority:      priority,
		Confidence:    confidence,
		EstimatedSize: p.config.Sizes.forKind(kind),
		Dependencies:  append([]string(nil), deps...),
		Reason:        reason,
		CreatedAt:     now,
	}
}

// mergeTasks folds candidates per target keeping the maximum confidence, the
// highest priority and every distinct reason
func mergeTasks(candidates []Task, exclude string) []Task {
	index := make(map[string]int, len(candidates))
	var out []Task
	for _, c := range candidates {
		if c.Target == exclude {
			continue
		}
		i, ok := index[c.Target]
		if !ok {
			index[c.Target] = len(out)
			out = append(out, c)
			continue
		}
		out[i] = merge(out[i], c)
	}
	sortTasks(out)
	return out
}

func merge(a, b Task) Task {
	a.Confidence = max(a.Confidence, b.Confidence)
	a.Priority = higher(a.Priority, b.Priority)
	a.EstimatedSize = max(a.EstimatedSize, b.EstimatedSize)
	for _, dep := range b.Dependencies {
		a.Dependencies = appendUnique(a.Dependencies, dep)
	}
	if b.Reason != "" && !containsReason(a.Reason, b.Reason) {
		if a.Reason == "" {
			a.Reason = b.Reason
		} else {
			a.Reason += "; " + b.Reason
		}
	}
	return a
}

func containsReason(reasons, reason string) bool {
	for _, r := range strings.Split(reasons, "; ") {
		if r == reason {
			return true
		}
	}
	return false
}

// sortTasks orders by priority rank then confidence, both descending
func sortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Target < b.Target
	})
}

func targetsOf(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Target
	}
	return out
}

// RefreshPredictions generates candidates for the current location, filters
// them through the policy and enqueues the rest. Returns the number of new
// queue entries.
func (p *Prefetcher) RefreshPredictions(_ context.Context) int {
	device := p.device.DeviceState()
	now := p.clock.Now()

	p.mu.Lock()
	candidates := p.generateLocked(p.location, now)
	p.stats.predictionsMade += int64(len(candidates))
	p.stats.lastRefresh = now
	p.lastPredicted = make(map[string]bool, len(candidates))

	accepted := candidates[:0:0]
	for _, c := range candidates {
		p.lastPredicted[c.Target] = true
		if !p.config.Policy.ShouldPrefetch(c, device) {
			p.rejectLocked(rejectPolicy, 1)
			continue
		}
		accepted = append(accepted, c)
	}
	added := p.enqueueLocked(now, accepted)
	p.mu.Unlock()

	if len(candidates) > 0 {
		p.logger.Debug("Predictions refreshed", "candidates", len(candidates),
			"accepted", len(accepted), "queued", added, "network", string(device.Network))
	}
	return added
}

func (p *Prefetcher) rejectLocked(reason string, n int) {
	p.stats.rejected[reason] += int64(n)
	for i := 0; i < n; i++ {
		p.metrics.RecordPrefetch("rejected_" + reason)
	}
}

// Enqueue adds tasks to the queue. A task for a target already queued merges
// into the existing entry; targets fetched within RefetchAfter are skipped.
// The queue stays sorted by priority then confidence and is capped at
// QueueCapacity. Returns the number of new entries kept.
func (p *Prefetcher) Enqueue(tasks ...Task) int {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueueLocked(now, tasks)
}

func (p *Prefetcher) enqueueLocked(now time.Time, tasks []Task) int {
	fresh := make(map[string]bool)
	for _, t := range tasks {
		if t.Target == "" {
			continue
		}
		if at, ok := p.fetched[t.Target]; ok && now.Sub(at) < p.config.RefetchAfter {
			p.rejectLocked(rejectRecent, 1)
			continue
		}
		p.fillLocked(&t, now)

		if i := p.queueIndexLocked(t.Target); i >= 0 {
			p.queue[i] = merge(p.queue[i], t)
			continue
		}
		p.queue = append(p.queue, t)
		fresh[t.Target] = true
	}

	sortTasks(p.queue)
	if over := len(p.queue) - p.config.QueueCapacity; over > 0 {
		for _, t := range p.queue[p.config.QueueCapacity:] {
			delete(fresh, t.Target)
		}
		p.queue = p.queue[:p.config.QueueCapacity]
		p.rejectLocked(rejectCapacity, over)
	}

	p.stats.queued += int64(len(fresh))
	for range fresh {
		p.metrics.RecordPrefetch("queued")
	}
	return len(fresh)
}

func (p *Prefetcher) fillLocked(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Kind == "" {
		t.Kind = KindOf(t.Target)
	}
	if t.Priority == "" {
		t.Priority = PriorityLow
	}
	if t.EstimatedSize <= 0 {
		t.EstimatedSize = p.config.Sizes.forKind(t.Kind)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
}

func (p *Prefetcher) queueIndexLocked(target string) int {
	for i, q := range p.queue {
		if q.Target == target {
			return i
		}
	}
	return -1
}

// Queue returns a copy of the queue, head first
func (p *Prefetcher) Queue() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Task, len(p.queue))
	copy(out, p.queue)
	return out
}

// Run drives the refresh, drain and persist loops until ctx is done
func (p *Prefetcher) Run(ctx context.Context) error {
	return schedule.Run(ctx, p.clock,
		schedule.Task{Name: "refresh", Interval: p.config.RefreshInterval, Run: func(ctx context.Context) { p.RefreshPredictions(ctx) }},
		schedule.Task{Name: "drain", Interval: p.config.DrainInterval, Run: func(ctx context.Context) { p.Drain(ctx) }},
		schedule.Task{Name: "persist", Interval: p.config.PersistInterval, Run: func(ctx context.Context) {
			if err := p.Save(ctx); err != nil {
				p.logger.Warn("Failed to persist prediction models", "error", err)
			}
		}},
	)
}
