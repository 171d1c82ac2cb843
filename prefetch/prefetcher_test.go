package prefetch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/kvstore"
	"github.com/devblac/sport-tracker-sub010/metric"
)

// calls records fetched targets in order
type calls struct {
	mu      sync.Mutex
	targets []string
}

func (c *calls) fetcher(size int64, fail map[string]bool) Fetcher {
	return FetcherFunc(func(_ context.Context, task Task) (int64, error) {
		c.mu.Lock()
		c.targets = append(c.targets, task.Target)
		c.mu.Unlock()
		if fail[task.Target] {
			return 0, fmt.Errorf("fetch %s: boom", task.Target)
		}
		return size, nil
	})
}

func (c *calls) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.targets...)
}

type fixture struct {
	p     *Prefetcher
	clock *clock.Mock
	store *kvstore.MemoryStore
	reg   *metric.MetricsRegistry
}

func newFixture(t *testing.T, mutate func(*Config), deps Deps) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewMock()
	// early afternoon: no hour-bound rule applies
	clk.Set(time.Date(2025, 3, 4, 13, 0, 0, 0, time.Local))
	store := kvstore.NewMemoryStore()
	reg := metric.NewMetricsRegistry()

	deps.Clock = clk
	deps.Registry = reg
	if deps.Store == nil {
		deps.Store = store
	}
	p, err := NewPrefetcher(cfg, deps)
	require.NoError(t, err)
	return &fixture{p: p, clock: clk, store: store, reg: reg}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.p.Start(ctx))
	t.Cleanup(func() {
		_ = f.p.Stop(time.Second)
		cancel()
	})
}

func findTask(tasks []Task, target string) (Task, bool) {
	for _, t := range tasks {
		if t.Target == target {
			return t, true
		}
	}
	return Task{}, false
}

func TestPrefetcher_LearnsRepeatedTransition(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/exercises", "/workout"))
		require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/workout", "/exercises"))
	}
	assert.Equal(t, "/workout", f.p.Location())

	tasks := f.p.GeneratePredictions("/workout")
	task, ok := findTask(tasks, "/exercises")
	require.True(t, ok, "expected /exercises among %v", tasks)
	assert.Equal(t, 1.0, task.Confidence)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, KindRoute, task.Kind)
	assert.Contains(t, task.Reason, "transition 100%")
	assert.Contains(t, task.Reason, "sequence")

	_, self := findTask(tasks, "/workout")
	assert.False(t, self, "current location is never predicted")

	// the workout-catalog rule contributes API targets
	_, ok = findTask(tasks, "/api/exercises")
	assert.True(t, ok)

	m := f.p.Models()
	require.Contains(t, m, "/workout")
	assert.Equal(t, 3, m["/workout"].NextRoutes["/exercises"])
	assert.Equal(t, []string{"/exercises"}, m["/workout"].TimePatterns[13])
	assert.Equal(t, []string{"/exercises"}, m["/workout"].SequencePatterns["/workout->/exercises->/workout"])
}

func TestPrefetcher_TransitionProbabilities(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Rules = nil }, Deps{})
	ctx := context.Background()

	for target, n := range map[string]int{"/a": 6, "/b": 3, "/c": 1} {
		for i := 0; i < n; i++ {
			require.NoError(t, f.p.RecordUserAction(ctx, ActionClick, target, "/home"))
		}
	}

	tasks := f.p.GeneratePredictions("/home")
	a, ok := findTask(tasks, "/a")
	require.True(t, ok)
	assert.InDelta(t, 0.6, a.Confidence, 1e-9)
	assert.Equal(t, PriorityHigh, a.Priority)

	b, ok := findTask(tasks, "/b")
	require.True(t, ok)
	assert.InDelta(t, 0.3, b.Confidence, 1e-9)
	assert.Equal(t, PriorityMedium, b.Priority)

	_, ok = findTask(tasks, "/c")
	assert.False(t, ok, "probability at the minimum is not a candidate")

	assert.Empty(t, f.p.GeneratePredictions("/unknown"))
}

func TestPrefetcher_RecordUserActionValidates(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	err := f.p.RecordUserAction(context.Background(), "", "/x", "/y")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	require.Error(t, f.p.RecordUserAction(context.Background(), ActionClick, "", "/y"))

	err = f.p.RecordUserAction(context.Background(), "view", "/x", "/y")
	assert.True(t, errors.IsInvalid(err), "unknown action types are rejected")

	for _, action := range []string{ActionNavigation, ActionClick, ActionHover, ActionScroll, ActionSearch} {
		assert.NoError(t, f.p.RecordUserAction(context.Background(), action, "/x", "/y"), action)
	}
}

func TestPrefetcher_PredictionHits(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Rules = nil }, Deps{})
	ctx := context.Background()

	require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/home", ""))
	require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/stats", "/home"))
	require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/home", "/stats"))
	// at /home the model predicts /stats
	require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/stats", "/home"))

	a := f.p.Analytics()
	assert.Equal(t, int64(4), a.Actions)
	assert.GreaterOrEqual(t, a.PredictionHits, int64(1))
	assert.Greater(t, a.Accuracy, 0.0)
	assert.LessOrEqual(t, a.Accuracy, 1.0)
	assert.Equal(t, 4, a.HistoryLength)
	assert.Equal(t, "/stats", a.Location)
}

func TestPrefetcher_EnqueueMergesAndOrders(t *testing.T) {
	f := newFixture(t, nil, Deps{})

	added := f.p.Enqueue(
		Task{Target: "/a", Priority: PriorityLow, Confidence: 0.9, Reason: "x"},
		Task{Target: "/b", Priority: PriorityHigh, Confidence: 0.4},
		Task{Target: "/c", Priority: PriorityHigh, Confidence: 0.8},
		Task{Target: "/a", Priority: PriorityMedium, Confidence: 0.5, Reason: "y", Dependencies: []string{"/api/a"}},
		Task{Target: ""},
	)
	assert.Equal(t, 3, added)

	q := f.p.Queue()
	require.Len(t, q, 3)
	assert.Equal(t, []string{"/c", "/b", "/a"}, []string{q[0].Target, q[1].Target, q[2].Target})
	assert.Equal(t, PriorityMedium, q[2].Priority)
	assert.Equal(t, 0.9, q[2].Confidence)
	assert.Equal(t, "x; y", q[2].Reason)
	assert.Equal(t, []string{"/api/a"}, q[2].Dependencies)
	assert.NotEmpty(t, q[0].ID)
	assert.Equal(t, int64(150*1024), q[0].EstimatedSize)

	// re-adding an existing target merges
	assert.Equal(t, 0, f.p.Enqueue(Task{Target: "/b", Priority: PriorityCritical}))
	assert.Equal(t, "/b", f.p.Queue()[0].Target)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.reg.CoreMetrics().PrefetchTasks.WithLabelValues("queued")))
}

func TestPrefetcher_QueueCapacity(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.QueueCapacity = 2 }, Deps{})

	added := f.p.Enqueue(
		Task{Target: "/low", Priority: PriorityLow, Confidence: 0.9},
		Task{Target: "/high", Priority: PriorityHigh, Confidence: 0.5},
		Task{Target: "/critical", Priority: PriorityCritical, Confidence: 0.1},
	)
	assert.Equal(t, 2, added)

	q := f.p.Queue()
	require.Len(t, q, 2)
	assert.Equal(t, "/critical", q[0].Target)
	assert.Equal(t, "/high", q[1].Target)
	assert.Equal(t, int64(1), f.p.Analytics().Rejected[rejectCapacity])
}

func TestPolicy_ShouldPrefetch(t *testing.T) {
	policy := DefaultPolicy()
	small := int64(50 * 1024)
	large := int64(600 * 1024)

	tests := []struct {
		name   string
		task   Task
		device DeviceState
		want   bool
	}{
		{"low battery blocks high", Task{Priority: PriorityHigh, Confidence: 1}, DeviceState{BatteryPercent: 10, Network: NetworkWiFi}, false},
		{"low battery allows critical", Task{Priority: PriorityCritical, Confidence: 1}, DeviceState{BatteryPercent: 10, Network: NetworkWiFi}, true},
		{"unknown battery ignored", Task{Priority: PriorityLow, Confidence: 0.4}, DeviceState{BatteryPercent: -1, Network: NetworkWiFi}, true},
		{"2g allows small critical", Task{Priority: PriorityCritical, Confidence: 0.1, EstimatedSize: small}, DeviceState{BatteryPercent: 80, Network: Network2G}, true},
		{"2g blocks large critical", Task{Priority: PriorityCritical, Confidence: 1, EstimatedSize: 200 * 1024}, DeviceState{BatteryPercent: 80, Network: Network2G}, false},
		{"slow-2g blocks high", Task{Priority: PriorityHigh, Confidence: 1, EstimatedSize: small}, DeviceState{BatteryPercent: 80, Network: NetworkSlow2G}, false},
		{"3g confident small", Task{Priority: PriorityLow, Confidence: 0.6, EstimatedSize: small}, DeviceState{BatteryPercent: 80, Network: Network3G}, true},
		{"3g at threshold", Task{Priority: PriorityLow, Confidence: 0.5, EstimatedSize: small}, DeviceState{BatteryPercent: 80, Network: Network3G}, false},
		{"3g too large", Task{Priority: PriorityHigh, Confidence: 0.9, EstimatedSize: large}, DeviceState{BatteryPercent: 80, Network: Network3G}, false},
		{"wifi low confidence", Task{Priority: PriorityLow, Confidence: 0.31, EstimatedSize: large}, DeviceState{BatteryPercent: 80, Network: NetworkWiFi}, true},
		{"4g below threshold", Task{Priority: PriorityLow, Confidence: 0.3}, DeviceState{BatteryPercent: 80, Network: Network4G}, false},
		{"unknown network default", Task{Priority: PriorityLow, Confidence: 0.61}, DeviceState{BatteryPercent: 80, Network: NetworkUnknown}, true},
		{"unknown network below default", Task{Priority: PriorityHigh, Confidence: 0.6}, DeviceState{BatteryPercent: 80, Network: NetworkUnknown}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldPrefetch(tt.task, tt.device))
		})
	}
}

func TestPrefetcher_RefreshAppliesPolicy(t *testing.T) {
	device := StaticDevice{BatteryPercent: 80, Network: Network3G}
	f := newFixture(t, nil, Deps{Device: device})
	ctx := context.Background()

	// /workout matches the catalog rule (confidence 0.7, API sized)
	require.NoError(t, f.p.RecordUserAction(ctx, ActionNavigation, "/workout", "/"))
	q := f.p.Queue()
	_, ok := findTask(q, "/api/exercises")
	assert.True(t, ok)

	f2 := newFixture(t, nil, Deps{Device: StaticDevice{BatteryPercent: 80, Network: NetworkSlow2G}})
	require.NoError(t, f2.p.RecordUserAction(ctx, ActionNavigation, "/workout", "/"))
	assert.Empty(t, f2.p.Queue())
	assert.Equal(t, int64(2), f2.p.Analytics().Rejected[rejectPolicy])
	assert.Equal(t, 2.0, testutil.ToFloat64(f2.reg.CoreMetrics().PrefetchTasks.WithLabelValues("rejected_policy")))
}

func TestRule_Matches(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		location string
		hour     int
		want     bool
	}{
		{"prefix all day", Rule{RoutePrefix: "/workout"}, "/workout/active", 3, true},
		{"prefix mismatch", Rule{RoutePrefix: "/workout"}, "/profile", 3, false},
		{"inside window", Rule{RoutePrefix: "/", FromHour: 5, ToHour: 10}, "/home", 7, true},
		{"window end exclusive", Rule{RoutePrefix: "/", FromHour: 5, ToHour: 10}, "/home", 10, false},
		{"wrapping window late", Rule{RoutePrefix: "/", FromHour: 22, ToHour: 2}, "/home", 23, true},
		{"wrapping window early", Rule{RoutePrefix: "/", FromHour: 22, ToHour: 2}, "/home", 1, true},
		{"wrapping window outside", Rule{RoutePrefix: "/", FromHour: 22, ToHour: 2}, "/home", 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(tt.location, tt.hour))
		})
	}
}

func TestPrefetcher_DrainRunsDependenciesFirst(t *testing.T) {
	var c calls
	fail := map[string]bool{"/api/broken": true}
	f := newFixture(t, func(cfg *Config) { cfg.Workers = 1 }, Deps{Fetchers: FetcherSet{
		API:   c.fetcher(100, fail),
		Route: c.fetcher(1000, fail),
	}})
	f.start(t)

	f.p.Enqueue(
		Task{Target: "/workout", Priority: PriorityCritical, Confidence: 0.9, Dependencies: []string{"/api/exercises"}},
		Task{Target: "/api/broken", Priority: PriorityHigh, Confidence: 0.9},
		Task{Target: "/api/workouts", Priority: PriorityLow, Confidence: 0.9},
		Task{Target: "/api/later", Priority: PriorityLow, Confidence: 0.1},
	)

	assert.Equal(t, 3, f.p.Drain(context.Background()))
	assert.Equal(t, []string{"/api/exercises", "/workout", "/api/broken", "/api/workouts"}, c.all())

	a := f.p.Analytics()
	assert.Equal(t, int64(2), a.Executed)
	assert.Equal(t, int64(1), a.Failed)
	assert.Equal(t, int64(1200), a.BytesFetched)
	assert.Equal(t, 1, a.QueueLength)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.reg.CoreMetrics().PrefetchTasks.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.CoreMetrics().PrefetchTasks.WithLabelValues("failed")))

	// fetched targets are suppressed until RefetchAfter; failed ones are not
	assert.Equal(t, 0, f.p.Enqueue(Task{Target: "/workout"}))
	assert.Equal(t, 1, f.p.Enqueue(Task{Target: "/api/broken"}))
	f.clock.Add(6 * time.Minute)
	assert.Equal(t, 1, f.p.Enqueue(Task{Target: "/workout"}))
	assert.Equal(t, int64(1), f.p.Analytics().Rejected[rejectRecent])
}

func TestPrefetcher_DrainByteBudget(t *testing.T) {
	var c calls
	f := newFixture(t, func(cfg *Config) { cfg.ByteBurst = 30 * 1024 }, Deps{Fetchers: FetcherSet{API: c.fetcher(10, nil)}})
	f.start(t)

	f.p.Enqueue(
		Task{Target: "/api/a", Priority: PriorityHigh, Confidence: 0.9},
		Task{Target: "/api/b", Priority: PriorityHigh, Confidence: 0.8},
	)
	assert.Equal(t, 1, f.p.Drain(context.Background()))
	assert.Equal(t, []string{"/api/a"}, c.all())
	assert.Equal(t, int64(1), f.p.Analytics().Rejected[rejectBudget])
	assert.Empty(t, f.p.Queue())
}

func TestPrefetcher_DrainMissingFetcherAndPanics(t *testing.T) {
	f := newFixture(t, nil, Deps{Fetchers: FetcherSet{
		Route: FetcherFunc(func(context.Context, Task) (int64, error) { panic("kaboom") }),
	}})
	f.start(t)

	f.p.Enqueue(Task{Target: "/api/x", Priority: PriorityHigh}, Task{Target: "/route", Priority: PriorityLow})
	assert.Equal(t, 2, f.p.Drain(context.Background()))
	a := f.p.Analytics()
	assert.Equal(t, int64(2), a.Failed)
	assert.Equal(t, int64(0), a.Executed)
	assert.Equal(t, int64(1), f.p.pool.Stats().Panicked)
}

func TestPrefetcher_DrainWithoutStart(t *testing.T) {
	var c calls
	f := newFixture(t, nil, Deps{Fetchers: FetcherSet{API: c.fetcher(1, nil)}})

	f.p.Enqueue(Task{Target: "/api/a", Priority: PriorityHigh})
	assert.Equal(t, 0, f.p.Drain(context.Background()))
	// the task goes back to the queue
	require.Len(t, f.p.Queue(), 1)
	assert.Empty(t, c.all())
}

func TestPrefetcher_StartTwice(t *testing.T) {
	f := newFixture(t, nil, Deps{})
	f.start(t)
	err := f.p.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestPrefetcher_PersistRoundTrip(t *testing.T) {
	ctx := context.Background()
	stores := map[string]func(t *testing.T) kvstore.Store{
		"memory": func(*testing.T) kvstore.Store { return kvstore.NewMemoryStore() },
		"bolt": func(t *testing.T) kvstore.Store {
			s, err := kvstore.OpenBolt(filepath.Join(t.TempDir(), "prefetch.db"), "", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			f := newFixture(t, nil, Deps{Store: store})
			require.NoError(t, f.p.RecordUserAction(ctx, ActionClick, "/stats", "/home"))
			require.NoError(t, f.p.RecordUserAction(ctx, ActionClick, "/stats", "/home"))
			require.NoError(t, f.p.Save(ctx))
			assert.False(t, f.p.Analytics().LastSave.IsZero())

			g := newFixture(t, nil, Deps{Store: store})
			require.NoError(t, g.p.Load(ctx))
			assert.Equal(t, f.p.Models(), g.p.Models())
			assert.Equal(t, 2, g.p.Models()["/home"].NextRoutes["/stats"])

			require.NoError(t, g.p.Reset(ctx))
			assert.Empty(t, g.p.Models())
			_, err := store.Get(ctx, DefaultConfig().StoreKey)
			assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		})
	}
}

func TestPrefetcher_LoadEdgeCases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Deps{})

	// nothing persisted yet
	require.NoError(t, f.p.Load(ctx))
	assert.Empty(t, f.p.Models())

	require.NoError(t, f.store.Put(ctx, DefaultConfig().StoreKey, []byte("{not json")))
	err := f.p.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)

	require.NoError(t, f.store.Put(ctx, DefaultConfig().StoreKey, []byte(`{"/home":{"nextRoutes":{"/a":2}},"/gone":null}`)))
	require.NoError(t, f.p.Load(ctx))
	m := f.p.Models()
	require.Len(t, m, 1)
	assert.NotNil(t, m["/home"].SequencePatterns)

	// loaded models feed predictions
	f.p.mu.Lock()
	f.p.config.Rules = nil
	f.p.mu.Unlock()
	task, ok := findTask(f.p.GeneratePredictions("/home"), "/a")
	require.True(t, ok)
	assert.Equal(t, 1.0, task.Confidence)
}

func TestPrefetcher_HistoryIsBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HistorySize = 5 }, Deps{})
	for i := 0; i < 12; i++ {
		require.NoError(t, f.p.RecordUserAction(context.Background(), ActionScroll, fmt.Sprintf("/item/%d", i), "/list"))
	}
	assert.Equal(t, 5, f.p.Analytics().HistoryLength)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"sequence longer than history": func(c *Config) { c.SequenceLength = c.HistorySize + 1 },
		"probability out of range":     func(c *Config) { c.MinTransitionProbability = 1 },
		"zero workers":                 func(c *Config) { c.Workers = 0 },
		"zero byte rate":               func(c *Config) { c.ByteRate = 0 },
		"missing store key":            func(c *Config) { c.StoreKey = "" },
		"rule without targets":         func(c *Config) { c.Rules = []Rule{{Name: "empty"}} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}
