package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/backend/memory"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/usage"
)

type fixture struct {
	exec    *Executor
	cache   *cache.SizedLRU[any]
	clock   *clock.Mock
	backend *memory.Backend
	usage   *usage.Monitor
	reg     *metric.MetricsRegistry
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := clock.NewMock()
	c, err := cache.NewSizedLRU[any](1<<20, time.Minute, cache.WithClock[any](clk))
	require.NoError(t, err)
	mon, err := usage.NewMonitor(usage.DefaultConfig(), usage.Deps{Clock: clk})
	require.NoError(t, err)
	be := memory.New(memory.WithClock(clk),
		memory.WithTable("workouts", backend.Row{"id": 1, "user_id": "u1"}, backend.Row{"id": 2, "user_id": "u2"}),
		memory.WithTable("exercises"))
	reg := metric.NewMetricsRegistry()

	exec, err := NewExecutor(cfg, Deps{Backend: be, Cache: c, Usage: mon, Clock: clk, Registry: reg})
	require.NoError(t, err)
	return &fixture{exec: exec, cache: c, clock: clk, backend: be, usage: mon, reg: reg}
}

func TestExecute_CacheHitSkipsOperation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var calls int
	op := func(context.Context) (string, error) {
		calls++
		return "rows", nil
	}
	opts := Options{Table: "workouts", EnableCache: true}

	v, err := Execute(ctx, f.exec, op, "workouts:recent", opts)
	require.NoError(t, err)
	assert.Equal(t, "rows", v)

	v, err = Execute(ctx, f.exec, op, "workouts:recent", opts)
	require.NoError(t, err)
	assert.Equal(t, "rows", v)
	assert.Equal(t, 1, calls)

	report := f.exec.Metrics()
	assert.Equal(t, int64(2), report.TotalQueries)
	assert.InDelta(t, 0.5, report.CacheHitRate, 1e-9)

	u := f.usage.GetCurrentUsage()
	assert.Equal(t, int64(2), u.API.TotalCalls)
	assert.Equal(t, int64(1), u.API.CachedCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.CoreMetrics().QueryCacheHits.WithLabelValues("workouts")))
}

func TestExecute_CacheDisabledAlwaysRuns(t *testing.T) {
	f := newFixture(t, nil)
	var calls int
	op := func(context.Context) (int, error) { calls++; return calls, nil }

	for i := 0; i < 3; i++ {
		_, err := Execute(context.Background(), f.exec, op, "q", Options{Table: "workouts"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, f.cache.Len())
}

func TestExecute_ExpiredEntryRefetches(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StaleWhileRevalidate = false })
	var calls int
	op := func(context.Context) (int, error) { calls++; return calls, nil }
	opts := Options{Table: "workouts", EnableCache: true, CacheTTL: 10 * time.Second}

	v, _ := Execute(context.Background(), f.exec, op, "q", opts)
	assert.Equal(t, 1, v)
	f.clock.Add(10 * time.Second)
	v, _ = Execute(context.Background(), f.exec, op, "q", opts)
	assert.Equal(t, 2, v, "entry at createdAt+ttl is a miss")
}

func TestExecute_ErrorsRecordedAndPropagated(t *testing.T) {
	f := newFixture(t, nil)
	boom := errors.WrapTransient(errors.ErrConnectionLost, "test", "op", "run")
	op := func(context.Context) (string, error) { return "", boom }

	_, err := Execute(context.Background(), f.exec, op, "workouts:q", Options{Table: "workouts", EnableCache: true})
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.Equal(t, 0, f.cache.Len(), "failures are never cached")

	stats, ok := f.exec.Stats("workouts:q")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), f.exec.Metrics().ErrorCount)
	assert.Equal(t, int64(1), f.usage.GetCurrentUsage().API.FailedCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.reg.CoreMetrics().QueriesTotal.WithLabelValues("workouts", "error")))
}

func TestExecute_SupersessionAbortsPriorCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	opts := Options{Table: "workouts", EnableCache: true}

	started := make(chan struct{})
	release := make(chan struct{})
	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = Execute(ctx, f.exec, func(context.Context) (string, error) {
			close(started)
			<-release // ignores cancellation and would report stale data
			return "stale", nil
		}, "workouts:feed", opts)
	}()
	<-started

	v, err := Execute(ctx, f.exec, func(context.Context) (string, error) { return "fresh", nil }, "workouts:feed", opts)
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	close(release)
	wg.Wait()

	require.Error(t, firstErr)
	assert.ErrorIs(t, firstErr, errors.ErrQueryAborted)
	assert.True(t, errors.IsAborted(firstErr))

	cached, ok := f.cache.Get("workouts:feed")
	require.True(t, ok)
	assert.Equal(t, "fresh", cached, "aborted call never writes the cache")
	assert.Equal(t, int64(1), f.exec.Metrics().AbortedCount)
}

func TestExecute_SupersessionCancelsContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, f.exec, func(ctx context.Context) (int, error) {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}, "q", Options{})
		done <- err
	}()
	<-started

	_, err := Execute(ctx, f.exec, func(context.Context) (int, error) { return 1, nil }, "q", Options{})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errors.ErrQueryAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded call was not cancelled")
	}
}

func TestExecute_CallerCancellationAborts(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Execute(ctx, f.exec, func(context.Context) (int, error) {
		cancel()
		return 42, nil
	}, "q", Options{EnableCache: true})
	assert.ErrorIs(t, err, errors.ErrQueryAborted)
	assert.Equal(t, 0, f.cache.Len())
}

func TestExecute_StaleWhileRevalidate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var calls atomic.Int32
	op := func(context.Context) (int32, error) { return calls.Add(1), nil }
	opts := Options{Table: "workouts", EnableCache: true, CacheTTL: 100 * time.Second}

	v, err := Execute(ctx, f.exec, op, "workouts:stats", opts)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	f.clock.Add(50 * time.Second)
	v, _ = Execute(ctx, f.exec, op, "workouts:stats", opts)
	assert.Equal(t, int32(1), v)
	f.exec.Wait()
	assert.Equal(t, int32(1), calls.Load(), "young entries are not refreshed")

	f.clock.Add(30 * time.Second)
	v, _ = Execute(ctx, f.exec, op, "workouts:stats", opts)
	assert.Equal(t, int32(1), v, "stale value served immediately")
	f.exec.Wait()
	assert.Equal(t, int32(2), calls.Load())

	v, _ = Execute(ctx, f.exec, op, "workouts:stats", opts)
	assert.Equal(t, int32(2), v, "refreshed value served next time")
	f.exec.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_WrongTypeInCacheIsMiss(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.Put("q", "not an int", time.Minute)

	v, err := Execute(context.Background(), f.exec, func(context.Context) (int, error) { return 7, nil },
		"q", Options{EnableCache: true})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestExecute_LowPriorityIsRateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.LowPriorityRate = 0.01
		c.LowPriorityBurst = 1
	})
	op := func(context.Context) (int, error) { return 1, nil }

	_, err := Execute(context.Background(), f.exec, op, "a", Options{Priority: PriorityLow})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Execute(ctx, f.exec, op, "b", Options{Priority: PriorityLow})
	assert.ErrorIs(t, err, errors.ErrRateLimited)

	_, err = Execute(context.Background(), f.exec, op, "c", Options{Priority: PriorityHigh})
	assert.NoError(t, err, "high priority bypasses the limiter")
}

func TestExecuteOperation_CachesReadsAndInvalidatesOnWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sel := backend.Operation{Kind: backend.OpSelect, Table: "workouts",
		Filters: []backend.Filter{{Column: "user_id", Op: backend.Eq, Value: "u1"}}}
	opts := Options{EnableCache: true}

	res, err := f.exec.ExecuteOperation(ctx, sel, opts)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
	_, err = f.exec.ExecuteOperation(ctx, sel, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.backend.Executions())

	_, err = f.exec.ExecuteOperation(ctx, backend.Operation{Kind: backend.OpInsert, Table: "workouts",
		Values: map[string]any{"id": 3, "user_id": "u1"}}, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, f.cache.Len(), "write invalidates the table's cached reads")

	res, err = f.exec.ExecuteOperation(ctx, sel, opts)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.Equal(t, int64(3), f.backend.Executions())

	db := f.usage.GetCurrentUsage().Database
	assert.Equal(t, int64(2), db.Reads)
	assert.Equal(t, int64(1), db.Writes)
	assert.Positive(t, db.BytesRead)
}

func TestExecute_WriteDuringReadSkipsCachePut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := QueryID("workouts", "recent", nil)
	opts := Options{Table: "workouts", EnableCache: true}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string, 1)
	go func() {
		v, err := Execute(ctx, f.exec, func(context.Context) (string, error) {
			close(started)
			<-release
			return "before write", nil
		}, id, opts)
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	_, err := f.exec.ExecuteOperation(ctx, backend.Operation{Kind: backend.OpInsert, Table: "workouts",
		Values: map[string]any{"id": 3, "user_id": "u1"}}, Options{})
	require.NoError(t, err)
	close(release)
	assert.Equal(t, "before write", <-done, "the running read still returns its result")

	_, ok := f.cache.Get(id)
	assert.False(t, ok, "a read overtaken by a write must not be cached")

	var calls int
	v, err := Execute(ctx, f.exec, func(context.Context) (string, error) {
		calls++
		return "after write", nil
	}, id, opts)
	require.NoError(t, err)
	assert.Equal(t, "after write", v)
	assert.Equal(t, 1, calls)

	other := QueryID("exercises", "all", nil)
	_, err = Execute(ctx, f.exec, func(context.Context) (string, error) { return "x", nil }, other, Options{EnableCache: true})
	require.NoError(t, err)
	_, ok = f.cache.Get(other)
	assert.True(t, ok, "other tables keep caching")
}

func TestExecuteOperation_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.exec.ExecuteOperation(ctx, backend.Operation{Kind: backend.OpSelect, Table: "missing"}, Options{})
	assert.ErrorIs(t, err, errors.ErrUnknownTable)

	_, err = f.exec.ExecuteOperation(ctx, backend.Operation{Kind: backend.OpSelect}, Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidOperation)

	noBackend, err := NewExecutor(DefaultConfig(), Deps{})
	require.NoError(t, err)
	_, err = noBackend.ExecuteOperation(ctx, backend.Operation{Kind: backend.OpSelect, Table: "x"}, Options{})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}

func TestInvalidateTable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	op := func(context.Context) (int, error) { return 1, nil }

	for _, id := range []string{QueryID("workouts", "a", nil), QueryID("workouts", "b", nil), QueryID("exercises", "a", nil)} {
		_, err := Execute(ctx, f.exec, op, id, Options{EnableCache: true})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, f.exec.InvalidateTable("workouts"))
	assert.Equal(t, 1, f.cache.Len())
	assert.True(t, f.exec.Invalidate(QueryID("exercises", "a", nil)))
	assert.Equal(t, 0, f.cache.Len())
}

func TestMetrics_ReportOrdering(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TopN = 2; c.SlowQueryThreshold = time.Second })
	ctx := context.Background()

	slow := func(context.Context) (int, error) {
		f.clock.Add(2 * time.Second)
		return 1, nil
	}
	fast := func(context.Context) (int, error) { return 1, nil }

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, f.exec, fast, "exercises:list", Options{Table: "exercises"})
	}
	_, _ = Execute(ctx, f.exec, slow, "workouts:history", Options{Table: "workouts"})
	_, _ = Execute(ctx, f.exec, fast, "profiles:me", Options{Table: "profiles"})

	r := f.exec.Metrics()
	assert.Equal(t, int64(5), r.TotalQueries)
	assert.Equal(t, 1, r.SlowQueries)
	assert.Equal(t, 400*time.Millisecond, r.AverageExecutionTime)
	require.Len(t, r.TopTables, 2)
	assert.Equal(t, TableCount{Table: "exercises", Queries: 3}, r.TopTables[0])
	require.Len(t, r.Queries, 2)
	assert.Equal(t, "exercises:list", r.Queries[0].QueryID)
	assert.Equal(t, "profiles:me", r.Queries[1].QueryID, "ties ordered by id")
}

func TestPerQueryStatsAreBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxTrackedQueries = 3 })
	for i := 0; i < 10; i++ {
		_, _ = Execute(context.Background(), f.exec, func(context.Context) (int, error) { return i, nil },
			fmt.Sprintf("q%d", i), Options{})
	}
	assert.Len(t, f.exec.Metrics().Queries, 3)
	_, ok := f.exec.Stats("q0")
	assert.False(t, ok, "least recently used query stats are dropped")
	_, ok = f.exec.Stats("q9")
	assert.True(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.RevalidateFraction = 1
	bad.TopN = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
