// Package query executes named queries against the backend with response
// caching, supersession of in-flight duplicates, priority throttling and
// per-query performance tracking.
//
// A query is identified by its query id (see QueryID). Execute consults the
// cache first; on a miss it runs the operation, caches a successful result and
// records the outcome. A second call for the same id cancels the first, and a
// cancelled call never writes the cache nor reports success.
//
// Cache keys follow the "<table>:<digest>" convention so that InvalidateTable
// can drop every cached query of a table after a write.
package query

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/usage"
)

// Priority of a query
type Priority string

// Query priorities. Low-priority queries are rate limited.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Options control one execution
type Options struct {
	Table       string        `json:"table"`
	EnableCache bool          `json:"enable_cache"`
	CacheTTL    time.Duration `json:"cache_ttl"`
	Priority    Priority      `json:"priority"`
	Batchable   bool          `json:"batchable"`
}

// Deps are the executor's collaborators. Backend is required for
// ExecuteOperation; Cache nil means no caching.
type Deps struct {
	Backend  backend.Executor
	Cache    cache.Cache[any]
	Usage    usage.APIRecorder
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// QueryID returns the cache key of a logical query: "<table>:<digest>"
func QueryID(table, key string, options any) string {
	return cache.Fingerprint(table, key, options)
}

type inflight struct {
	cancel     context.CancelFunc
	superseded atomic.Bool
}

// Executor runs queries
type Executor struct {
	config  Config
	backend backend.Executor
	cache   cache.Cache[any]
	usage   usage.APIRecorder
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
	limiter *rate.Limiter

	mu           sync.Mutex
	inflight     map[string]*inflight
	revalidating map[string]bool
	totals       totals
	tables       map[string]int64
	perQuery     *lru.Cache[string, *queryStats]

	// generations counts invalidations per table; a result whose table was
	// invalidated while it ran is returned but not cached
	generations map[string]uint64

	background sync.WaitGroup
}

// NewExecutor creates an Executor
func NewExecutor(config Config, deps Deps) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewNoop[any]()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	perQuery, err := lru.New[string, *queryStats](config.MaxTrackedQueries)
	if err != nil {
		return nil, errors.WrapInvalid(err, "query", "NewExecutor", "create query stats")
	}

	return &Executor{
		config:       config,
		backend:      deps.Backend,
		cache:        deps.Cache,
		usage:        deps.Usage,
		clock:        deps.Clock,
		logger:       deps.Logger.With("component", "query"),
		metrics:      deps.Registry.CoreMetrics(),
		limiter:      rate.NewLimiter(rate.Limit(config.LowPriorityRate), config.LowPriorityBurst),
		inflight:     make(map[string]*inflight),
		revalidating: make(map[string]bool),
		tables:       make(map[string]int64),
		perQuery:     perQuery,
		generations:  make(map[string]uint64),
	}, nil
}

// run is one execution request
type run[T any] struct {
	op        func(context.Context) (T, error)
	queryID   string
	opts      Options
	method    string
	supersede bool
	// skipLookup bypasses the cache read (background revalidation)
	skipLookup bool
}

// Execute runs op under queryID with caching, supersession and tracking.
//
// A live cache entry is returned without running op. Otherwise op runs with a
// context that is cancelled if another Execute for the same queryID starts;
// the superseded call returns ErrQueryAborted. Errors from op are recorded
// and returned unchanged.
func Execute[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error), queryID string, opts Options) (T, error) {
	return execute(ctx, e, run[T]{op: op, queryID: queryID, opts: opts, method: "query", supersede: true})
}

func execute[T any](ctx context.Context, e *Executor, r run[T]) (T, error) {
	var zero T
	opts := e.normalize(r.opts)

	if opts.EnableCache && !r.skipLookup {
		if v, info, ok := e.cache.Lookup(r.queryID); ok {
			if typed, ok := v.(T); ok {
				e.recordCacheHit(r.queryID, opts)
				if e.shouldRevalidate(info) {
					revalidate(ctx, e, r)
				}
				return typed, nil
			}
			// wrong type under this key degrades to a miss
			e.cache.Invalidate(r.queryID)
		}
	}

	if opts.Priority == PriorityLow {
		if err := e.limiter.Wait(ctx); err != nil {
			e.record(r.queryID, opts, r.method, 0, outcomeAborted)
			return zero, errors.WrapTransient(errors.ErrRateLimited, "query", "Execute", "wait for low priority slot")
		}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	call := &inflight{cancel: cancel}

	if r.supersede {
		e.mu.Lock()
		if prev := e.inflight[r.queryID]; prev != nil {
			prev.superseded.Store(true)
			prev.cancel()
			e.logger.Debug("Query superseded", "query_id", r.queryID)
		}
		e.inflight[r.queryID] = call
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			if e.inflight[r.queryID] == call {
				delete(e.inflight, r.queryID)
			}
			e.mu.Unlock()
		}()
	}

	gen := e.generation(r.queryID)
	start := e.clock.Now()
	value, err := r.op(callCtx)
	elapsed := e.clock.Since(start)

	if call.superseded.Load() || ctx.Err() != nil {
		e.record(r.queryID, opts, r.method, elapsed, outcomeAborted)
		return zero, errors.WrapTransient(errors.ErrQueryAborted, "query", "Execute", "run "+r.queryID)
	}
	if err != nil {
		e.record(r.queryID, opts, r.method, elapsed, outcomeError)
		e.logger.Debug("Query failed", "query_id", r.queryID, "table", opts.Table, "error", err)
		return zero, err
	}

	if opts.EnableCache {
		if e.generation(r.queryID) == gen {
			e.cache.Put(r.queryID, value, opts.CacheTTL)
		} else {
			e.logger.Debug("Result not cached, table invalidated during query", "query_id", r.queryID)
		}
	}
	e.record(r.queryID, opts, r.method, elapsed, outcomeSuccess)
	return value, nil
}

func (e *Executor) normalize(opts Options) Options {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = e.config.DefaultCacheTTL
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	return opts
}

func (e *Executor) shouldRevalidate(info cache.EntryInfo) bool {
	if !e.config.StaleWhileRevalidate || info.TTL <= 0 {
		return false
	}
	threshold := time.Duration(float64(info.TTL) * e.config.RevalidateFraction)
	return info.Age(e.clock.Now()) >= threshold
}

// revalidate refreshes a cached query in the background, once per query id.
// The refresh outlives the caller's context but not its values.
func revalidate[T any](ctx context.Context, e *Executor, r run[T]) {
	e.mu.Lock()
	if e.revalidating[r.queryID] {
		e.mu.Unlock()
		return
	}
	e.revalidating[r.queryID] = true
	e.mu.Unlock()

	r.skipLookup = true
	r.method = "revalidate"
	refreshCtx := context.WithoutCancel(ctx)

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		defer func() {
			e.mu.Lock()
			delete(e.revalidating, r.queryID)
			e.mu.Unlock()
		}()

		if _, err := execute(refreshCtx, e, r); err != nil {
			e.logger.Debug("Background revalidation failed", "query_id", r.queryID, "error", err)
		}
	}()
}

// Wait blocks until background revalidations finish
func (e *Executor) Wait() {
	e.background.Wait()
}

// tableOf is the table part of a "<table>:<digest>" query id
func tableOf(queryID string) string {
	table, _, _ := strings.Cut(queryID, ":")
	return table
}

func (e *Executor) generation(queryID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generations[tableOf(queryID)]
}

func (e *Executor) bumpGeneration(table string) {
	e.mu.Lock()
	e.generations[table]++
	e.mu.Unlock()
}

// Invalidate drops one cached query. Queries of the same table still running
// will not cache their results.
func (e *Executor) Invalidate(queryID string) bool {
	e.bumpGeneration(tableOf(queryID))
	return e.cache.Invalidate(queryID)
}

// InvalidateTable drops every cached query of table, including the results of
// queries still running against it
func (e *Executor) InvalidateTable(table string) int {
	e.bumpGeneration(table)
	n := e.cache.InvalidatePrefix(table + ":")
	if n > 0 {
		e.logger.Debug("Table cache invalidated", "table", table, "entries", n)
	}
	return n
}

// ExecuteOperation runs a backend operation. Reads are identified by the
// fingerprint of the operation; writes are never cached, never superseded and
// invalidate the cached queries of their table on success.
func (e *Executor) ExecuteOperation(ctx context.Context, op backend.Operation, opts Options) (backend.Result, error) {
	if e.backend == nil {
		return backend.Result{}, errors.WrapTransient(errors.ErrNoConnection, "query", "ExecuteOperation", "resolve backend")
	}
	if err := op.Validate(); err != nil {
		return backend.Result{}, err
	}
	if opts.Table == "" {
		opts.Table = op.Table
	}

	write := op.Kind.IsWrite()
	if write {
		opts.EnableCache = false
	}

	result, err := execute(ctx, e, run[backend.Result]{
		op: func(ctx context.Context) (backend.Result, error) {
			res, err := e.backend.Execute(ctx, op)
			if err == nil && e.usage != nil {
				e.usage.TrackDatabaseOperation(op.Kind, int64(cache.JSONSizer(res.Rows)))
			}
			return res, err
		},
		queryID:   OperationID(op),
		opts:      opts,
		method:    string(op.Kind),
		supersede: !write,
	})
	if err != nil {
		return result, err
	}

	if write {
		e.InvalidateTable(op.Table)
	}
	return result, nil
}

// OperationID is the query id ExecuteOperation uses for op
func OperationID(op backend.Operation) string {
	return QueryID(op.Table, string(op.Kind), op)
}
