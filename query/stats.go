package query

import (
	"sort"
	"time"

	"github.com/devblac/sport-tracker-sub010/usage"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeAborted = "aborted"
	outcomeCached  = "cached"
)

type totals struct {
	executions int64
	cacheHits  int64
	errors     int64
	aborted    int64
	totalTime  time.Duration
}

type queryStats struct {
	table        string
	executions   int64
	cacheHits    int64
	errors       int64
	aborted      int64
	totalTime    time.Duration
	maxTime      time.Duration
	lastExecuted time.Time
}

// QueryStats is the performance record of one query id
type QueryStats struct {
	QueryID      string        `json:"query_id"`
	Table        string        `json:"table"`
	Executions   int64         `json:"executions"`
	CacheHits    int64         `json:"cache_hits"`
	Errors       int64         `json:"errors"`
	Aborted      int64         `json:"aborted"`
	AverageTime  time.Duration `json:"average_time"`
	MaxTime      time.Duration `json:"max_time"`
	LastExecuted time.Time     `json:"last_executed"`
}

// TableCount is a table with its query count
type TableCount struct {
	Table   string `json:"table"`
	Queries int64  `json:"queries"`
}

// Report summarises query performance
type Report struct {
	TotalQueries         int64         `json:"total_queries"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	CacheHitRate         float64       `json:"cache_hit_rate"`
	ErrorCount           int64         `json:"error_count"`
	AbortedCount         int64         `json:"aborted_count"`
	SlowQueries          int           `json:"slow_queries"`
	TopTables            []TableCount  `json:"top_tables"`
	Queries              []QueryStats  `json:"queries"`
}

func (e *Executor) statsLocked(queryID, table string) *queryStats {
	qs, ok := e.perQuery.Get(queryID)
	if !ok {
		qs = &queryStats{table: table}
		e.perQuery.Add(queryID, qs)
	}
	return qs
}

// record accounts one backend execution
func (e *Executor) record(queryID string, opts Options, method string, elapsed time.Duration, outcome string) {
	now := e.clock.Now()

	e.mu.Lock()
	qs := e.statsLocked(queryID, opts.Table)
	qs.lastExecuted = now
	switch outcome {
	case outcomeAborted:
		qs.aborted++
		e.totals.aborted++
	default:
		qs.executions++
		qs.totalTime += elapsed
		if elapsed > qs.maxTime {
			qs.maxTime = elapsed
		}
		e.totals.executions++
		e.totals.totalTime += elapsed
		e.tables[opts.Table]++
		if outcome == outcomeError {
			qs.errors++
			e.totals.errors++
		}
	}
	e.mu.Unlock()

	e.metrics.RecordQuery(tableLabel(opts.Table), outcome, elapsed)
	if outcome != outcomeAborted && e.usage != nil {
		e.usage.TrackAPICall(usage.APICall{
			Endpoint:     opts.Table,
			Method:       method,
			ResponseTime: elapsed,
			Success:      outcome == outcomeSuccess,
		})
	}
}

func (e *Executor) recordCacheHit(queryID string, opts Options) {
	e.mu.Lock()
	qs := e.statsLocked(queryID, opts.Table)
	qs.cacheHits++
	qs.lastExecuted = e.clock.Now()
	e.totals.cacheHits++
	e.tables[opts.Table]++
	e.mu.Unlock()

	e.metrics.RecordCacheHit(tableLabel(opts.Table))
	e.metrics.RecordQuery(tableLabel(opts.Table), outcomeCached, 0)
	if e.usage != nil {
		e.usage.TrackAPICall(usage.APICall{Endpoint: opts.Table, Method: "cache", Success: true, Cached: true})
	}
}

func tableLabel(table string) string {
	if table == "" {
		return "unknown"
	}
	return table
}

func (qs *queryStats) snapshot(queryID string) QueryStats {
	out := QueryStats{
		QueryID:      queryID,
		Table:        qs.table,
		Executions:   qs.executions,
		CacheHits:    qs.cacheHits,
		Errors:       qs.errors,
		Aborted:      qs.aborted,
		MaxTime:      qs.maxTime,
		LastExecuted: qs.lastExecuted,
	}
	if qs.executions > 0 {
		out.AverageTime = qs.totalTime / time.Duration(qs.executions)
	}
	return out
}

// Stats returns the record of one query id
func (e *Executor) Stats(queryID string) (QueryStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	qs, ok := e.perQuery.Peek(queryID)
	if !ok {
		return QueryStats{}, false
	}
	return qs.snapshot(queryID), true
}

// Metrics returns the performance report. TotalQueries counts backend
// executions and cache hits; aborted calls are reported separately.
func (e *Executor) Metrics() Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.totals
	r := Report{
		TotalQueries: t.executions + t.cacheHits,
		ErrorCount:   t.errors,
		AbortedCount: t.aborted,
	}
	if t.executions > 0 {
		r.AverageExecutionTime = t.totalTime / time.Duration(t.executions)
	}
	if r.TotalQueries > 0 {
		r.CacheHitRate = float64(t.cacheHits) / float64(r.TotalQueries)
	}

	for table, n := range e.tables {
		r.TopTables = append(r.TopTables, TableCount{Table: table, Queries: n})
	}
	sort.Slice(r.TopTables, func(i, j int) bool {
		if r.TopTables[i].Queries != r.TopTables[j].Queries {
			return r.TopTables[i].Queries > r.TopTables[j].Queries
		}
		return r.TopTables[i].Table < r.TopTables[j].Table
	})
	if len(r.TopTables) > e.config.TopN {
		r.TopTables = r.TopTables[:e.config.TopN]
	}

	for _, id := range e.perQuery.Keys() {
		qs, ok := e.perQuery.Peek(id)
		if !ok {
			continue
		}
		snap := qs.snapshot(id)
		if snap.Executions > 0 && snap.AverageTime > e.config.SlowQueryThreshold {
			r.SlowQueries++
		}
		r.Queries = append(r.Queries, snap)
	}
	sort.Slice(r.Queries, func(i, j int) bool {
		a, b := r.Queries[i], r.Queries[j]
		if a.Executions+a.CacheHits != b.Executions+b.CacheHits {
			return a.Executions+a.CacheHits > b.Executions+b.CacheHits
		}
		return a.QueryID < b.QueryID
	})
	if len(r.Queries) > e.config.TopN {
		r.Queries = r.Queries[:e.config.TopN]
	}
	return r
}
