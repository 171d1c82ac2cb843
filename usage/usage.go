// Package usage accumulates API, database and realtime usage counters and
// derives alerts and optimization suggestions from them.
//
// The Monitor is a pure in-process accumulator: it performs no I/O and has no
// failure modes. The query executor and the realtime manager report into it
// through the APIRecorder and RealtimeRecorder interfaces.
package usage

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/metric"
	"github.com/devblac/sport-tracker-sub010/pkg/buffer"
)

// APICall describes one query or request made on behalf of the caller
type APICall struct {
	Endpoint     string
	Method       string
	ResponseTime time.Duration
	Success      bool
	Cached       bool
}

// Direction of a realtime message
type Direction string

// Message directions
const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// APIRecorder receives query-layer usage
type APIRecorder interface {
	TrackAPICall(call APICall)
	TrackDatabaseOperation(kind backend.OpKind, bytes int64)
}

// RealtimeRecorder receives realtime usage
type RealtimeRecorder interface {
	TrackRealtimeSubscription(count int)
	TrackRealtimeMessage(direction Direction)
}

// EndpointUsage is the per-endpoint breakdown
type EndpointUsage struct {
	Calls               int64         `json:"calls"`
	Failures            int64         `json:"failures"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// APIUsage summarises API calls
type APIUsage struct {
	TotalCalls          int64                    `json:"total_calls"`
	CallsInWindow       int                      `json:"calls_in_window"`
	WindowOverflows     int64                    `json:"window_overflows"` // calls lost from a full window
	SuccessfulCalls     int64                    `json:"successful_calls"`
	FailedCalls         int64                    `json:"failed_calls"`
	CachedCalls         int64                    `json:"cached_calls"`
	CacheHitRate        float64                  `json:"cache_hit_rate"`
	ErrorRate           float64                  `json:"error_rate"`
	AverageResponseTime time.Duration            `json:"average_response_time"`
	Endpoints           map[string]EndpointUsage `json:"endpoints"`
}

// DatabaseUsage summarises table operations
type DatabaseUsage struct {
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
}

// TotalBytes returns bytes read plus bytes written
func (d DatabaseUsage) TotalBytes() int64 { return d.BytesRead + d.BytesWritten }

// RealtimeUsage summarises subscriptions and messages
type RealtimeUsage struct {
	ActiveSubscriptions int   `json:"active_subscriptions"`
	PeakSubscriptions   int   `json:"peak_subscriptions"`
	MessagesIn          int64 `json:"messages_in"`
	MessagesOut         int64 `json:"messages_out"`
}

// Usage is a point-in-time copy of all counters
type Usage struct {
	Since    time.Time     `json:"since"`
	API      APIUsage      `json:"api"`
	Database DatabaseUsage `json:"database"`
	Realtime RealtimeUsage `json:"realtime"`
}

// Severity of an alert
type Severity string

// Alert severities
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a threshold crossing
type Alert struct {
	Kind      string   `json:"kind"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// Suggestion is static optimization advice derived from the counters
type Suggestion struct {
	Category string `json:"category"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

type endpointCounters struct {
	calls, failures int64
	totalTime       time.Duration
}

// Monitor accumulates usage counters
type Monitor struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics

	windowOverflows atomic.Int64

	mu        sync.Mutex
	since     time.Time
	calls     buffer.Buffer[time.Time]
	api       APIUsage
	totalTime time.Duration
	endpoints map[string]*endpointCounters
	db        DatabaseUsage
	realtime  RealtimeUsage
}

var (
	_ APIRecorder      = (*Monitor)(nil)
	_ RealtimeRecorder = (*Monitor)(nil)
)

// Deps are the Monitor's collaborators; all optional
type Deps struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Registry *metric.MetricsRegistry
}

// NewMonitor creates a Monitor
func NewMonitor(config Config, deps Deps) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	m := &Monitor{
		config:    config,
		clock:     deps.Clock,
		logger:    deps.Logger.With("component", "usage"),
		metrics:   deps.Registry.CoreMetrics(),
		endpoints: make(map[string]*endpointCounters),
		since:     deps.Clock.Now(),
	}

	// a full window loses calls that are still inside it, so the rate
	// it reports is a lower bound from then on
	calls, err := buffer.NewCircularBuffer[time.Time](config.WindowCapacity,
		buffer.WithMetrics[time.Time](deps.Registry, "usage_call_window"),
		buffer.WithDropCallback[time.Time](func(time.Time) { m.windowOverflows.Add(1) }))
	if err != nil {
		return nil, err
	}
	m.calls = calls
	return m, nil
}

// TrackAPICall records one call
func (m *Monitor) TrackAPICall(call APICall) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Write(now)
	m.api.TotalCalls++
	if call.Success {
		m.api.SuccessfulCalls++
	} else {
		m.api.FailedCalls++
	}
	if call.Cached {
		m.api.CachedCalls++
	}
	m.totalTime += call.ResponseTime

	key := call.Endpoint
	if call.Method != "" {
		key = call.Method + " " + call.Endpoint
	}
	ep := m.endpoints[key]
	if ep == nil {
		ep = &endpointCounters{}
		m.endpoints[key] = ep
	}
	ep.calls++
	ep.totalTime += call.ResponseTime
	if !call.Success {
		ep.failures++
	}
}

// TrackDatabaseOperation records one table operation moving bytes
func (m *Monitor) TrackDatabaseOperation(kind backend.OpKind, bytes int64) {
	if bytes < 0 {
		bytes = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind.IsWrite() {
		m.db.Writes++
		m.db.BytesWritten += bytes
		return
	}
	m.db.Reads++
	m.db.BytesRead += bytes
}

// TrackRealtimeSubscription records the current live subscription count
func (m *Monitor) TrackRealtimeSubscription(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.realtime.ActiveSubscriptions = count
	if count > m.realtime.PeakSubscriptions {
		m.realtime.PeakSubscriptions = count
	}
}

// TrackRealtimeMessage records one realtime message
func (m *Monitor) TrackRealtimeMessage(direction Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if direction == Outbound {
		m.realtime.MessagesOut++
		return
	}
	m.realtime.MessagesIn++
}

// GetCurrentUsage returns a copy of the counters
func (m *Monitor) GetCurrentUsage() Usage {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked(now)
}

func (m *Monitor) usageLocked(now time.Time) Usage {
	cutoff := now.Add(-m.config.Window)
	m.calls.DropWhile(func(ts time.Time) bool { return !ts.After(cutoff) })

	api := m.api
	api.CallsInWindow = m.calls.Size()
	api.WindowOverflows = m.windowOverflows.Load()
	if api.TotalCalls > 0 {
		api.CacheHitRate = float64(api.CachedCalls) / float64(api.TotalCalls)
		api.ErrorRate = float64(api.FailedCalls) / float64(api.TotalCalls)
		api.AverageResponseTime = m.totalTime / time.Duration(api.TotalCalls)
	}
	api.Endpoints = make(map[string]EndpointUsage, len(m.endpoints))
	for k, ep := range m.endpoints {
		api.Endpoints[k] = EndpointUsage{
			Calls:               ep.calls,
			Failures:            ep.failures,
			AverageResponseTime: ep.totalTime / time.Duration(ep.calls),
		}
	}

	return Usage{Since: m.since, API: api, Database: m.db, Realtime: m.realtime}
}

// GetActiveAlerts returns the thresholds currently exceeded, most severe first
func (m *Monitor) GetActiveAlerts() []Alert {
	u := m.GetCurrentUsage()
	c := m.config
	var alerts []Alert

	add := func(kind string, value, threshold float64, format string) {
		if value <= threshold {
			return
		}
		sev := SeverityWarning
		if value > 2*threshold {
			sev = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Kind:      kind,
			Severity:  sev,
			Message:   fmt.Sprintf(format, value, threshold),
			Value:     value,
			Threshold: threshold,
		})
	}

	add("high_call_rate", float64(u.API.CallsInWindow), float64(c.MaxCallsPerWindow),
		"%.0f API calls in the current window exceed %.0f")
	add("database_volume", float64(u.Database.TotalBytes()), float64(c.MaxDatabaseBytes),
		"%.0f database bytes exceed %.0f")
	add("subscription_count", float64(u.Realtime.ActiveSubscriptions), float64(c.MaxSubscriptions),
		"%.0f live subscriptions exceed %.0f")
	add("message_volume", float64(u.Realtime.MessagesIn+u.Realtime.MessagesOut), float64(c.MaxRealtimeMessages),
		"%.0f realtime messages exceed %.0f")
	if u.API.TotalCalls > 0 {
		add("slow_responses", u.API.AverageResponseTime.Seconds(), c.SlowResponse.Seconds(),
			"average response time %.3fs exceeds %.3fs")
	}
	if u.API.TotalCalls >= c.MinCallsForHitRate {
		add("error_rate", u.API.ErrorRate, c.MaxErrorRate, "error rate %.2f exceeds %.2f")
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Severity == SeverityCritical && alerts[j].Severity != SeverityCritical
	})

	m.metrics.SetActiveAlerts(len(alerts))
	if len(alerts) > 0 {
		m.logger.Debug("Usage alerts active", "count", len(alerts))
	}
	return alerts
}

// GetOptimizationSuggestions derives advice from the counters
func (m *Monitor) GetOptimizationSuggestions() []Suggestion {
	u := m.GetCurrentUsage()
	c := m.config
	near := func(value, threshold float64) bool { return value >= threshold*c.SuggestFraction }
	var out []Suggestion

	if near(float64(u.API.CallsInWindow), float64(c.MaxCallsPerWindow)) {
		out = append(out, Suggestion{Category: "api", Priority: "high",
			Message: "High API call volume: batch related queries and enable caching for repeated reads"})
	}
	if u.API.TotalCalls >= c.MinCallsForHitRate && u.API.CacheHitRate < c.MinCacheHitRate {
		out = append(out, Suggestion{Category: "cache", Priority: "medium",
			Message: fmt.Sprintf("Cache hit rate %.0f%% is low: cache more queries or lengthen TTLs", u.API.CacheHitRate*100)})
	}
	if u.API.TotalCalls >= c.MinCallsForHitRate && u.API.ErrorRate > c.MaxErrorRate {
		out = append(out, Suggestion{Category: "api", Priority: "high",
			Message: fmt.Sprintf("Failing endpoint %q: review its inputs and backend health", topFailing(u.API.Endpoints))})
	}
	if u.API.TotalCalls > 0 && u.API.AverageResponseTime > c.SlowResponse {
		out = append(out, Suggestion{Category: "database", Priority: "medium",
			Message: "Slow responses: add indexes on filtered columns and select fewer columns"})
	}
	if near(float64(u.Database.TotalBytes()), float64(c.MaxDatabaseBytes)) {
		out = append(out, Suggestion{Category: "database", Priority: "medium",
			Message: "Large database transfer: paginate results and project only needed columns"})
	}
	if near(float64(u.Realtime.PeakSubscriptions), float64(c.MaxSubscriptions)) {
		out = append(out, Suggestion{Category: "realtime", Priority: "medium",
			Message: "Many live subscriptions: consolidate channels per table and unsubscribe hidden views"})
	}
	if near(float64(u.Realtime.MessagesIn+u.Realtime.MessagesOut), float64(c.MaxRealtimeMessages)) {
		out = append(out, Suggestion{Category: "realtime", Priority: "low",
			Message: "High realtime message volume: mark subscriptions batchable"})
	}
	return out
}

func topFailing(endpoints map[string]EndpointUsage) string {
	best, bestFailures := "", int64(-1)
	for k, ep := range endpoints {
		if ep.Failures > bestFailures || (ep.Failures == bestFailures && k < best) {
			best, bestFailures = k, ep.Failures
		}
	}
	return best
}

// Reset clears every counter
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls.Clear()
	m.windowOverflows.Store(0)
	m.api = APIUsage{}
	m.totalTime = 0
	m.endpoints = make(map[string]*endpointCounters)
	m.db = DatabaseUsage{}
	m.realtime = RealtimeUsage{}
	m.since = m.clock.Now()
	m.metrics.SetActiveAlerts(0)
}
