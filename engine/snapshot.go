package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/devblac/sport-tracker-sub010/health"
	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/prefetch"
	"github.com/devblac/sport-tracker-sub010/preload"
	"github.com/devblac/sport-tracker-sub010/query"
	"github.com/devblac/sport-tracker-sub010/realtime"
	"github.com/devblac/sport-tracker-sub010/usage"
)

// Component names used by Snapshot, Component and the health report
const (
	ComponentCache    = "cache"
	ComponentQuery    = "queries"
	ComponentRealtime = "subscriptions"
	ComponentPrefetch = "prefetch"
	ComponentPreload  = "preload"
	ComponentUsage    = "usage"
	ComponentBackend  = "backend"
)

// healthModels reports whether the prediction models were restored on start
const healthModels = "models"

// Snapshot is the combined diagnostic report of every component
type Snapshot struct {
	Cache       cache.Summary      `json:"cache"`
	Query       query.Report       `json:"query"`
	Realtime    realtime.Snapshot  `json:"realtime"`
	Prefetch    prefetch.Analytics `json:"prefetch"`
	Preload     *preload.Summary   `json:"preload,omitempty"`
	Usage       usage.Usage        `json:"usage"`
	Alerts      []usage.Alert      `json:"alerts"`
	Suggestions []usage.Suggestion `json:"suggestions"`
}

// Snapshot collects the reports of every component
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Cache:       e.cache.Summary(e.config.Cache.TopN),
		Query:       e.queries.Metrics(),
		Realtime:    e.realtime.Metrics(),
		Prefetch:    e.prefetch.Analytics(),
		Usage:       e.usage.GetCurrentUsage(),
		Alerts:      e.usage.GetActiveAlerts(),
		Suggestions: e.usage.GetOptimizationSuggestions(),
	}
	if e.preloader != nil {
		summary := e.preloader.Summary()
		snap.Preload = &summary
	}
	return snap
}

// Component returns the report of one component by name
func (e *Engine) Component(name string) (any, bool) {
	switch name {
	case ComponentCache:
		return e.cache.Summary(e.config.Cache.TopN), true
	case ComponentQuery:
		return e.queries.Metrics(), true
	case ComponentRealtime:
		return e.realtime.Metrics(), true
	case ComponentPrefetch:
		return e.prefetch.Analytics(), true
	case ComponentPreload:
		if e.preloader == nil {
			return nil, false
		}
		return e.preloader.Summary(), true
	case ComponentUsage:
		return struct {
			Usage       usage.Usage        `json:"usage"`
			Alerts      []usage.Alert      `json:"alerts"`
			Suggestions []usage.Suggestion `json:"suggestions"`
		}{e.usage.GetCurrentUsage(), e.usage.GetActiveAlerts(), e.usage.GetOptimizationSuggestions()}, true
	}
	return nil, false
}

// Components lists the names Component accepts
func (e *Engine) Components() []string {
	names := []string{ComponentCache, ComponentQuery, ComponentRealtime, ComponentPrefetch}
	if e.preloader != nil {
		names = append(names, ComponentPreload)
	}
	return append(names, ComponentUsage)
}

// Health evaluates every check and returns the aggregate
func (e *Engine) Health() health.Status {
	status := e.monitor.Evaluate("fitopt")
	e.metrics.setHealth(status)
	return status
}

// RegisterCheck adds a probe of a collaborator the engine does not own,
// such as the message bus connection
func (e *Engine) RegisterCheck(name string, check health.Check) {
	e.monitor.Register(name, check)
}

func (e *Engine) registerChecks() {
	e.monitor.Register(ComponentRealtime, func() health.Status {
		snap := e.realtime.Metrics()
		if n := snap.ByStatus[realtime.StatusError]; n > 0 {
			return health.NewDegraded(ComponentRealtime, fmt.Sprintf("%d of %d subscriptions in error", n, snap.Total))
		}
		return health.NewHealthy(ComponentRealtime, fmt.Sprintf("%d subscriptions, activity %s", snap.Total, snap.ActivityLevel))
	})

	e.monitor.Register(ComponentUsage, func() health.Status {
		alerts := e.usage.GetActiveAlerts()
		if len(alerts) == 0 {
			return health.NewHealthy(ComponentUsage, "within limits")
		}
		kinds := make([]string, 0, len(alerts))
		for _, a := range alerts {
			kinds = append(kinds, a.Kind)
		}
		return health.NewDegraded(ComponentUsage, "active alerts: "+strings.Join(kinds, ", "))
	})

	e.monitor.Register(ComponentCache, func() health.Status {
		s := e.cache.Summary(0)
		if !e.config.Cache.Enabled {
			return health.NewHealthy(ComponentCache, "disabled")
		}
		return health.NewHealthy(ComponentCache, fmt.Sprintf("%d entries, %d/%d bytes", s.EntryCount, s.SizeBytes, s.MaxSize))
	})

	e.monitor.Register(ComponentBackend, func() health.Status {
		if e.ping == nil {
			return health.NewHealthy(ComponentBackend, "no probe configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.config.HealthProbeTimeout)
		defer cancel()
		if err := e.ping(ctx); err != nil {
			return health.FromError(ComponentBackend, err)
		}
		return health.NewHealthy(ComponentBackend, "reachable")
	})
}
