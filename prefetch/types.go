package prefetch

import (
	"context"
	"path"
	"strings"
	"time"
)

// Priority of a prefetch task
type Priority string

// Task priorities, most urgent first
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities: critical 3 down to low 0
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func higher(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// User action types
const (
	ActionNavigation = "navigation"
	ActionClick      = "click"
	ActionHover      = "hover"
	ActionScroll     = "scroll"
	ActionSearch     = "search"
)

// KnownAction reports whether t is one of the recorded action types
func KnownAction(t string) bool {
	switch t {
	case ActionNavigation, ActionClick, ActionHover, ActionScroll, ActionSearch:
		return true
	}
	return false
}

// Action is one recorded user action
type Action struct {
	Type      string    `json:"type"`
	Target    string    `json:"target"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// TargetKind selects the fetch strategy of a target
type TargetKind string

// Target kinds
const (
	KindAPI    TargetKind = "api"
	KindStatic TargetKind = "static"
	KindRoute  TargetKind = "route"
)

// KindOf classifies a target: API paths, static files by extension,
// everything else is an app route.
func KindOf(target string) TargetKind {
	p := target
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch {
	case strings.HasPrefix(p, "/api/") || strings.Contains(p, "/api/"):
		return KindAPI
	case path.Ext(p) != "":
		return KindStatic
	default:
		return KindRoute
	}
}

// Task is a candidate or queued prefetch
type Task struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"`
	Kind          TargetKind `json:"kind"`
	Priority      Priority   `json:"priority"`
	Confidence    float64    `json:"confidence"`
	EstimatedSize int64      `json:"estimated_size"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Reason        string     `json:"reason"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NetworkClass is the effective connection type reported by the device
type NetworkClass string

// Network classes
const (
	NetworkSlow2G   NetworkClass = "slow-2g"
	Network2G       NetworkClass = "2g"
	Network3G       NetworkClass = "3g"
	Network4G       NetworkClass = "4g"
	NetworkWiFi     NetworkClass = "wifi"
	NetworkEthernet NetworkClass = "ethernet"
	NetworkUnknown  NetworkClass = "unknown"
)

// DeviceState is the battery and network condition prefetching is gated on
type DeviceState struct {
	// BatteryPercent is 0-100; negative means unknown
	BatteryPercent float64      `json:"battery_percent"`
	Charging       bool         `json:"charging"`
	Network        NetworkClass `json:"network"`
}

// DeviceProvider reports the current device state
type DeviceProvider interface {
	DeviceState() DeviceState
}

// StaticDevice is a DeviceProvider with a fixed state
type StaticDevice DeviceState

// DeviceState implements DeviceProvider
func (d StaticDevice) DeviceState() DeviceState { return DeviceState(d) }

// Fetcher performs one speculative fetch and returns the bytes transferred
type Fetcher interface {
	Fetch(ctx context.Context, task Task) (int64, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, task Task) (int64, error)

// Fetch implements Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, task Task) (int64, error) {
	return f(ctx, task)
}

// FetcherSet holds one fetch strategy per target kind; nil entries fail
type FetcherSet struct {
	API    Fetcher
	Static Fetcher
	Route  Fetcher
}

func (s FetcherSet) forKind(kind TargetKind) Fetcher {
	switch kind {
	case KindAPI:
		return s.API
	case KindStatic:
		return s.Static
	default:
		return s.Route
	}
}
