package preload

import (
	"sort"
	"time"
)

// RouteStats describes one preload record
type RouteStats struct {
	Route        string        `json:"route"`
	Trigger      string        `json:"trigger"`
	Loaded       bool          `json:"loaded"`
	PreloadTime  time.Duration `json:"preload_time"`
	Attempts     int           `json:"attempts"`
	HitRate      float64       `json:"hit_rate"`
	Accesses     int64         `json:"accesses"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// Summary aggregates the preloader state
type Summary struct {
	Routes      []RouteStats  `json:"routes"`
	Loaded      int           `json:"loaded"`
	InFlight    int           `json:"in_flight"`
	PendingIdle int           `json:"pending_idle"`
	Bindings    int           `json:"viewport_bindings"`
	Failures    int64         `json:"failures"`
	CleanedUp   int64         `json:"cleaned_up"`
	AvgPreload  time.Duration `json:"avg_preload_time"`
	AvgHitRate  float64       `json:"avg_hit_rate"`
}

func (e *entry) stats() RouteStats {
	return RouteStats{
		Route:        e.route,
		Trigger:      e.trigger,
		Loaded:       e.loaded,
		PreloadTime:  e.preloadTime,
		Attempts:     e.attempts,
		HitRate:      e.hitRate,
		Accesses:     e.accesses,
		LastAccessed: e.lastAccessed,
	}
}

// Stats returns every record ordered by route
func (p *Preloader) Stats() []RouteStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Preloader) statsLocked() []RouteStats {
	out := make([]RouteStats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Stat returns the record for route
func (p *Preloader) Stat(route string) (RouteStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[route]
	if !ok {
		return RouteStats{}, false
	}
	return e.stats(), true
}

// Summary returns the aggregate state
func (p *Preloader) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Summary{
		Routes:      p.statsLocked(),
		PendingIdle: len(p.idleQueue),
		Bindings:    len(p.viewport),
		Failures:    p.failures,
		CleanedUp:   p.removed,
	}
	var total time.Duration
	var hits float64
	for _, r := range s.Routes {
		if !r.Loaded {
			s.InFlight++
			continue
		}
		s.Loaded++
		total += r.PreloadTime
		hits += r.HitRate
	}
	if s.Loaded > 0 {
		s.AvgPreload = total / time.Duration(s.Loaded)
		s.AvgHitRate = hits / float64(s.Loaded)
	}
	return s
}
