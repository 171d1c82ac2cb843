package health

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
)

// Check probes one component
type Check func() Status

// Monitor holds the latest status of each component and the checks that
// refresh them
type Monitor struct {
	clock clock.Clock

	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates a new health monitor. A nil clock uses the wall clock.
func NewMonitor(clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		clock:    clk,
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Register adds a check run by Evaluate
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records the status of a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateLocked(name, status)
}

func (m *Monitor) updateLocked(name string, status Status) {
	status.Component = name
	status.Timestamp = m.clock.Now()
	m.statuses[name] = status
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded is a convenience method to update a component as degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, exists := m.statuses[name]
	return status, exists
}

// Remove stops tracking a component and drops its check
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Evaluate runs every registered check, records the results and returns the
// aggregate. Checks run outside the lock in name order.
func (m *Monitor) Evaluate(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	sort.Strings(names)
	results := make(map[string]Status, len(names))
	for _, name := range names {
		results[name] = checks[name]()
	}

	m.mu.Lock()
	for name, status := range results {
		m.updateLocked(name, status)
	}
	m.mu.Unlock()

	return m.AggregateHealth(systemName)
}

// AggregateHealth aggregates the latest recorded statuses
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	status := Aggregate(systemName, subs)
	status.Timestamp = m.clock.Now()
	return status
}
