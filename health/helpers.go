package health

import (
	"fmt"
	"sort"
	"time"
)

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds sub-statuses into one:
// - any unhealthy sub-status makes the aggregate unhealthy
// - otherwise any degraded sub-status makes it degraded
// - otherwise it is healthy
//
// Sub-statuses are kept ordered by component name.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	var unhealthy, degraded []string
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var status Status
	switch {
	case len(unhealthy) > 0:
		sort.Strings(unhealthy)
		status = NewUnhealthy(component, fmt.Sprintf("Unhealthy: %v", unhealthy))
	case len(degraded) > 0:
		sort.Strings(degraded)
		status = NewDegraded(component, fmt.Sprintf("Degraded: %v", degraded))
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.SliceStable(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})
	return status
}
