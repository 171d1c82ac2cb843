package realtime

import (
	"sort"
	"time"
)

// Snapshot is the subscription report
type Snapshot struct {
	Total           int              `json:"total"`
	ByStatus        map[Status]int   `json:"by_status"`
	ByPriority      map[Priority]int `json:"by_priority"`
	ActivityLevel   ActivityLevel    `json:"activity_level"`
	LastInteraction time.Time        `json:"last_interaction"`
	PendingBatches  int              `json:"pending_batches"`
	PendingEvents   int              `json:"pending_events"`

	MessagesReceived int64 `json:"messages_received"`
	Errors           int64 `json:"errors"`
	Created          int64 `json:"created"`
	Rejected         int64 `json:"rejected"`
	Failed           int64 `json:"failed"`
	TornDown         int64 `json:"torn_down"`
	Unsubscribed     int64 `json:"unsubscribed"`
	BatchDeliveries  int64 `json:"batch_deliveries"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// Metrics returns the current report
func (m *Manager) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Total:            len(m.subs),
		ByStatus:         make(map[Status]int, len(statuses)),
		ByPriority:       make(map[Priority]int, len(priorities)),
		ActivityLevel:    m.level,
		LastInteraction:  m.lastInteraction,
		PendingBatches:   len(m.batches),
		MessagesReceived: m.counters.messages,
		Errors:           m.counters.errors,
		Created:          m.counters.created,
		Rejected:         m.counters.rejected,
		Failed:           m.counters.failed,
		TornDown:         m.counters.tornDown,
		Unsubscribed:     m.counters.unsubscribed,
		BatchDeliveries:  m.counters.flushed,
		DroppedEvents:    m.counters.dropped,
	}
	for _, s := range m.subs {
		snap.ByStatus[s.status]++
		snap.ByPriority[s.config.Priority]++
	}
	for _, b := range m.batches {
		snap.PendingEvents += b.count
	}
	return snap
}

// Subscription returns one subscription
func (m *Manager) Subscription(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, false
	}
	return s.snapshot(), true
}

// Subscriptions returns every subscription, oldest first
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
