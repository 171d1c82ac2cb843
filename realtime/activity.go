package realtime

import (
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
)

// levelAt derives the activity level from the time since the last interaction
func (m *Manager) levelAt(now time.Time) ActivityLevel {
	idle := now.Sub(m.lastInteraction)
	switch {
	case idle < m.config.BackgroundAfter:
		return ActivityActive
	case idle < m.config.InactiveAfter:
		return ActivityBackground
	default:
		return ActivityInactive
	}
}

// ActivityLevel returns the level of the last evaluation
func (m *Manager) ActivityLevel() ActivityLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// RecordActivity marks a user interaction. The level becomes active at once
// and paused subscriptions start reopening in the background.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	m.lastInteraction = m.clock.Now()
	pause, resume := m.applyLevelLocked(ActivityActive)
	m.mu.Unlock()

	m.transition(pause, resume)
}

// EvaluateActivity re-derives the level from the time since the last
// interaction and pauses or resumes subscriptions when it changed.
func (m *Manager) EvaluateActivity() ActivityLevel {
	m.mu.Lock()
	level := m.levelAt(m.clock.Now())
	pause, resume := m.applyLevelLocked(level)
	m.mu.Unlock()

	m.transition(pause, resume)
	return level
}

type reopen struct {
	s   *subscription
	gen uint64
}

// shouldPause reports whether a subscription described by cfg stays paused at
// level: in background the low priority ones that require an active user, when
// inactive every low priority one.
func shouldPause(cfg SubscriptionConfig, level ActivityLevel) bool {
	if cfg.Priority != PriorityLow {
		return false
	}
	switch level {
	case ActivityInactive:
		return true
	case ActivityBackground:
		return cfg.RequiredActivity.Rank() > level.Rank()
	}
	return false
}

// applyLevelLocked moves to level. Background pauses low priority
// subscriptions that require an active user; inactive pauses every low
// priority subscription; active resumes every subscription without a channel.
func (m *Manager) applyLevelLocked(level ActivityLevel) ([]backend.Channel, []reopen) {
	prev := m.level
	m.level = level
	if level == prev {
		return nil, nil
	}
	m.logger.Debug("Activity level changed", "from", string(prev), "to", string(level))

	var pause []backend.Channel
	var resume []reopen
	for _, s := range m.subs {
		switch level {
		case ActivityActive:
			if s.channel == nil && !s.resuming {
				s.resuming = true
				s.gen++
				resume = append(resume, reopen{s: s, gen: s.gen})
			}
		case ActivityBackground, ActivityInactive:
			if s.status == StatusPaused || !shouldPause(s.config, level) {
				continue
			}
			s.status = StatusPaused
			s.gen++
			s.resuming = false
			if s.channel != nil {
				pause = append(pause, s.channel)
				s.channel = nil
			}
		}
	}
	m.updateGaugesLocked()
	return pause, resume
}

func (m *Manager) transition(pause []backend.Channel, resume []reopen) {
	for _, ch := range pause {
		m.closeChannel(ch)
	}
	if len(pause) > 0 {
		m.logger.Info("Paused low priority subscriptions", "count", len(pause))
	}
	for _, r := range resume {
		m.background.Add(1)
		go m.reopen(r.s, r.gen)
	}
}

// reopen gives a paused or channel-less subscription a new channel.
// A failure counts against the subscription's error threshold.
func (m *Manager) reopen(s *subscription, gen uint64) {
	defer m.background.Done()

	ch, err := m.open(m.ctx, s, gen)

	m.mu.Lock()
	if !m.liveLocked(s, gen) {
		m.mu.Unlock()
		m.closeChannel(ch)
		return
	}
	s.resuming = false
	if err != nil {
		m.mu.Unlock()
		m.fail(s, gen, err, "resume")
		return
	}
	s.channel = ch
	s.status = StatusActive
	s.lastActivity = m.clock.Now()
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Debug("Subscription resumed", "subscription_id", s.id)
}
