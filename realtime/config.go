package realtime

import (
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// PriorityCaps bounds the live subscriptions of each priority tier
type PriorityCaps struct {
	High   int `json:"high" yaml:"high"`
	Medium int `json:"medium" yaml:"medium"`
	Low    int `json:"low" yaml:"low"`
}

// Cap returns the cap of a tier
func (c PriorityCaps) Cap(p Priority) int {
	switch p {
	case PriorityHigh:
		return c.High
	case PriorityMedium:
		return c.Medium
	default:
		return c.Low
	}
}

// Config holds the subscription manager thresholds
type Config struct {
	// MaxSubscriptions bounds live subscriptions across all tiers
	MaxSubscriptions int          `json:"max_subscriptions" yaml:"max_subscriptions"`
	PriorityCaps     PriorityCaps `json:"priority_caps" yaml:"priority_caps"`

	// MaxErrorsBeforeCleanup tears a subscription down once reached
	MaxErrorsBeforeCleanup int `json:"max_errors_before_cleanup" yaml:"max_errors_before_cleanup"`
	// DefaultMaxAge applies to subscriptions without a MaxAge while the user is inactive
	DefaultMaxAge time.Duration `json:"default_max_age" yaml:"default_max_age"`
	AckTimeout    time.Duration `json:"ack_timeout" yaml:"ack_timeout"`

	BatchInterval   time.Duration `json:"batch_interval" yaml:"batch_interval"`
	BatchStaleAfter time.Duration `json:"batch_stale_after" yaml:"batch_stale_after"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// Activity level thresholds, measured from the last user interaction
	ActivityInterval time.Duration `json:"activity_interval" yaml:"activity_interval"`
	BackgroundAfter  time.Duration `json:"background_after" yaml:"background_after"`
	InactiveAfter    time.Duration `json:"inactive_after" yaml:"inactive_after"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions:       20,
		PriorityCaps:           PriorityCaps{High: 10, Medium: 6, Low: 4},
		MaxErrorsBeforeCleanup: 3,
		DefaultMaxAge:          30 * time.Minute,
		AckTimeout:             10 * time.Second,
		BatchInterval:          time.Second,
		BatchStaleAfter:        30 * time.Second,
		CleanupInterval:        time.Minute,
		ActivityInterval:       10 * time.Second,
		BackgroundAfter:        30 * time.Second,
		InactiveAfter:          5 * time.Minute,
	}
}

// Validate checks the thresholds
func (c Config) Validate() error {
	var problems []string
	if c.MaxSubscriptions <= 0 {
		problems = append(problems, "max_subscriptions must be positive")
	}
	caps := c.PriorityCaps
	if caps.Low <= 0 || caps.Medium < caps.Low || caps.High < caps.Medium {
		problems = append(problems, "priority caps must be positive and ordered high >= medium >= low")
	}
	if c.MaxErrorsBeforeCleanup <= 0 {
		problems = append(problems, "max_errors_before_cleanup must be positive")
	}
	if c.AckTimeout <= 0 {
		problems = append(problems, "ack_timeout must be positive")
	}
	if c.BatchInterval <= 0 || c.BatchStaleAfter <= 0 {
		problems = append(problems, "batch intervals must be positive")
	}
	if c.BackgroundAfter <= 0 || c.InactiveAfter <= c.BackgroundAfter {
		problems = append(problems, "inactive_after must exceed background_after")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, problems), "realtime", "Validate", "check config")
	}
	return nil
}
