package usage

import (
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Config holds the usage thresholds. Alerts fire when a tracked value exceeds
// its threshold; suggestions fire earlier, at SuggestFraction of it.
type Config struct {
	// Window is the span of the rolling API call rate
	Window time.Duration `json:"window" yaml:"window"`
	// WindowCapacity bounds the number of call timestamps kept for the rate
	WindowCapacity int `json:"window_capacity" yaml:"window_capacity"`

	MaxCallsPerWindow   int           `json:"max_calls_per_window" yaml:"max_calls_per_window"`
	MaxDatabaseBytes    int64         `json:"max_database_bytes" yaml:"max_database_bytes"`
	MaxSubscriptions    int           `json:"max_subscriptions" yaml:"max_subscriptions"`
	MaxRealtimeMessages int64         `json:"max_realtime_messages" yaml:"max_realtime_messages"`
	MinCacheHitRate     float64       `json:"min_cache_hit_rate" yaml:"min_cache_hit_rate"`
	MinCallsForHitRate  int64         `json:"min_calls_for_hit_rate" yaml:"min_calls_for_hit_rate"`
	MaxErrorRate        float64       `json:"max_error_rate" yaml:"max_error_rate"`
	SlowResponse        time.Duration `json:"slow_response" yaml:"slow_response"`
	SuggestFraction     float64       `json:"suggest_fraction" yaml:"suggest_fraction"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		Window:              time.Minute,
		WindowCapacity:      10000,
		MaxCallsPerWindow:   100,
		MaxDatabaseBytes:    50 * 1024 * 1024,
		MaxSubscriptions:    20,
		MaxRealtimeMessages: 10000,
		MinCacheHitRate:     0.5,
		MinCallsForHitRate:  20,
		MaxErrorRate:        0.1,
		SlowResponse:        time.Second,
		SuggestFraction:     0.8,
	}
}

// Validate checks the thresholds are usable
func (c Config) Validate() error {
	var problems []string
	if c.Window <= 0 {
		problems = append(problems, "window must be positive")
	}
	if c.WindowCapacity <= 0 {
		problems = append(problems, "window_capacity must be positive")
	}
	if c.MaxCallsPerWindow <= 0 || c.MaxSubscriptions <= 0 {
		problems = append(problems, "call and subscription thresholds must be positive")
	}
	if c.MaxDatabaseBytes <= 0 || c.MaxRealtimeMessages <= 0 {
		problems = append(problems, "database and message thresholds must be positive")
	}
	if c.MinCacheHitRate < 0 || c.MinCacheHitRate > 1 || c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		problems = append(problems, "rates must be within [0,1]")
	}
	if c.SuggestFraction <= 0 || c.SuggestFraction > 1 {
		problems = append(problems, "suggest_fraction must be within (0,1]")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, problems), "usage", "Validate", "check thresholds")
	}
	return nil
}
