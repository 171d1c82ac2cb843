package query

import (
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Config tunes the query executor
type Config struct {
	// SlowQueryThreshold marks a query slow when its average latency exceeds it
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
	// DefaultCacheTTL applies when Options.CacheTTL is zero
	DefaultCacheTTL time.Duration `json:"default_cache_ttl" yaml:"default_cache_ttl"`
	// MaxTrackedQueries bounds the per-query statistics kept (least recently used dropped)
	MaxTrackedQueries int `json:"max_tracked_queries" yaml:"max_tracked_queries"`
	// LowPriorityRate is the sustained rate (queries/second) of low-priority queries
	LowPriorityRate  float64 `json:"low_priority_rate" yaml:"low_priority_rate"`
	LowPriorityBurst int     `json:"low_priority_burst" yaml:"low_priority_burst"`
	// StaleWhileRevalidate serves aging cache entries while refreshing them in the background
	StaleWhileRevalidate bool `json:"stale_while_revalidate" yaml:"stale_while_revalidate"`
	// RevalidateFraction of an entry's TTL after which a hit triggers a refresh
	RevalidateFraction  float64 `json:"revalidate_fraction" yaml:"revalidate_fraction"`
	DefaultMaxBatchSize int     `json:"default_max_batch_size" yaml:"default_max_batch_size"`
	// TopN bounds the per-query and per-table lists in reports
	TopN int `json:"top_n" yaml:"top_n"`
}

// DefaultConfig returns the default executor settings
func DefaultConfig() Config {
	return Config{
		SlowQueryThreshold:   time.Second,
		DefaultCacheTTL:      5 * time.Minute,
		MaxTrackedQueries:    500,
		LowPriorityRate:      5,
		LowPriorityBurst:     2,
		StaleWhileRevalidate: true,
		RevalidateFraction:   0.75,
		DefaultMaxBatchSize:  10,
		TopN:                 10,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	var problems []string
	if c.SlowQueryThreshold <= 0 {
		problems = append(problems, "slow_query_threshold must be positive")
	}
	if c.DefaultCacheTTL <= 0 {
		problems = append(problems, "default_cache_ttl must be positive")
	}
	if c.MaxTrackedQueries <= 0 {
		problems = append(problems, "max_tracked_queries must be positive")
	}
	if c.LowPriorityRate <= 0 || c.LowPriorityBurst <= 0 {
		problems = append(problems, "low priority rate and burst must be positive")
	}
	if c.RevalidateFraction <= 0 || c.RevalidateFraction >= 1 {
		problems = append(problems, "revalidate_fraction must be within (0,1)")
	}
	if c.DefaultMaxBatchSize <= 0 {
		problems = append(problems, "default_max_batch_size must be positive")
	}
	if c.TopN <= 0 {
		problems = append(problems, "top_n must be positive")
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, problems), "query", "Validate", "check config")
	}
	return nil
}
