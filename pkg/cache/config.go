package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Config contains configuration for the response cache.
type Config struct {
	// Enabled determines if caching is enabled. A disabled cache always misses.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxSizeBytes bounds the aggregate size of cached values.
	MaxSizeBytes int `json:"max_size_bytes" yaml:"max_size_bytes"`

	// DefaultTTL applies to entries stored without an explicit TTL.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// SweepInterval is how often expired entries are swept by the owning engine.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// TopN is how many entries Summary reports when exposed over diagnostics.
	TopN int `json:"top_n" yaml:"top_n"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxSizeBytes:  5 * 1024 * 1024,
		DefaultTTL:    5 * time.Minute,
		SweepInterval: time.Minute,
		TopN:          10,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSizeBytes <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("max_size_bytes must be positive, got %d", c.MaxSizeBytes))
	}
	if c.DefaultTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("default_ttl must be positive, got %v", c.DefaultTTL))
	}
	if c.SweepInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("sweep_interval must not be negative, got %v", c.SweepInterval))
	}
	if c.TopN < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("top_n must not be negative, got %d", c.TopN))
	}
	return nil
}

// NewFromConfig creates a cache from configuration.
// Returns a noop cache if config.Enabled is false.
func NewFromConfig[V any](config Config, options ...Option[V]) (Cache[V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewFromConfig", "config validation")
	}
	if !config.Enabled {
		return NewNoop[V](), nil
	}
	return NewSizedLRU[V](config.MaxSizeBytes, config.DefaultTTL, options...)
}

// NewNoop creates a cache that stores nothing and always misses.
func NewNoop[V any]() Cache[V] {
	return &noopCache[V]{stats: NewStatistics()}
}

type noopCache[V any] struct {
	stats *Statistics
}

func (c *noopCache[V]) Get(_ string) (V, bool) {
	var zero V
	c.stats.miss()
	return zero, false
}

func (c *noopCache[V]) Lookup(key string) (V, EntryInfo, bool) {
	v, ok := c.Get(key)
	return v, EntryInfo{}, ok
}

func (c *noopCache[V]) Put(_ string, _ V, _ time.Duration) bool { return false }
func (c *noopCache[V]) Invalidate(_ string) bool                { return false }
func (c *noopCache[V]) InvalidatePrefix(_ string) int           { return 0 }
func (c *noopCache[V]) Clear()                                  {}
func (c *noopCache[V]) Sweep() int                              { return 0 }
func (c *noopCache[V]) Len() int                                { return 0 }
func (c *noopCache[V]) Stats() *Statistics                      { return c.stats }

func (c *noopCache[V]) Summary(_ int) Summary {
	return Summary{Misses: c.stats.Misses()}
}

// UnmarshalJSON accepts duration strings ("5m") as well as integer nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config

	aux := &struct {
		DefaultTTL    json.RawMessage `json:"default_ttl,omitempty"`
		SweepInterval json.RawMessage `json:"sweep_interval,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.DefaultTTL) > 0 {
		ttl, err := ParseDurationField(aux.DefaultTTL, "default_ttl")
		if err != nil {
			return err
		}
		c.DefaultTTL = ttl
	}
	if len(aux.SweepInterval) > 0 {
		interval, err := ParseDurationField(aux.SweepInterval, "sweep_interval")
		if err != nil {
			return err
		}
		c.SweepInterval = interval
	}

	return nil
}

// ParseDurationField parses a JSON duration field that is either a duration
// string ("1h", "5m", "30s") or integer nanoseconds.
func ParseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '1h') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
