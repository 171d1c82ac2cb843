package engine

import (
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"

	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/prefetch"
	"github.com/devblac/sport-tracker-sub010/preload"
	"github.com/devblac/sport-tracker-sub010/query"
	"github.com/devblac/sport-tracker-sub010/realtime"
	"github.com/devblac/sport-tracker-sub010/usage"
)

// Config gathers the settings of every component
type Config struct {
	Cache    cache.Config    `json:"cache" yaml:"cache"`
	Query    query.Config    `json:"query" yaml:"query"`
	Realtime realtime.Config `json:"realtime" yaml:"realtime"`
	Prefetch prefetch.Config `json:"prefetch" yaml:"prefetch"`
	Preload  preload.Config  `json:"preload" yaml:"preload"`
	Usage    usage.Config    `json:"usage" yaml:"usage"`

	// APIFetchLimit caps the rows a speculative table read requests
	APIFetchLimit int `json:"api_fetch_limit" yaml:"api_fetch_limit"`
	// HealthProbeTimeout bounds the backend probe of Health
	HealthProbeTimeout time.Duration `json:"health_probe_timeout" yaml:"health_probe_timeout"`
}

// DefaultConfig returns the default settings of every component
func DefaultConfig() Config {
	return Config{
		Cache:              cache.DefaultConfig(),
		Query:              query.DefaultConfig(),
		Realtime:           realtime.DefaultConfig(),
		Prefetch:           prefetch.DefaultConfig(),
		Preload:            preload.DefaultConfig(),
		Usage:              usage.DefaultConfig(),
		APIFetchLimit:      50,
		HealthProbeTimeout: 2 * time.Second,
	}
}

// Validate checks every section
func (c Config) Validate() error {
	for _, validate := range []func() error{
		c.Cache.Validate,
		c.Query.Validate,
		c.Realtime.Validate,
		c.Prefetch.Validate,
		c.Preload.Validate,
		c.Usage.Validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}
	if c.APIFetchLimit <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: api_fetch_limit must be positive, got %d", errors.ErrInvalidConfig, c.APIFetchLimit),
			"engine", "Validate", "check api_fetch_limit")
	}
	if c.HealthProbeTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: health_probe_timeout must be positive", errors.ErrInvalidConfig),
			"engine", "Validate", "check health_probe_timeout")
	}
	return nil
}
