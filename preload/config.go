package preload

import (
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Strategy decides what triggers a route preload
type Strategy string

// Preload strategies
const (
	StrategyImmediate Strategy = "immediate"
	StrategyIdle      Strategy = "idle"
	StrategyHover     Strategy = "hover"
	StrategyViewport  Strategy = "viewport"
)

// Priority orders idle preloads
type Priority string

// Route priorities
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities, higher first
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// RouteConfig declares one preloadable route
type RouteConfig struct {
	Path     string   `json:"path" yaml:"path"`
	Priority Priority `json:"priority" yaml:"priority"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// Config holds the preloader settings
type Config struct {
	Routes []RouteConfig `json:"routes" yaml:"routes"`
	// Origin is the scheme and host hover targets must share
	Origin string `json:"origin" yaml:"origin"`

	LoadTimeout       time.Duration `json:"load_timeout" yaml:"load_timeout"`
	RetryAttempts     int           `json:"retry_attempts" yaml:"retry_attempts"`
	RetryInitialDelay time.Duration `json:"retry_initial_delay" yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`

	IdleInterval time.Duration `json:"idle_interval" yaml:"idle_interval"`
	// IdleTimeout forces the next idle preload when the user never goes idle
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
	MaxAge          time.Duration `json:"max_age" yaml:"max_age"`
	MinHitRate      float64       `json:"min_hit_rate" yaml:"min_hit_rate"`
}

// DefaultRoutes are the app screens worth preloading
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Path: "/workout", Priority: PriorityHigh, Strategy: StrategyImmediate},
		{Path: "/workout/active", Priority: PriorityHigh, Strategy: StrategyHover},
		{Path: "/exercises", Priority: PriorityHigh, Strategy: StrategyIdle},
		{Path: "/progress", Priority: PriorityMedium, Strategy: StrategyIdle},
		{Path: "/social", Priority: PriorityMedium, Strategy: StrategyViewport},
		{Path: "/profile", Priority: PriorityLow, Strategy: StrategyHover},
		{Path: "/settings", Priority: PriorityLow, Strategy: StrategyIdle},
	}
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		Routes:            DefaultRoutes(),
		LoadTimeout:       10 * time.Second,
		RetryAttempts:     3,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		IdleInterval:      time.Second,
		IdleTimeout:       2 * time.Second,
		CleanupInterval:   5 * time.Minute,
		MaxAge:            30 * time.Minute,
		MinHitRate:        0.1,
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	var problems []string
	if c.LoadTimeout <= 0 {
		problems = append(problems, "load_timeout must be positive")
	}
	if c.RetryAttempts <= 0 {
		problems = append(problems, "retry_attempts must be positive")
	}
	if c.RetryInitialDelay < 0 || c.RetryMaxDelay < c.RetryInitialDelay {
		problems = append(problems, "retry delays must satisfy 0 <= initial <= max")
	}
	if c.MinHitRate < 0 || c.MinHitRate > 1 {
		problems = append(problems, "min_hit_rate must be within [0,1]")
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		switch {
		case r.Path == "" || r.Path[0] != '/':
			problems = append(problems, fmt.Sprintf("route %q must be an absolute path", r.Path))
		case seen[r.Path]:
			problems = append(problems, fmt.Sprintf("route %q declared twice", r.Path))
		}
		seen[r.Path] = true
		switch r.Strategy {
		case StrategyImmediate, StrategyIdle, StrategyHover, StrategyViewport:
		default:
			problems = append(problems, fmt.Sprintf("route %q has unknown strategy %q", r.Path, r.Strategy))
		}
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, problems), "preload", "Validate", "check config")
	}
	return nil
}
