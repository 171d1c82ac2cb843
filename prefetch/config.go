package prefetch

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// Policy holds the battery and network thresholds of ShouldPrefetch
type Policy struct {
	// Below LowBatteryPercent only critical tasks run
	LowBatteryPercent float64 `json:"low_battery_percent" yaml:"low_battery_percent"`

	// On very slow networks only small critical tasks run
	VerySlowNetworks []NetworkClass `json:"very_slow_networks" yaml:"very_slow_networks"`
	VerySlowMaxSize  int64          `json:"very_slow_max_size" yaml:"very_slow_max_size"`

	MidNetworks      []NetworkClass `json:"mid_networks" yaml:"mid_networks"`
	MidMinConfidence float64        `json:"mid_min_confidence" yaml:"mid_min_confidence"`
	MidMaxSize       int64          `json:"mid_max_size" yaml:"mid_max_size"`

	FastNetworks      []NetworkClass `json:"fast_networks" yaml:"fast_networks"`
	FastMinConfidence float64        `json:"fast_min_confidence" yaml:"fast_min_confidence"`

	// DefaultMinConfidence applies to any other network class
	DefaultMinConfidence float64 `json:"default_min_confidence" yaml:"default_min_confidence"`
}

// DefaultPolicy returns the stock thresholds
func DefaultPolicy() Policy {
	return Policy{
		LowBatteryPercent:    20,
		VerySlowNetworks:     []NetworkClass{NetworkSlow2G, Network2G},
		VerySlowMaxSize:      100 * 1024,
		MidNetworks:          []NetworkClass{Network3G},
		MidMinConfidence:     0.5,
		MidMaxSize:           500 * 1024,
		FastNetworks:         []NetworkClass{Network4G, NetworkWiFi, NetworkEthernet},
		FastMinConfidence:    0.3,
		DefaultMinConfidence: 0.6,
	}
}

// ShouldPrefetch reports whether task may run under device
func (p Policy) ShouldPrefetch(task Task, device DeviceState) bool {
	critical := task.Priority == PriorityCritical

	if device.BatteryPercent >= 0 && device.BatteryPercent < p.LowBatteryPercent && !critical {
		return false
	}

	switch {
	case slices.Contains(p.VerySlowNetworks, device.Network):
		return critical && task.EstimatedSize < p.VerySlowMaxSize
	case slices.Contains(p.MidNetworks, device.Network):
		return task.Confidence > p.MidMinConfidence && task.EstimatedSize < p.MidMaxSize
	case slices.Contains(p.FastNetworks, device.Network):
		return task.Confidence > p.FastMinConfidence
	default:
		return task.Confidence > p.DefaultMinConfidence
	}
}

// Rule is a static prediction: when the current location starts with
// RoutePrefix during the hour window, Targets are candidates.
type Rule struct {
	Name        string `json:"name" yaml:"name"`
	RoutePrefix string `json:"route_prefix" yaml:"route_prefix"`
	// FromHour and ToHour bound a local-hour window [from, to), wrapping past
	// midnight when from > to; equal values match all day
	FromHour     int      `json:"from_hour" yaml:"from_hour"`
	ToHour       int      `json:"to_hour" yaml:"to_hour"`
	Targets      []string `json:"targets" yaml:"targets"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Priority     Priority `json:"priority" yaml:"priority"`
	Confidence   float64  `json:"confidence" yaml:"confidence"`
}

// Matches reports whether the rule applies at location and hour
func (r Rule) Matches(location string, hour int) bool {
	if !strings.HasPrefix(location, r.RoutePrefix) {
		return false
	}
	switch {
	case r.FromHour == r.ToHour:
		return true
	case r.FromHour < r.ToHour:
		return hour >= r.FromHour && hour < r.ToHour
	default:
		return hour >= r.FromHour || hour < r.ToHour
	}
}

// DefaultRules are the built-in predictions of the fitness app
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "active-workout", RoutePrefix: "/workout/active",
			Targets: []string{"/api/workout_sets", "/api/exercises"}, Priority: PriorityCritical, Confidence: 0.9,
		},
		{
			Name: "workout-catalog", RoutePrefix: "/workout",
			Targets: []string{"/api/exercises", "/api/workouts"}, Priority: PriorityHigh, Confidence: 0.7,
		},
		{
			Name: "morning-training", RoutePrefix: "/", FromHour: 5, ToHour: 10,
			Targets: []string{"/workout"}, Priority: PriorityMedium, Confidence: 0.6,
		},
		{
			Name: "evening-social", RoutePrefix: "/", FromHour: 18, ToHour: 23,
			Targets: []string{"/social", "/api/activities"}, Priority: PriorityMedium, Confidence: 0.5,
		},
		{
			Name: "profile-stats", RoutePrefix: "/profile",
			Targets: []string{"/api/user_stats", "/api/user_achievements"}, Priority: PriorityMedium, Confidence: 0.6,
		},
	}
}

// Sizes are the estimated transfer sizes per target kind
type Sizes struct {
	API    int64 `json:"api" yaml:"api"`
	Static int64 `json:"static" yaml:"static"`
	Route  int64 `json:"route" yaml:"route"`
}

func (s Sizes) forKind(kind TargetKind) int64 {
	switch kind {
	case KindAPI:
		return s.API
	case KindStatic:
		return s.Static
	default:
		return s.Route
	}
}

// Config holds the prefetcher settings
type Config struct {
	HistorySize              int     `json:"history_size" yaml:"history_size"`
	SequenceLength           int     `json:"sequence_length" yaml:"sequence_length"`
	MinTransitionProbability float64 `json:"min_transition_probability" yaml:"min_transition_probability"`
	SequenceConfidence       float64 `json:"sequence_confidence" yaml:"sequence_confidence"`

	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	DrainBatch    int `json:"drain_batch" yaml:"drain_batch"`
	Workers       int `json:"workers" yaml:"workers"`
	// RefetchAfter suppresses targets fetched more recently than this
	RefetchAfter time.Duration `json:"refetch_after" yaml:"refetch_after"`

	DrainInterval   time.Duration `json:"drain_interval" yaml:"drain_interval"`
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	PersistInterval time.Duration `json:"persist_interval" yaml:"persist_interval"`

	// ByteRate and ByteBurst budget prefetch transfer volume
	ByteRate  float64 `json:"byte_rate" yaml:"byte_rate"`
	ByteBurst int     `json:"byte_burst" yaml:"byte_burst"`
	Sizes     Sizes   `json:"sizes" yaml:"sizes"`

	StoreKey string `json:"store_key" yaml:"store_key"`
	Policy   Policy `json:"policy" yaml:"policy"`
	Rules    []Rule `json:"rules" yaml:"rules"`
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		HistorySize:              100,
		SequenceLength:           3,
		MinTransitionProbability: 0.1,
		SequenceConfidence:       0.85,
		QueueCapacity:            50,
		DrainBatch:               3,
		Workers:                  2,
		RefetchAfter:             5 * time.Minute,
		DrainInterval:            2 * time.Second,
		RefreshInterval:          30 * time.Second,
		PersistInterval:          5 * time.Minute,
		ByteRate:                 256 * 1024,
		ByteBurst:                2 * 1024 * 1024,
		Sizes:                    Sizes{API: 20 * 1024, Static: 80 * 1024, Route: 150 * 1024},
		StoreKey:                 "prefetch_models",
		Policy:                   DefaultPolicy(),
		Rules:                    DefaultRules(),
	}
}

// Validate checks the settings
func (c Config) Validate() error {
	var problems []string
	if c.HistorySize <= 0 || c.SequenceLength <= 0 || c.SequenceLength > c.HistorySize {
		problems = append(problems, "history_size and sequence_length must be positive with sequence_length <= history_size")
	}
	if c.MinTransitionProbability < 0 || c.MinTransitionProbability >= 1 {
		problems = append(problems, "min_transition_probability must be within [0,1)")
	}
	if c.SequenceConfidence <= 0 || c.SequenceConfidence > 1 {
		problems = append(problems, "sequence_confidence must be within (0,1]")
	}
	if c.QueueCapacity <= 0 || c.DrainBatch <= 0 || c.Workers <= 0 {
		problems = append(problems, "queue_capacity, drain_batch and workers must be positive")
	}
	if c.ByteRate <= 0 || c.ByteBurst <= 0 {
		problems = append(problems, "byte_rate and byte_burst must be positive")
	}
	if c.StoreKey == "" {
		problems = append(problems, "store_key is required")
	}
	for _, r := range c.Rules {
		if len(r.Targets) == 0 || r.Confidence < 0 || r.Confidence > 1 || r.FromHour < 0 || r.FromHour > 23 || r.ToHour < 0 || r.ToHour > 23 {
			problems = append(problems, fmt.Sprintf("rule %q needs targets, confidence within [0,1] and hours within 0-23", r.Name))
		}
	}
	if len(problems) > 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, problems), "prefetch", "Validate", "check config")
	}
	return nil
}
