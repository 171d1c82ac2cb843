package engine

import (
	"fmt"

	"github.com/devblac/sport-tracker-sub010/prefetch"
	"github.com/devblac/sport-tracker-sub010/preload"
)

// ValidationIssue is a setting that is valid on its own but inconsistent
// with another section
type ValidationIssue struct {
	Section string `json:"section"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of Check
type ValidationResult struct {
	Status   string            `json:"validation_status"` // "valid", "warnings", "errors"
	Errors   []string          `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// Check validates every section and lints the combination
func Check(config Config) ValidationResult {
	result := ValidationResult{Status: "valid", Warnings: Lint(config)}
	if err := config.Validate(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	switch {
	case len(result.Errors) > 0:
		result.Status = "errors"
	case len(result.Warnings) > 0:
		result.Status = "warnings"
	}
	return result
}

// Lint reports cross-section inconsistencies. None of them prevents start.
func Lint(config Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(section, format string, args ...any) {
		issues = append(issues, ValidationIssue{Section: section, Message: fmt.Sprintf(format, args...)})
	}

	if config.Usage.MaxSubscriptions < config.Realtime.MaxSubscriptions {
		add("usage", "max_subscriptions %d is below the realtime budget %d, the subscription alert fires before the budget is reached",
			config.Usage.MaxSubscriptions, config.Realtime.MaxSubscriptions)
	}
	if !config.Cache.Enabled && config.Query.StaleWhileRevalidate {
		add("query", "stale_while_revalidate has no effect with the cache disabled")
	}
	if config.Cache.Enabled && config.Query.DefaultCacheTTL > config.Cache.DefaultTTL*10 {
		add("query", "default_cache_ttl %s is far above the cache default %s", config.Query.DefaultCacheTTL, config.Cache.DefaultTTL)
	}
	if config.Prefetch.DrainBatch > config.Prefetch.QueueCapacity {
		add("prefetch", "drain_batch %d exceeds queue_capacity %d", config.Prefetch.DrainBatch, config.Prefetch.QueueCapacity)
	}
	if config.Prefetch.Sizes.Route > int64(config.Prefetch.ByteBurst) {
		add("prefetch", "route size %d exceeds byte_burst %d, route prefetches never fit the budget",
			config.Prefetch.Sizes.Route, config.Prefetch.ByteBurst)
	}

	hover := false
	for _, r := range config.Preload.Routes {
		if r.Strategy == preload.StrategyHover {
			hover = true
		}
	}
	if hover && config.Preload.Origin == "" {
		add("preload", "hover routes without an origin only match relative links")
	}

	routes := make(map[string]bool, len(config.Preload.Routes))
	for _, r := range config.Preload.Routes {
		routes[r.Path] = true
	}
	for _, rule := range config.Prefetch.Rules {
		for _, target := range rule.Targets {
			if prefetch.KindOf(target) == prefetch.KindRoute && len(routes) > 0 && !routes[target] {
				add("prefetch", "rule %q targets route %s which the preloader does not declare", rule.Name, target)
			}
		}
	}
	return issues
}
