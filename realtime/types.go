package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// Priority tier of a subscription
type Priority string

// Subscription priorities
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// ActivityLevel classifies how recently the user interacted
type ActivityLevel string

// Activity levels, most engaged first
const (
	ActivityActive     ActivityLevel = "active"
	ActivityBackground ActivityLevel = "background"
	ActivityInactive   ActivityLevel = "inactive"
)

// Rank orders levels: active 2, background 1, inactive 0
func (a ActivityLevel) Rank() int {
	switch a {
	case ActivityActive:
		return 2
	case ActivityBackground:
		return 1
	default:
		return 0
	}
}

func (a ActivityLevel) valid() bool {
	return a == ActivityActive || a == ActivityBackground || a == ActivityInactive
}

// Status of a subscription. Removed subscriptions leave the registry.
type Status string

// Subscription states
const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

var statuses = []Status{StatusActive, StatusPaused, StatusError}

// SubscriptionConfig describes a subscription request
type SubscriptionConfig struct {
	// ID is generated when empty
	ID     string              `json:"id,omitempty"`
	Table  string              `json:"table"`
	Filter backend.EventFilter `json:"filter"`
	// Priority defaults to medium
	Priority Priority `json:"priority"`
	// RequiredActivity is the minimum user activity level for the
	// subscription to be created; defaults to background
	RequiredActivity ActivityLevel `json:"required_activity"`
	// Batchable subscriptions receive aggregated deliveries on flush
	Batchable bool `json:"batchable"`
	// MaxAge removes the subscription once exceeded; zero applies the
	// manager's default max age while the user is inactive
	MaxAge time.Duration `json:"max_age"`
}

func (c *SubscriptionConfig) normalize() error {
	if c.Table == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: table is required", errors.ErrInvalidData), "realtime", "Subscribe", "check config")
	}
	if c.Filter == "" {
		c.Filter = backend.FilterAll
	}
	if err := c.Filter.Validate(); err != nil {
		return err
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: priority %q", errors.ErrInvalidData, c.Priority), "realtime", "Subscribe", "check config")
	}
	if c.RequiredActivity == "" {
		c.RequiredActivity = ActivityBackground
	}
	if !c.RequiredActivity.valid() {
		return errors.WrapInvalid(fmt.Errorf("%w: activity level %q", errors.ErrInvalidData, c.RequiredActivity), "realtime", "Subscribe", "check config")
	}
	if c.MaxAge < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative max age", errors.ErrInvalidData), "realtime", "Subscribe", "check config")
	}
	return nil
}

// Delivery is what a handler receives: one event for immediate subscriptions,
// the accumulated events of a flush for batchable ones.
type Delivery struct {
	SubscriptionID string                `json:"subscription_id"`
	Table          string                `json:"table"`
	Events         []backend.ChangeEvent `json:"events"`
	Count          int                   `json:"count"`
	Batched        bool                  `json:"batched"`
}

// Handler observes the change events of a subscription. A returned error or
// panic counts against the subscription's error threshold.
type Handler interface {
	HandleChange(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, d Delivery) error

// HandleChange implements Handler
func (f HandlerFunc) HandleChange(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Subscription is a point-in-time view of one subscription
type Subscription struct {
	ID           string             `json:"id"`
	Config       SubscriptionConfig `json:"config"`
	Status       Status             `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
	MessageCount int64              `json:"message_count"`
	ErrorCount   int                `json:"error_count"`
	LastError    string             `json:"last_error,omitempty"`
}
