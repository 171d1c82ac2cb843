// Package retry repeats a failing operation with capped exponential backoff.
//
// Errors classified as invalid or fatal by the errors package end the loop
// on the first attempt, as does anything wrapped with Permanent.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// permanentError marks a failure that another attempt cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent stops retrying on err. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return stderrors.As(err, &pe)
}

// Config bounds a retry loop. Zero fields take the defaults below.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// AddJitter stretches each delay by up to a quarter
	AddJitter bool

	// Retryable overrides the default classification of failed attempts
	Retryable func(error) bool

	// OnRetry runs before each backoff with the failed attempt (1-based),
	// its error and the delay about to be waited
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the backoff timers. Nil means wall time.
	Clock clock.Clock
}

const (
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
	maxMultiplier       = 1000
)

// DefaultConfig is three attempts starting at 100ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		AddJitter:    true,
	}
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 || cfg.Multiplier < 0 {
		return cfg, errors.WrapInvalid(fmt.Errorf("%w: negative delay or multiplier", errors.ErrInvalidConfig),
			"retry", "Do", "check config")
	}
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = max(defaultMaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = defaultMultiplier
	}
	cfg.Multiplier = min(cfg.Multiplier, maxMultiplier)
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.WrapInvalid(fmt.Errorf("%w: max delay %s below initial delay %s",
			errors.ErrInvalidConfig, cfg.MaxDelay, cfg.InitialDelay), "retry", "Do", "check config")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg, nil
}

// Delay is the backoff after the given failed attempt, before jitter
func (cfg Config) Delay(attempt int) time.Duration {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	for range attempt - 1 {
		delay *= cfg.Multiplier
		if delay >= float64(cfg.MaxDelay) {
			return cfg.MaxDelay
		}
	}
	return time.Duration(delay)
}

func (cfg Config) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	return !errors.IsInvalid(err) && !errors.IsFatal(err)
}

func (cfg Config) jitter(d time.Duration) time.Duration {
	if !cfg.AddJitter || d < 4 {
		return d
	}
	return d + rand.N(d/4)
}

// Do calls fn until it succeeds, the attempts run out, a failure is not
// retryable, or ctx ends
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case !cfg.retryable(err):
			return err
		case attempt >= cfg.MaxAttempts:
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		case ctx.Err() != nil:
			return fmt.Errorf("stopped after attempt %d: %w", attempt, ctx.Err())
		}

		wait := cfg.jitter(cfg.Delay(attempt))
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		timer := cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("stopped waiting to retry attempt %d: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// DoWithResult is Do for functions that produce a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
