package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// ClientOption configures a Client; an option rejects values it cannot use
type ClientOption func(*Client) error

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %s", errors.ErrInvalidConfig, name, d)
	}
	return nil
}

// WithLogger sets the structured logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts, -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("%w: max reconnects must be -1 or more, got %d", errors.ErrInvalidConfig, n)
		}
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if err := positive("reconnect wait", d); err != nil {
			return err
		}
		c.reconnectWait = d
		return nil
	}
}

// WithPingInterval sets how often the server is pinged. Zero keeps the default.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.pingInterval = d
		}
		return nil
	}
}

// WithTimeout bounds the initial dial. Zero keeps the default.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithDrainTimeout bounds the drain on Close. Zero keeps the default.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.drainTimeout = d
		}
		return nil
	}
}

// WithCircuitBreaker opens the circuit after threshold consecutive connect
// failures and caps its backoff at maxBackoff. Zero values keep the defaults.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) ClientOption {
	return func(c *Client) error {
		if threshold < 0 {
			return fmt.Errorf("%w: circuit threshold must not be negative", errors.ErrInvalidConfig)
		}
		if threshold > 0 {
			c.circuitThreshold = threshold
		}
		if maxBackoff > 0 {
			if maxBackoff < time.Second {
				return fmt.Errorf("%w: circuit max backoff below one second", errors.ErrInvalidConfig)
			}
			c.maxBackoff = maxBackoff
		}
		return nil
	}
}

// WithCredentials authenticates with a username and password
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithToken authenticates with a token
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithName sets the client name reported to the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}
