// Package natsrt implements backend.Realtime over NATS subjects.
//
// Change events for a table are published on <prefix>.<table>.<TYPE> as JSON
// encoded backend.ChangeEvent values. A channel with the "*" filter subscribes
// to <prefix>.<table>.*. The acknowledgment is a server round trip after the
// subscription is registered.
package natsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/natsclient"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "fitopt.changes"

// Realtime opens change channels over a natsclient connection
type Realtime struct {
	client *natsclient.Client
	prefix string
	logger *slog.Logger
}

var (
	_ backend.Realtime  = (*Realtime)(nil)
	_ backend.Publisher = (*Realtime)(nil)
)

// New creates a Realtime over client. An empty prefix selects DefaultPrefix.
func New(client *natsclient.Client, prefix string, logger *slog.Logger) *Realtime {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{client: client, prefix: prefix, logger: logger.With("component", "natsrt")}
}

// Subject returns the subject a channel on table with filter listens to
func Subject(prefix, table string, filter backend.EventFilter) string {
	token := strings.ToUpper(string(filter))
	if filter == backend.FilterAll {
		token = "*"
	}
	return prefix + "." + table + "." + token
}

func validTable(table string) error {
	if table == "" || strings.ContainsAny(table, ".*> \t") {
		return errors.WrapInvalid(fmt.Errorf("%w: table %q is not a subject token", errors.ErrInvalidData, table),
			"natsrt", "OpenChannel", "validate table")
	}
	return nil
}

// OpenChannel implements backend.Realtime
func (r *Realtime) OpenChannel(ctx context.Context, table string, filter backend.EventFilter, h backend.ChannelHandlers) (backend.Channel, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	subject := Subject(r.prefix, table, filter)
	ch := &channel{owner: r, handlers: h, subject: subject}

	sub, err := r.client.Subscribe(subject, ch.onMsg, ch.onError)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsrt", "OpenChannel", "subscribe "+subject)
	}
	if err := r.client.Flush(ctx); err != nil {
		_ = r.client.Unsubscribe(sub)
		return nil, errors.WrapTransient(backend.AckError(ctx, err), "natsrt", "OpenChannel", "await ack for "+subject)
	}

	ch.mu.Lock()
	ch.sub = sub
	ch.mu.Unlock()

	r.logger.Debug("Channel opened", "subject", subject)
	h.Status(backend.StatusSubscribed, nil)
	return ch, nil
}

// Publish implements backend.Publisher
func (r *Realtime) Publish(ctx context.Context, ev backend.ChangeEvent) error {
	if err := validTable(ev.Table); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "natsrt", "Publish", "encode event")
	}
	subject := Subject(r.prefix, ev.Table, backend.EventFilter(strings.ToUpper(ev.Type)))
	if err := r.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "natsrt", "Publish", "publish "+subject)
	}
	return nil
}

type channel struct {
	owner    *Realtime
	handlers backend.ChannelHandlers
	subject  string

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

func (c *channel) onMsg(msg *nats.Msg) {
	var ev backend.ChangeEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.handlers.Status(backend.StatusError,
			errors.WrapInvalid(err, "natsrt", "onMsg", "decode event on "+msg.Subject))
		return
	}
	c.handlers.Message(ev)
}

func (c *channel) onError(err error) {
	c.owner.logger.Warn("Channel error", "subject", c.subject, "error", err)
	c.handlers.Status(backend.StatusError, err)
}

// Close unsubscribes; closing twice is a no-op
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	err := c.owner.client.Unsubscribe(sub)
	c.handlers.Status(backend.StatusClosed, nil)
	return err
}
