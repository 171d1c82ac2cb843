// Package wsrt implements backend.Realtime over a single websocket connection
// using a join/ack protocol.
//
// Frames are JSON objects:
//
//	client -> server  {"type":"join","topic":"workouts:*","ref":"1"}
//	server -> client  {"type":"ack","ref":"1"}
//	server -> client  {"type":"error","ref":"1","reason":"forbidden"}
//	server -> client  {"type":"change","topic":"workouts:*","payload":{...}}
//	client -> server  {"type":"leave","topic":"workouts:*","ref":"2"}
//
// The topic is "<table>:<filter>". Several channels may share a topic; the
// leave frame is sent when the last of them closes.
package wsrt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// Frame types
const (
	FrameJoin   = "join"
	FrameLeave  = "leave"
	FrameAck    = "ack"
	FrameError  = "error"
	FrameChange = "change"
)

// Frame is one protocol message
type Frame struct {
	Type    string               `json:"type"`
	Topic   string               `json:"topic,omitempty"`
	Ref     string               `json:"ref,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Payload *backend.ChangeEvent `json:"payload,omitempty"`
}

// Topic returns the topic for a table and filter
func Topic(table string, filter backend.EventFilter) string {
	return table + ":" + string(filter)
}

// Client is a websocket connection carrying realtime channels
type Client struct {
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	ref     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Frame
	topics  map[string]map[uint64]*channel
	nextID  uint64
	err     error

	done chan struct{}
}

var _ backend.Realtime = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithWriteTimeout bounds each frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// Dial connects to url and starts the read loop
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapTransient(err, "wsrt", "Dial", "connect "+url)
	}

	c := &Client{
		conn:         conn,
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
		pending:      make(map[string]chan Frame),
		topics:       make(map[string]map[uint64]*channel),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "wsrt", "url", url)

	go c.readLoop()
	return c, nil
}

// OpenChannel implements backend.Realtime. It sends a join frame and waits for
// the matching ack, bounded by ctx.
func (c *Client) OpenChannel(ctx context.Context, table string, filter backend.EventFilter, h backend.ChannelHandlers) (backend.Channel, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if table == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "wsrt", "OpenChannel", "validate table")
	}

	topic := Topic(table, filter)
	ref := strconv.FormatUint(c.ref.Add(1), 10)
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, errors.WrapTransient(err, "wsrt", "OpenChannel", "join "+topic)
	}
	c.pending[ref] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameJoin, Topic: topic, Ref: ref}); err != nil {
		return nil, errors.WrapTransient(err, "wsrt", "OpenChannel", "send join "+topic)
	}

	select {
	case <-ctx.Done():
		return nil, errors.WrapTransient(backend.AckError(ctx, ctx.Err()), "wsrt", "OpenChannel", "await ack for "+topic)
	case <-c.done:
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "wsrt", "OpenChannel", "await ack for "+topic)
	case f := <-reply:
		if f.Type == FrameError {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrSubscriptionFailed, f.Reason),
				"wsrt", "OpenChannel", "join "+topic)
		}
	}

	c.mu.Lock()
	c.nextID++
	ch := &channel{id: c.nextID, topic: topic, handlers: h, owner: c}
	if c.topics[topic] == nil {
		c.topics[topic] = make(map[uint64]*channel)
	}
	c.topics[topic][ch.id] = ch
	c.mu.Unlock()

	h.Status(backend.StatusSubscribed, nil)
	return ch, nil
}

// Close sends a close frame and closes the connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}

		switch f.Type {
		case FrameAck, FrameError:
			c.mu.Lock()
			reply, ok := c.pending[f.Ref]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
			}
		case FrameChange:
			if f.Payload == nil {
				continue
			}
			for _, ch := range c.channelsFor(f.Topic) {
				ch.handlers.Message(*f.Payload)
			}
		default:
			c.logger.Debug("Ignoring frame", "type", f.Type)
		}
	}
}

// fail records the connection error and reports it to every open channel
func (c *Client) fail(err error) {
	c.mu.Lock()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.err = errors.ErrConnectionLost
	} else {
		c.err = fmt.Errorf("%w: %v", errors.ErrConnectionLost, err)
	}
	var open []*channel
	for _, chs := range c.topics {
		for _, ch := range chs {
			open = append(open, ch)
		}
	}
	c.topics = make(map[string]map[uint64]*channel)
	cause := c.err
	c.mu.Unlock()

	for _, ch := range open {
		if ch.closed.CompareAndSwap(false, true) {
			ch.handlers.Status(backend.StatusError, cause)
		}
	}
}

func (c *Client) channelsFor(topic string) []*channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	chs := c.topics[topic]
	out := make([]*channel, 0, len(chs))
	for _, ch := range chs {
		out = append(out, ch)
	}
	return out
}

type channel struct {
	id       uint64
	topic    string
	handlers backend.ChannelHandlers
	owner    *Client
	closed   atomic.Bool
}

// Close leaves the topic when this is its last channel
func (ch *channel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	c := ch.owner

	c.mu.Lock()
	chs := c.topics[ch.topic]
	delete(chs, ch.id)
	last := len(chs) == 0
	if last {
		delete(c.topics, ch.topic)
	}
	connErr := c.err
	c.mu.Unlock()

	var err error
	if last && connErr == nil {
		ref := strconv.FormatUint(c.ref.Add(1), 10)
		if werr := c.write(Frame{Type: FrameLeave, Topic: ch.topic, Ref: ref}); werr != nil {
			err = errors.WrapTransient(werr, "wsrt", "Close", "send leave "+ch.topic)
		}
	}
	ch.handlers.Status(backend.StatusClosed, nil)
	return err
}
