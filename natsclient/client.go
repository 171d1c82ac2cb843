// Package natsclient manages the NATS connection used by the realtime change
// feed and the remote prediction-model store.
//
// The client tracks connection status and opens a circuit breaker after
// repeated connection failures. Asynchronous subscription errors are routed
// back to the subscriber. JetStream key-value buckets are reached through
// Bucket.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error values
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time"`
	RTT             time.Duration    `json:"rtt"`
	Subscriptions   int              `json:"subscriptions"`
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// async error routing per subscription
	subErrors map[*nats.Subscription]func(error)

	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	username string
	password string
	token    string

	clientName string

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		subErrors:        make(map[*nats.Subscription]func(error)),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	c.logger = c.logger.With("component", "natsclient", "url", url)

	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failure count since the last successful operation
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit breaker backoff
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// recordFailure counts a failure and opens the circuit once the threshold is reached
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	if circuitFailures < c.circuitThreshold {
		return
	}

	current := c.Backoff()
	next := current * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	c.circuitFailures.Store(0)

	status := c.Status()
	if status == StatusCircuitOpen {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if c.status.CompareAndSwap(status, StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker opened", "failures", circuitFailures, "backoff", current)
		time.AfterFunc(current, c.halfOpen)
	}
}

// halfOpen lets the next Connect attempt through after the backoff elapsed
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the connection, bounded by ctx
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	opts := c.buildConnectionOptions()
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return c.connectFailed(r.err, "establish connection")
		}
		js, err := jetstream.New(r.conn)
		if err != nil {
			c.logger.Warn("JetStream unavailable", "error", err)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.js = js
		c.mu.Unlock()
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return c.connectFailed(ctx.Err(), "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS")
	return nil
}

func (c *Client) connectFailed(err error, action string) error {
	c.recordFailure()
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusDisconnected)
	return errors.WrapTransient(err, "Client", "Connect", action)
}

// WaitForConnection polls until the client is connected or ctx is done
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

// GetStatus returns current status information
func (c *Client) GetStatus() Status {
	c.mu.RLock()
	conn := c.conn
	subs := len(c.subErrors)
	c.mu.RUnlock()

	status := Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
		Subscriptions:   subs,
	}
	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

// Subscribe subscribes to subject. Messages are passed to handler on the
// subscription's own goroutine. Asynchronous errors for this subscription
// (slow consumer, permission violations) are passed to onError if non-nil.
func (c *Client) Subscribe(subject string, handler func(*nats.Msg), onError func(error)) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe %s", subject))
	}
	c.subErrors[sub] = onError
	return sub, nil
}

// Unsubscribe removes a subscription created by Subscribe
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	if sub == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.subErrors, sub)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
		!stderrors.Is(err, nats.ErrBadSubscription) {
		return errors.Wrap(err, "Client", "Unsubscribe", fmt.Sprintf("unsubscribe %s", sub.Subject))
	}
	return nil
}

// Publish publishes a message to a subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Flush performs a server round trip bounded by ctx, confirming that earlier
// subscriptions and publishes were processed by the server
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "server round trip")
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateKeyValueBucket returns the bucket named in cfg, creating it if needed
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	if c.Status() != StatusConnected {
		return nil, ErrNotConnected
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if !isAlreadyExistsError(err) {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("create bucket %s", cfg.Bucket))
		}
		// lost a creation race
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
		if err != nil {
			c.recordFailure()
			return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket",
				fmt.Sprintf("access existing bucket %s", cfg.Bucket))
		}
	}

	c.logger.Debug("KV bucket ready", "bucket", cfg.Bucket)
	c.resetCircuit()
	return bucket, nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.subErrors = make(map[*nats.Subscription]func(error))
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	var drainErr error
	select {
	case err := <-drainDone:
		if err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		drainErr = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout),
			"Client", "Close", "drain")
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
	}
	conn.Close()

	if drainErr != nil {
		c.logger.Error("NATS drain failed", "error", drainErr)
	}
	return drainErr
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected")
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.logger.Debug("NATS connection closed")
}

// handleError routes asynchronous subscription errors to their subscriber
func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
	if sub == nil {
		return
	}

	c.mu.RLock()
	onError := c.subErrors[sub]
	c.mu.RUnlock()

	if onError != nil {
		onError(err)
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "already in use") || strings.Contains(errStr, "already exists")
}
