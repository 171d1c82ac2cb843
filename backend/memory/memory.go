// Package memory is an in-process backend: tables held as row slices and
// realtime channels fed by writes or explicit Publish calls. Failures and
// latency can be injected for tests.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// Backend implements backend.Executor, backend.Realtime and backend.Publisher
type Backend struct {
	mu       sync.Mutex
	tables   map[string][]backend.Row
	channels map[uint64]*channel
	nextID   uint64
	failures map[string][]error
	ackErr   error

	latency  time.Duration
	ackDelay time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	executions atomic.Int64
	opened     atomic.Int64
}

var (
	_ backend.Executor  = (*Backend)(nil)
	_ backend.Realtime  = (*Backend)(nil)
	_ backend.Publisher = (*Backend)(nil)
)

// Option configures a Backend
type Option func(*Backend)

// WithTable creates a table seeded with rows
func WithTable(name string, rows ...backend.Row) Option {
	return func(b *Backend) {
		b.tables[name] = cloneRows(rows)
	}
}

// WithLatency delays every Execute by d, honouring ctx cancellation
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// WithAckDelay delays every channel acknowledgment by d
func WithAckDelay(d time.Duration) Option {
	return func(b *Backend) { b.ackDelay = d }
}

// WithClock sets the clock used for commit timestamps
func WithClock(c clock.Clock) Option {
	return func(b *Backend) { b.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates an in-memory backend
func New(opts ...Option) *Backend {
	b := &Backend{
		tables:   make(map[string][]backend.Row),
		channels: make(map[uint64]*channel),
		failures: make(map[string][]error),
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailNext makes the next Execute against table return err.
// An empty table name matches any table.
func (b *Backend) FailNext(table string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[table] = append(b.failures[table], err)
}

// FailAcks makes OpenChannel fail with err until called again with nil
func (b *Backend) FailAcks(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackErr = err
}

// Executions returns how many operations reached a table
func (b *Backend) Executions() int64 {
	return b.executions.Load()
}

// ChannelsOpened returns how many channels were acknowledged over the backend's lifetime
func (b *Backend) ChannelsOpened() int64 {
	return b.opened.Load()
}

// OpenChannels returns the number of currently open channels on table
func (b *Backend) OpenChannels(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.channels {
		if ch.table == table {
			n++
		}
	}
	return n
}

// Rows returns a copy of a table's rows
func (b *Backend) Rows(table string) []backend.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneRows(b.tables[table])
}

// Execute implements backend.Executor
func (b *Backend) Execute(ctx context.Context, op backend.Operation) (backend.Result, error) {
	if err := op.Validate(); err != nil {
		return backend.Result{}, err
	}
	if err := b.wait(ctx, b.latency); err != nil {
		return backend.Result{}, errors.WrapTransient(err, "memory.Backend", "Execute", "wait for "+op.Table)
	}

	b.mu.Lock()
	if err := b.takeFailureLocked(op.Table); err != nil {
		b.mu.Unlock()
		return backend.Result{}, errors.WrapTransient(err, "memory.Backend", "Execute", string(op.Kind)+" "+op.Table)
	}
	rows, ok := b.tables[op.Table]
	if !ok {
		b.mu.Unlock()
		return backend.Result{}, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownTable, op.Table),
			"memory.Backend", "Execute", "resolve table")
	}
	b.executions.Add(1)

	var (
		result backend.Result
		events []backend.ChangeEvent
		now    = b.clock.Now()
	)
	switch op.Kind {
	case backend.OpSelect:
		result.Rows = selectRows(rows, op)
		result.Affected = int64(len(result.Rows))
	case backend.OpInsert:
		row := backend.Row(op.Values).Clone()
		b.tables[op.Table] = append(rows, row)
		result.Rows = []backend.Row{row.Clone()}
		events = append(events, backend.ChangeEvent{Type: backend.EventInsert, New: row.Clone()})
	case backend.OpUpdate:
		for i, row := range rows {
			if !matchesAll(row, op.Filters) {
				continue
			}
			old := row.Clone()
			for k, v := range op.Values {
				row[k] = v
			}
			rows[i] = row
			result.Rows = append(result.Rows, row.Clone())
			events = append(events, backend.ChangeEvent{Type: backend.EventUpdate, New: row.Clone(), Old: old})
		}
	case backend.OpDelete:
		kept := rows[:0:0]
		for _, row := range rows {
			if matchesAll(row, op.Filters) {
				result.Rows = append(result.Rows, row.Clone())
				events = append(events, backend.ChangeEvent{Type: backend.EventDelete, Old: row.Clone()})
				continue
			}
			kept = append(kept, row)
		}
		b.tables[op.Table] = kept
	case backend.OpUpsert:
		idx := -1
		for i, row := range rows {
			if sameKey(row, op.Values, op.OnConflict) {
				idx = i
				break
			}
		}
		if idx < 0 {
			row := backend.Row(op.Values).Clone()
			b.tables[op.Table] = append(rows, row)
			result.Rows = []backend.Row{row.Clone()}
			events = append(events, backend.ChangeEvent{Type: backend.EventInsert, New: row.Clone()})
		} else {
			old := rows[idx].Clone()
			for k, v := range op.Values {
				rows[idx][k] = v
			}
			result.Rows = []backend.Row{rows[idx].Clone()}
			events = append(events, backend.ChangeEvent{Type: backend.EventUpdate, New: rows[idx].Clone(), Old: old})
		}
	}
	if op.Kind.IsWrite() {
		result.Affected = int64(len(result.Rows))
	}

	targets := make([][]*channel, len(events))
	for i := range events {
		events[i].Table = op.Table
		events[i].CommitTime = now
		targets[i] = b.channelsForLocked(events[i])
	}
	b.mu.Unlock()

	for i, ev := range events {
		deliver(targets[i], ev)
	}
	return result, nil
}

// Publish delivers ev to the matching open channels
func (b *Backend) Publish(ctx context.Context, ev backend.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.CommitTime.IsZero() {
		ev.CommitTime = b.clock.Now()
	}
	b.mu.Lock()
	targets := b.channelsForLocked(ev)
	b.mu.Unlock()

	deliver(targets, ev)
	return nil
}

// FailChannels reports err to every open channel on table
func (b *Backend) FailChannels(table string, err error) {
	b.mu.Lock()
	var targets []*channel
	for _, ch := range b.channels {
		if ch.table == table {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	sortChannels(targets)
	for _, ch := range targets {
		ch.handlers.Status(backend.StatusError, err)
	}
}

// OpenChannel implements backend.Realtime
func (b *Backend) OpenChannel(ctx context.Context, table string, filter backend.EventFilter, h backend.ChannelHandlers) (backend.Channel, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if err := b.wait(ctx, b.ackDelay); err != nil {
		return nil, errors.WrapTransient(backend.AckError(ctx, err), "memory.Backend", "OpenChannel", "await ack for "+table)
	}

	b.mu.Lock()
	if b.ackErr != nil {
		err := b.ackErr
		b.mu.Unlock()
		return nil, errors.WrapTransient(err, "memory.Backend", "OpenChannel", "join "+table)
	}
	b.nextID++
	ch := &channel{id: b.nextID, table: table, filter: filter, handlers: h, owner: b}
	b.channels[ch.id] = ch
	b.mu.Unlock()

	b.opened.Add(1)
	b.logger.Debug("Memory channel opened", "table", table, "filter", string(filter))
	h.Status(backend.StatusSubscribed, nil)
	return ch, nil
}

func (b *Backend) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Backend) takeFailureLocked(table string) error {
	for _, key := range []string{table, ""} {
		if queue := b.failures[key]; len(queue) > 0 {
			b.failures[key] = queue[1:]
			return queue[0]
		}
	}
	return nil
}

func (b *Backend) channelsForLocked(ev backend.ChangeEvent) []*channel {
	var out []*channel
	for _, ch := range b.channels {
		if ch.table == ev.Table && ch.filter.Matches(ev.Type) {
			out = append(out, ch)
		}
	}
	sortChannels(out)
	return out
}

func deliver(targets []*channel, ev backend.ChangeEvent) {
	for _, ch := range targets {
		if ch.closed.Load() {
			continue
		}
		ch.handlers.Message(ev)
	}
}

func sortChannels(chs []*channel) {
	sort.Slice(chs, func(i, j int) bool { return chs[i].id < chs[j].id })
}

type channel struct {
	id       uint64
	table    string
	filter   backend.EventFilter
	handlers backend.ChannelHandlers
	owner    *Backend
	closed   atomic.Bool
}

func (c *channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.owner.mu.Lock()
	delete(c.owner.channels, c.id)
	c.owner.mu.Unlock()

	c.handlers.Status(backend.StatusClosed, nil)
	return nil
}

func cloneRows(rows []backend.Row) []backend.Row {
	if rows == nil {
		return nil
	}
	out := make([]backend.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
