// Package backend defines the boundary between the optimization core and the
// hosted data backend: table operations executed through an Executor, and
// change-event channels opened through a Realtime implementation.
//
// The core treats both as opaque. Concrete implementations live in
// sub-packages:
//   - memory: in-process tables and channels, used by tests and as a fallback
//   - postgres: Executor over pgx
//   - natsrt: Realtime over NATS subjects
//   - wsrt: Realtime over a websocket join/ack protocol
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// OpKind is the kind of table operation
type OpKind string

// Operation kinds
const (
	OpSelect OpKind = "select"
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpUpsert OpKind = "upsert"
)

// IsWrite reports whether the operation modifies table contents
func (k OpKind) IsWrite() bool {
	return k == OpInsert || k == OpUpdate || k == OpDelete || k == OpUpsert
}

// FilterOp is a comparison applied by a Filter
type FilterOp string

// Filter operators
const (
	Eq  FilterOp = "eq"
	Neq FilterOp = "neq"
	Gt  FilterOp = "gt"
	Gte FilterOp = "gte"
	Lt  FilterOp = "lt"
	Lte FilterOp = "lte"
	In  FilterOp = "in"
)

// Filter restricts an operation to rows where Column Op Value holds.
// For In, Value must be a slice.
type Filter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value"`
}

// Order sorts selected rows by Column
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Row is one table row keyed by column name
type Row map[string]any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Operation describes one read or write against a table
type Operation struct {
	Kind    OpKind         `json:"kind"`
	Table   string         `json:"table"`
	Columns []string       `json:"columns,omitempty"`
	Filters []Filter       `json:"filters,omitempty"`
	Values  map[string]any `json:"values,omitempty"`
	OrderBy []Order        `json:"order_by,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	// OnConflict names the unique columns an upsert matches on
	OnConflict []string `json:"on_conflict,omitempty"`
}

// Validate checks the operation is well formed
func (o Operation) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidOperation}, args...)...),
			"Operation", "Validate", "check operation")
	}

	if o.Table == "" {
		return fail("table is required")
	}
	switch o.Kind {
	case OpSelect, OpDelete:
	case OpInsert, OpUpdate:
		if len(o.Values) == 0 {
			return fail("%s requires values", o.Kind)
		}
	case OpUpsert:
		if len(o.Values) == 0 || len(o.OnConflict) == 0 {
			return fail("upsert requires values and conflict columns")
		}
	default:
		return fail("unknown kind %q", o.Kind)
	}
	if o.Kind == OpUpdate && len(o.Filters) == 0 {
		return fail("update without filters")
	}
	if o.Limit < 0 {
		return fail("negative limit")
	}
	for _, f := range o.Filters {
		switch f.Op {
		case Eq, Neq, Gt, Gte, Lt, Lte, In:
		default:
			return fail("unknown filter operator %q", f.Op)
		}
		if f.Column == "" {
			return fail("filter without column")
		}
	}
	return nil
}

// Result is the outcome of an Operation. Writes return the affected rows
// when the backend reports them.
type Result struct {
	Rows     []Row `json:"rows"`
	Affected int64 `json:"affected"`
}

// Executor runs table operations
type Executor interface {
	Execute(ctx context.Context, op Operation) (Result, error)
}

// Event types carried by ChangeEvent.Type
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// EventFilter selects which change types a channel receives
type EventFilter string

// FilterAll receives every change type
const FilterAll EventFilter = "*"

// Validate checks the filter is one of INSERT, UPDATE, DELETE or *
func (f EventFilter) Validate() error {
	switch f {
	case EventInsert, EventUpdate, EventDelete, FilterAll:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: event filter %q", errors.ErrInvalidData, string(f)),
		"EventFilter", "Validate", "check filter")
}

// Matches reports whether an event of the given type passes the filter
func (f EventFilter) Matches(eventType string) bool {
	return f == FilterAll || strings.EqualFold(string(f), eventType)
}

// ChangeEvent is one row change delivered on a realtime channel
type ChangeEvent struct {
	Table      string    `json:"table"`
	Type       string    `json:"type"`
	New        Row       `json:"new,omitempty"`
	Old        Row       `json:"old,omitempty"`
	CommitTime time.Time `json:"commit_time"`
}

// ChannelStatus is a realtime channel lifecycle notification
type ChannelStatus string

// Channel statuses
const (
	StatusSubscribed ChannelStatus = "subscribed"
	StatusClosed     ChannelStatus = "closed"
	StatusError      ChannelStatus = "error"
	StatusTimedOut   ChannelStatus = "timed_out"
)

// ChannelHandlers receive a channel's messages and status changes.
// Either may be nil.
type ChannelHandlers struct {
	OnMessage func(ChangeEvent)
	OnStatus  func(ChannelStatus, error)
}

// Message invokes OnMessage if set
func (h ChannelHandlers) Message(ev ChangeEvent) {
	if h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

// Status invokes OnStatus if set
func (h ChannelHandlers) Status(status ChannelStatus, err error) {
	if h.OnStatus != nil {
		h.OnStatus(status, err)
	}
}

// Realtime opens change-event channels. OpenChannel returns only after the
// backend acknowledged the channel; callers bound the wait with ctx.
type Realtime interface {
	OpenChannel(ctx context.Context, table string, filter EventFilter, h ChannelHandlers) (Channel, error)
}

// Channel is an open realtime channel
type Channel interface {
	Close() error
}

// Publisher emits change events to realtime subscribers
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// AckError converts a context failure while waiting for a channel
// acknowledgment into ErrChannelTimeout, leaving other errors unchanged.
func AckError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.ErrChannelTimeout
	}
	return err
}
