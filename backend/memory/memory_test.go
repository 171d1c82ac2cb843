package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

func seeded() *Backend {
	return New(WithTable("workouts",
		backend.Row{"id": 1, "user_id": "u1", "completed_at": 30, "name": "legs"},
		backend.Row{"id": 2, "user_id": "u1", "completed_at": 10, "name": "push"},
		backend.Row{"id": 3, "user_id": "u2", "completed_at": 20, "name": "pull"},
	))
}

func TestExecute_Select(t *testing.T) {
	b := seeded()
	ctx := context.Background()

	tests := []struct {
		name string
		op   backend.Operation
		ids  []int
	}{
		{"all", backend.Operation{Kind: backend.OpSelect, Table: "workouts"}, []int{1, 2, 3}},
		{"eq filter", backend.Operation{Kind: backend.OpSelect, Table: "workouts",
			Filters: []backend.Filter{{Column: "user_id", Op: backend.Eq, Value: "u1"}}}, []int{1, 2}},
		{"ordered desc with limit", backend.Operation{Kind: backend.OpSelect, Table: "workouts",
			OrderBy: []backend.Order{{Column: "completed_at", Desc: true}}, Limit: 2}, []int{1, 3}},
		{"range", backend.Operation{Kind: backend.OpSelect, Table: "workouts",
			Filters: []backend.Filter{{Column: "completed_at", Op: backend.Gte, Value: int64(20)}}}, []int{1, 3}},
		{"in", backend.Operation{Kind: backend.OpSelect, Table: "workouts",
			Filters: []backend.Filter{{Column: "id", Op: backend.In, Value: []any{2, 3}}}}, []int{2, 3}},
		{"neq", backend.Operation{Kind: backend.OpSelect, Table: "workouts",
			Filters: []backend.Filter{{Column: "name", Op: backend.Neq, Value: "legs"}}}, []int{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := b.Execute(ctx, tt.op)
			require.NoError(t, err)
			var ids []int
			for _, r := range res.Rows {
				ids = append(ids, r["id"].(int))
			}
			assert.Equal(t, tt.ids, ids)
		})
	}
}

func TestExecute_Projection(t *testing.T) {
	b := seeded()
	res, err := b.Execute(context.Background(), backend.Operation{
		Kind: backend.OpSelect, Table: "workouts", Columns: []string{"name"}, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, backend.Row{"name": "legs"}, res.Rows[0])
}

func TestExecute_WritesEmitEvents(t *testing.T) {
	b := seeded()
	ctx := context.Background()

	var mu sync.Mutex
	var events []backend.ChangeEvent
	ch, err := b.OpenChannel(ctx, "workouts", backend.FilterAll, backend.ChannelHandlers{
		OnMessage: func(ev backend.ChangeEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		},
	})
	require.NoError(t, err)

	_, err = b.Execute(ctx, backend.Operation{Kind: backend.OpInsert, Table: "workouts",
		Values: map[string]any{"id": 4, "user_id": "u3"}})
	require.NoError(t, err)

	res, err := b.Execute(ctx, backend.Operation{Kind: backend.OpUpdate, Table: "workouts",
		Filters: []backend.Filter{{Column: "user_id", Op: backend.Eq, Value: "u1"}},
		Values:  map[string]any{"name": "renamed"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Affected)

	res, err = b.Execute(ctx, backend.Operation{Kind: backend.OpDelete, Table: "workouts",
		Filters: []backend.Filter{{Column: "id", Op: backend.Eq, Value: 3}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	res, err = b.Execute(ctx, backend.Operation{Kind: backend.OpUpsert, Table: "workouts",
		Values: map[string]any{"id": 4, "user_id": "u4"}, OnConflict: []string{"id"}})
	require.NoError(t, err)
	assert.Equal(t, "u4", res.Rows[0]["user_id"])

	mu.Lock()
	types := make([]string, 0, len(events))
	for _, ev := range events {
		assert.Equal(t, "workouts", ev.Table)
		assert.False(t, ev.CommitTime.IsZero())
		types = append(types, ev.Type)
	}
	mu.Unlock()
	assert.Equal(t, []string{"INSERT", "UPDATE", "UPDATE", "DELETE", "UPDATE"}, types)
	assert.Len(t, b.Rows("workouts"), 3)

	require.NoError(t, ch.Close())
	assert.Equal(t, 0, b.OpenChannels("workouts"))
}

func TestExecute_Errors(t *testing.T) {
	b := seeded()
	ctx := context.Background()

	_, err := b.Execute(ctx, backend.Operation{Kind: backend.OpSelect, Table: "missing"})
	assert.ErrorIs(t, err, errors.ErrUnknownTable)
	assert.True(t, errors.IsInvalid(err))

	_, err = b.Execute(ctx, backend.Operation{Kind: "merge", Table: "workouts"})
	assert.ErrorIs(t, err, errors.ErrInvalidOperation)

	b.FailNext("workouts", errors.ErrConnectionLost)
	_, err = b.Execute(ctx, backend.Operation{Kind: backend.OpSelect, Table: "workouts"})
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(err))

	_, err = b.Execute(ctx, backend.Operation{Kind: backend.OpSelect, Table: "workouts"})
	assert.NoError(t, err, "injected failure is consumed once")
}

func TestExecute_LatencyHonoursContext(t *testing.T) {
	b := New(WithTable("sets"), WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Execute(ctx, backend.Operation{Kind: backend.OpSelect, Table: "sets"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), b.Executions())
}

func TestOpenChannel_FilterAndStatus(t *testing.T) {
	b := seeded()
	ctx := context.Background()

	var statuses []backend.ChannelStatus
	var inserts int
	ch, err := b.OpenChannel(ctx, "workouts", backend.EventInsert, backend.ChannelHandlers{
		OnMessage: func(backend.ChangeEvent) { inserts++ },
		OnStatus:  func(s backend.ChannelStatus, _ error) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, backend.ChangeEvent{Table: "workouts", Type: "DELETE"}))
	require.NoError(t, b.Publish(ctx, backend.ChangeEvent{Table: "workouts", Type: "INSERT"}))
	require.NoError(t, b.Publish(ctx, backend.ChangeEvent{Table: "sets", Type: "INSERT"}))
	assert.Equal(t, 1, inserts)

	b.FailChannels("workouts", errors.ErrConnectionLost)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	assert.Equal(t, []backend.ChannelStatus{backend.StatusSubscribed, backend.StatusError, backend.StatusClosed}, statuses)
}

func TestOpenChannel_AckFailures(t *testing.T) {
	ctx := context.Background()

	_, err := New().OpenChannel(ctx, "workouts", "UPSERT", backend.ChannelHandlers{})
	assert.True(t, errors.IsInvalid(err))

	b := New()
	b.FailAcks(errors.ErrSubscriptionFailed)
	_, err = b.OpenChannel(ctx, "workouts", backend.FilterAll, backend.ChannelHandlers{})
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)

	slow := New(WithAckDelay(time.Hour))
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = slow.OpenChannel(tctx, "workouts", backend.FilterAll, backend.ChannelHandlers{})
	assert.ErrorIs(t, err, errors.ErrChannelTimeout)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int64(0), slow.ChannelsOpened())
}
