package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// concurrency tracks the peak number of simultaneous calls
type concurrency struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (c *concurrency) enter() {
	c.mu.Lock()
	c.current++
	c.peak = max(c.peak, c.current)
	c.mu.Unlock()
}

func (c *concurrency) exit() {
	c.mu.Lock()
	c.current--
	c.mu.Unlock()
}

func TestExecuteBatch_ResultsMatchInputOrder(t *testing.T) {
	tests := []struct {
		name     string
		opts     BatchOptions
		wantPeak int
	}{
		{name: "chunks of four", opts: BatchOptions{MaxBatchSize: 4}, wantPeak: 4},
		{name: "default size", opts: BatchOptions{}, wantPeak: 10},
		{name: "disabled", opts: BatchOptions{Disabled: true, MaxBatchSize: 8}, wantPeak: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			var cc concurrency
			barrier := make(chan struct{})
			var once sync.Once
			var started atomic.Int32

			ops := make([]BatchOp, 23)
			for i := range ops {
				ops[i] = BatchOp{
					QueryID: fmt.Sprintf("q%02d", i),
					Run: func(context.Context) (any, error) {
						cc.enter()
						defer cc.exit()
						// hold the first chunk until it has fully started
						if int(started.Add(1)) == tt.wantPeak {
							once.Do(func() { close(barrier) })
						}
						select {
						case <-barrier:
						case <-time.After(200 * time.Millisecond):
						}
						// later ops finish first inside a chunk
						time.Sleep(time.Duration(len(ops)-i) * 100 * time.Microsecond)
						if i == 13 {
							return nil, errors.WrapTransient(errors.ErrConnectionLost, "test", "op", "run")
						}
						return i * 10, nil
					},
				}
			}

			results := f.exec.ExecuteBatch(context.Background(), ops, tt.opts)
			require.Len(t, results, len(ops))
			for i, res := range results {
				assert.Equal(t, fmt.Sprintf("q%02d", i), res.QueryID)
				if i == 13 {
					assert.ErrorIs(t, res.Err, errors.ErrConnectionLost)
					assert.Nil(t, res.Value)
					continue
				}
				require.NoError(t, res.Err, "op %d", i)
				assert.Equal(t, i*10, res.Value)
			}
			assert.Equal(t, tt.wantPeak, cc.peak)
		})
	}
}

func TestExecuteBatch_DuplicateReadsShareExecution(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int32
	run := func(context.Context) (any, error) { return calls.Add(1), nil }

	ops := []BatchOp{
		{QueryID: "workouts:recent", Run: run},
		{QueryID: "exercises:all", Run: run},
		{QueryID: "workouts:recent", Run: run},
	}
	results := f.exec.ExecuteBatch(context.Background(), ops, BatchOptions{})

	assert.Equal(t, int32(2), calls.Load())
	require.NoError(t, results[2].Err)
	assert.Equal(t, results[0].Value, results[2].Value)
}

func TestExecuteBatch_ReadAfterWriteInLaterChunkRunsAgain(t *testing.T) {
	f := newFixture(t, nil)
	sel := backend.Operation{Kind: backend.OpSelect, Table: "workouts"}
	ops := []BatchOp{
		{Operation: sel},
		{Operation: backend.Operation{Kind: backend.OpInsert, Table: "workouts", Values: map[string]any{"id": 3, "user_id": "u3"}}},
		{Operation: sel},
	}
	results := f.exec.ExecuteBatch(context.Background(), ops, BatchOptions{MaxBatchSize: 1})

	for i, r := range results {
		require.NoError(t, r.Err, "op %d", i)
	}
	before, ok := results[0].Value.(backend.Result)
	require.True(t, ok)
	after, ok := results[2].Value.(backend.Result)
	require.True(t, ok)
	assert.Len(t, before.Rows, 2)
	assert.Len(t, after.Rows, 3, "the read after the write sees the new row")
	assert.Equal(t, int64(3), f.backend.Executions())
}

func TestExecuteBatch_Operations(t *testing.T) {
	f := newFixture(t, nil)
	ops := []BatchOp{
		{Operation: backend.Operation{Kind: backend.OpSelect, Table: "workouts"}},
		{Operation: backend.Operation{Kind: backend.OpInsert, Table: "exercises", Values: map[string]any{"id": 1, "name": "squat"}}},
		{Operation: backend.Operation{Kind: backend.OpInsert, Table: "exercises", Values: map[string]any{"id": 2, "name": "lunge"}}},
		{Operation: backend.Operation{Kind: backend.OpSelect, Table: "missing"}},
		{},
		{Run: func(context.Context) (any, error) { return 1, nil }},
	}
	results := f.exec.ExecuteBatch(context.Background(), ops, BatchOptions{MaxBatchSize: 2})

	require.NoError(t, results[0].Err)
	res, ok := results[0].Value.(backend.Result)
	require.True(t, ok)
	assert.Len(t, res.Rows, 2)

	require.NoError(t, results[1].Err)
	require.NoError(t, results[2].Err)
	assert.Len(t, f.backend.Rows("exercises"), 2, "identical-looking writes are not merged")

	assert.ErrorIs(t, results[3].Err, errors.ErrUnknownTable)
	assert.True(t, errors.IsInvalid(results[4].Err))
	assert.True(t, errors.IsInvalid(results[5].Err), "run without query id")
}

func TestExecuteBatch_Empty(t *testing.T) {
	f := newFixture(t, nil)
	assert.Empty(t, f.exec.ExecuteBatch(context.Background(), nil, BatchOptions{}))
}
