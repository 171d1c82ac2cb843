package query

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
)

// BatchOp is one entry of a batch. Either Run or Operation must be set; Run
// wins when both are. QueryID defaults to the operation's id.
type BatchOp struct {
	QueryID   string
	Operation backend.Operation
	Run       func(context.Context) (any, error)
	Options   Options
}

// BatchOptions control batch execution
type BatchOptions struct {
	// MaxBatchSize bounds each concurrently executed chunk; zero uses the default
	MaxBatchSize int
	// Disabled runs the operations one at a time
	Disabled bool
}

// BatchResult is the outcome of the op at the same index.
// Value holds a backend.Result for Operation entries.
type BatchResult struct {
	QueryID string
	Value   any
	Err     error
}

// ExecuteBatch runs ops in chunks of at most MaxBatchSize. Ops inside a chunk
// run concurrently, chunks run in order. results[i] always belongs to ops[i]
// and a failing op never affects its siblings. Entries sharing a query id
// within one chunk run once and share the outcome; a later chunk runs them
// again so that it observes writes made in between.
func (e *Executor) ExecuteBatch(ctx context.Context, ops []BatchOp, opts BatchOptions) []BatchResult {
	results := make([]BatchResult, len(ops))
	if len(ops) == 0 {
		return results
	}

	size := opts.MaxBatchSize
	if size <= 0 {
		size = e.config.DefaultMaxBatchSize
	}
	if opts.Disabled {
		size = 1
	}

	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))

		var g errgroup.Group
		first := make(map[string]int, end-start)
		dupOf := make(map[int]int)
		for i := start; i < end; i++ {
			id := e.batchQueryID(ops[i])
			results[i].QueryID = id
			if shareable(ops[i], id) {
				if j, seen := first[id]; seen {
					dupOf[i] = j
					continue
				}
				first[id] = i
			}

			g.Go(func() error {
				results[i].Value, results[i].Err = e.runBatchOp(ctx, ops[i], id)
				// errors stay with their op so siblings keep running
				return nil
			})
		}
		_ = g.Wait()

		for i, j := range dupOf {
			results[i].Value, results[i].Err = results[j].Value, results[j].Err
		}
	}
	return results
}

func (e *Executor) batchQueryID(op BatchOp) string {
	if op.QueryID != "" {
		return op.QueryID
	}
	if op.Run == nil && op.Operation.Table != "" {
		return OperationID(op.Operation)
	}
	return ""
}

// shareable reports whether identical entries may share one execution
func shareable(op BatchOp, id string) bool {
	return id != "" && (op.Run != nil || !op.Operation.Kind.IsWrite())
}

func (e *Executor) runBatchOp(ctx context.Context, op BatchOp, id string) (any, error) {
	switch {
	case op.Run != nil:
		if id == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidOperation, "query", "ExecuteBatch", "batch op without query id")
		}
		return Execute(ctx, e, op.Run, id, op.Options)
	case op.Operation.Kind != "":
		return e.ExecuteOperation(ctx, op.Operation, op.Options)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidOperation, "query", "ExecuteBatch", "empty batch op")
	}
}
