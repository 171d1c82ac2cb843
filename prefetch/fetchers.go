package prefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/sport-tracker-sub010/backend"
	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/pkg/cache"
	"github.com/devblac/sport-tracker-sub010/query"
)

// OperationRunner runs table operations through the query layer
type OperationRunner interface {
	ExecuteOperation(ctx context.Context, op backend.Operation, opts query.Options) (backend.Result, error)
}

// TableFetcher warms the query cache for API targets. /api/<table>/... maps to
// a cached low-priority select on <table>.
type TableFetcher struct {
	Runner   OperationRunner
	Limit    int
	CacheTTL time.Duration
}

// Fetch implements Fetcher
func (f TableFetcher) Fetch(ctx context.Context, task Task) (int64, error) {
	table := TableOf(task.Target)
	if table == "" {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %s is not a table target", errors.ErrNoLoader, task.Target),
			"TableFetcher", "Fetch", "resolve table")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	res, err := f.Runner.ExecuteOperation(ctx,
		backend.Operation{Kind: backend.OpSelect, Table: table, Limit: limit},
		query.Options{EnableCache: true, CacheTTL: f.CacheTTL, Priority: query.PriorityLow})
	if err != nil {
		return 0, err
	}
	return int64(cache.JSONSizer(res.Rows)), nil
}

// TableOf returns the table an API target reads, or "" when target is not
// under /api/.
func TableOf(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	rest, ok := strings.CutPrefix(target, "/api/")
	if !ok {
		return ""
	}
	table, _, _ := strings.Cut(rest, "/")
	return table
}

// HTTPFetcher downloads a target relative to Origin and discards the body,
// leaving it in whatever HTTP cache sits between.
type HTTPFetcher struct {
	Client *http.Client
	Origin string
}

// Fetch implements Fetcher
func (f HTTPFetcher) Fetch(ctx context.Context, task Task) (int64, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(f.Origin, "/")+task.Target, nil)
	if err != nil {
		return 0, errors.WrapInvalid(err, "HTTPFetcher", "Fetch", "build request")
	}
	req.Header.Set("Purpose", "prefetch")

	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "HTTPFetcher", "Fetch", "send request")
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, errors.WrapTransient(err, "HTTPFetcher", "Fetch", "read body")
	}
	if resp.StatusCode >= 300 {
		return n, errors.WrapTransient(fmt.Errorf("unexpected status %d", resp.StatusCode), "HTTPFetcher", "Fetch", "check status")
	}
	return n, nil
}
