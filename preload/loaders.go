package preload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// maxRouteBody caps how much of a route document HTTPLoader keeps
const maxRouteBody = 4 << 20

// HTTPLoader loads a route document from Origin and returns its body
type HTTPLoader struct {
	Client *http.Client
	Origin string
}

// Load implements Loader. Client errors (4xx) are not retried.
func (l HTTPLoader) Load(ctx context.Context, route string) (any, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(l.Origin, "/")+route, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "HTTPLoader", "Load", "build request")
	}
	req.Header.Set("Purpose", "prefetch")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPLoader", "Load", "send request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, errors.WrapTransient(fmt.Errorf("unexpected status %d", resp.StatusCode), "HTTPLoader", "Load", route)
	case resp.StatusCode >= 400:
		return nil, errors.WrapInvalid(fmt.Errorf("unexpected status %d", resp.StatusCode), "HTTPLoader", "Load", route)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRouteBody))
	if err != nil {
		return nil, errors.WrapTransient(err, "HTTPLoader", "Load", "read body")
	}
	return body, nil
}
