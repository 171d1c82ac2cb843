// Package schedule runs the periodic maintenance loops of the optimization
// components on an injectable clock, so tests drive them with a mock clock or
// call the tick functions directly.
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Task is one periodic job
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Every calls fn on each tick of interval until ctx is done.
// A non-positive interval disables the loop.
func Every(ctx context.Context, clk clock.Clock, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Run runs every task on its own ticker and blocks until ctx is done
func Run(ctx context.Context, clk clock.Clock, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			Every(gctx, clk, task.Interval, task.Run)
			return nil
		})
	}
	return g.Wait()
}
