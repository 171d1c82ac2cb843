package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devblac/sport-tracker-sub010/errors"
	"github.com/devblac/sport-tracker-sub010/pkg/worker"
)

type job struct {
	task Task
	done func(bytes int64, err error)
}

// Start starts the fetch workers
func (p *Prefetcher) Start(ctx context.Context) error {
	if err := p.pool.Start(ctx); err != nil {
		if errors.Is(err, worker.ErrPoolAlreadyStarted) {
			return errors.WrapInvalid(errors.ErrAlreadyStarted, "prefetch", "Start", "start workers")
		}
		return errors.Wrap(err, "prefetch", "Start", "start workers")
	}
	p.logger.Info("Prefetcher started", "workers", p.config.Workers)
	return nil
}

// Stop stops the fetch workers, waiting up to timeout for running fetches
func (p *Prefetcher) Stop(timeout time.Duration) error {
	if err := p.pool.Stop(timeout); err != nil {
		return errors.Wrap(err, "prefetch", "Stop", "stop workers")
	}
	p.logger.Info("Prefetcher stopped")
	return nil
}

// Drain executes up to DrainBatch tasks from the head of the queue and waits
// for them. Tasks beyond the byte budget are dropped. Returns the number of
// tasks handed to the workers.
func (p *Prefetcher) Drain(ctx context.Context) int {
	now := p.clock.Now()

	p.mu.Lock()
	n := min(p.config.DrainBatch, len(p.queue))
	batch := make([]Task, n)
	copy(batch, p.queue[:n])
	p.queue = append(p.queue[:0], p.queue[n:]...)

	runnable := batch[:0:0]
	for _, t := range batch {
		if !p.limiter.AllowN(now, int(t.EstimatedSize)) {
			p.rejectLocked(rejectBudget, 1)
			continue
		}
		p.fetched[t.Target] = now
		runnable = append(runnable, t)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	submitted := 0
	for _, t := range runnable {
		wg.Add(1)
		err := p.pool.Submit(job{task: t, done: func(bytes int64, err error) {
			defer wg.Done()
			p.complete(t, bytes, err)
		}})
		if err != nil {
			wg.Done()
			p.logger.Debug("Prefetch not submitted, requeueing", "target", t.Target, "error", err)
			p.mu.Lock()
			delete(p.fetched, t.Target)
			p.enqueueLocked(now, []Task{t})
			p.mu.Unlock()
			continue
		}
		submitted++
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return submitted
}

func (p *Prefetcher) complete(t Task, bytes int64, err error) {
	p.mu.Lock()
	if err != nil {
		p.stats.failed++
		// a failed target may be predicted again
		delete(p.fetched, t.Target)
	} else {
		p.stats.executed++
		p.stats.bytes += bytes
	}
	p.mu.Unlock()

	if err != nil {
		p.metrics.RecordPrefetch("failed")
		p.logger.Debug("Prefetch failed", "target", t.Target, "kind", string(t.Kind), "error", err)
		return
	}
	p.metrics.RecordPrefetch("executed")
}

func (p *Prefetcher) process(ctx context.Context, j job) error {
	bytes, err := p.fetch(ctx, j.task)
	j.done(bytes, err)
	return err
}

// fetchPanicked completes a job whose fetcher panicked before reaching done
func fetchPanicked(j job, err error) {
	if errors.Is(err, worker.ErrProcessorPanic) {
		j.done(0, fmt.Errorf("prefetch of %s: %w", j.task.Target, err))
	}
}

// fetch loads the dependencies of a task before the task itself
func (p *Prefetcher) fetch(ctx context.Context, t Task) (int64, error) {
	var total int64
	for _, dep := range t.Dependencies {
		n, err := p.fetchOne(ctx, Task{Target: dep, Kind: KindOf(dep), Priority: t.Priority, Reason: "dependency of " + t.Target})
		total += n
		if err != nil {
			return total, fmt.Errorf("dependency %s: %w", dep, err)
		}
	}
	n, err := p.fetchOne(ctx, t)
	return total + n, err
}

func (p *Prefetcher) fetchOne(ctx context.Context, t Task) (int64, error) {
	f := p.fetchers.forKind(t.Kind)
	if f == nil {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %s target %s", errors.ErrNoLoader, t.Kind, t.Target),
			"prefetch", "fetch", "select fetcher")
	}
	return f.Fetch(ctx, t)
}
