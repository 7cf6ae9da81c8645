// Package worker runs the gateway's background tasks: the asynchronous
// cost recorder that drains accounting writes off the request path, and
// the eviction sweeps that keep in-memory rate-limit and circuit-breaker
// state bounded on long-lived processes.
package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is one long-running background task owned by the Runner.
type Worker interface {
	// Name identifies the worker in logs.
	Name() string
	// Run blocks until ctx is cancelled or the task fails unrecoverably.
	Run(ctx context.Context) error
}

// Runner supervises the gateway's workers as a single unit: all start
// together, and the first failure cancels the rest so a wedged worker
// never lingers half-alive behind a healthy-looking process.
type Runner struct {
	workers []Worker
}

// NewRunner returns a Runner owning the given workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. The first
// non-nil error cancels the shared context and is the one returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", w.Name()))
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
