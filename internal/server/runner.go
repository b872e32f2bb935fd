package server

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner executes pipeline tasks in the background with a bound on how many
// operators proceed concurrently. Each operator's own task stays strictly
// sequential; the bound only limits cross-operator parallelism.
type Runner struct {
	group *errgroup.Group
	ctx   context.Context
}

// NewRunner constructs a Runner whose tasks inherit the supplied context.
func NewRunner(ctx context.Context, maxConcurrent int) *Runner {
	group, groupCtx := errgroup.WithContext(ctx)
	if maxConcurrent > 0 {
		group.SetLimit(maxConcurrent)
	}
	return &Runner{group: group, ctx: groupCtx}
}

// Go schedules a task for background execution.
func (runner *Runner) Go(run func(ctx context.Context)) {
	runner.group.Go(func() error {
		run(runner.ctx)
		return nil
	})
}

// Wait blocks until every scheduled task has finished.
func (runner *Runner) Wait() {
	_ = runner.group.Wait()
}
