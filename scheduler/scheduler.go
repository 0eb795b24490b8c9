// Package scheduler runs the platform's periodic financial jobs: payout
// runs, reserve execution, hold expiry, dispute deadlines, and the conduct
// sweeps. Each task ticks on its own interval; a tick is skipped while the
// previous run of the same task is still executing.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler is one periodic job. Errors are logged, never fatal.
type Handler func(ctx context.Context) error

// Task describes a named job and its cadence.
type Task struct {
	Name         string
	Interval     time.Duration
	RunOnStartup bool
	Handler      Handler
}

// Runner drives a fixed set of tasks until its context is cancelled.
type Runner struct {
	tasks  []Task
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner constructs a runner over the given tasks.
func NewRunner(tasks []Task, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{tasks: tasks, logger: logger}
}

// Start launches one goroutine per task and returns immediately. Call Wait
// after cancelling the context to drain in-flight runs.
func (r *Runner) Start(ctx context.Context) {
	for _, task := range r.tasks {
		if task.Handler == nil || task.Interval <= 0 {
			r.logger.Warn("scheduler: skipping misconfigured task", "task", task.Name)
			continue
		}
		r.wg.Add(1)
		go r.loop(ctx, task)
	}
}

// Wait blocks until every task goroutine has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, task Task) {
	defer r.wg.Done()
	if task.RunOnStartup {
		r.run(ctx, task)
	}
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx, task)
		}
	}
}

func (r *Runner) run(ctx context.Context, task Task) {
	start := time.Now()
	if err := task.Handler(ctx); err != nil {
		r.logger.Error("scheduler: task failed",
			"task", task.Name, "elapsed", time.Since(start), "err", err)
		return
	}
	r.logger.Debug("scheduler: task completed",
		"task", task.Name, "elapsed", time.Since(start))
}
