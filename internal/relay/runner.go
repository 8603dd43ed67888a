package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/metrics"
)

// Runner drives every task on its own ticker. Each tick takes a lock named
// after the task, so replicas sharing a lock manager do not double-send.
type Runner struct {
	tasks   []Task
	locks   domain.LockManager
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRunner returns a runner for tasks. m may be nil.
func NewRunner(tasks []Task, locks domain.LockManager, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		tasks:   tasks,
		locks:   locks,
		metrics: m,
		logger:  logger.With(slog.String("component", "relay")),
	}
}

// Run starts every task and blocks until ctx is cancelled. Task failures are
// logged and retried on the next tick; they never stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("relay starting", slog.Int("tasks", len(r.tasks)))

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range r.tasks {
		g.Go(func() error {
			r.loop(ctx, task)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info("relay stopped")
	return err
}

// RunOnce runs every task a single time in order and returns the joined
// errors.
func (r *Runner) RunOnce(ctx context.Context) error {
	var errs []error
	for _, task := range r.tasks {
		if err := r.tick(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) loop(ctx context.Context, task Task) {
	logger := r.logger.With(slog.String("task", task.Name()))
	logger.Info("task loop starting", slog.Duration("interval", task.Interval()))

	if err := r.tick(ctx, task); err != nil && ctx.Err() == nil {
		logger.Error("task failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(task.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("task loop stopped")
			return
		case <-ticker.C:
			if err := r.tick(ctx, task); err != nil && ctx.Err() == nil {
				logger.Error("task failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runner) tick(ctx context.Context, task Task) error {
	unlock, err := r.locks.Acquire(ctx, "relay:"+task.Name(), task.Interval())
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.metrics.RelaySkipped(task.Name())
			return nil
		}
		return err
	}
	defer unlock()

	start := time.Now()
	err = task.Run(ctx)
	r.metrics.RelayRun(task.Name(), err, time.Since(start))
	return err
}
