package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/metrics"
)

// PollEngine scans the task table on a fixed interval. Several pollers may
// share one table: a due row is claimed by a conditional update of its
// next run before it is executed.
type PollEngine struct {
	store    TaskStore
	exec     Executor
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewPollEngine(store TaskStore, exec Executor, interval time.Duration, logger *zap.Logger) *PollEngine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollEngine{
		store:    store,
		exec:     exec,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *PollEngine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("poll scheduler started", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("poll scheduler stopping")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *PollEngine) tick(ctx context.Context) {
	now := e.now()

	fresh, err := e.store.FindUninitializedCronTasks(ctx)
	if err != nil {
		e.logger.Error("failed to load unscheduled tasks", zap.Error(err))
		return
	}
	for _, task := range fresh {
		e.exec.UpdateNextRunAt(ctx, task, now)
	}

	due, err := e.store.FindDueCronTasks(ctx, now)
	if err != nil {
		e.logger.Error("failed to load due tasks", zap.Error(err))
		return
	}
	for _, task := range due {
		if !e.claim(ctx, task, now) {
			continue
		}
		if err := e.exec.ExecuteTask(ctx, task, false); err != nil {
			e.logger.Error("task execution failed",
				zap.String("task_id", task.TaskID),
				zap.Error(err),
			)
		}
	}
}

func (e *PollEngine) claim(ctx context.Context, task *db.Task, now time.Time) bool {
	if task.NextRunAt == nil {
		return false
	}

	var next *time.Time
	if at, err := cronexpr.Next(task.CronExpression, now); err == nil {
		next = &at
	}

	claimed, err := e.store.ClaimFiring(ctx, task.TaskID, *task.NextRunAt, next)
	if err != nil {
		e.logger.Error("failed to claim task", zap.String("task_id", task.TaskID), zap.Error(err))
		return false
	}
	if !claimed {
		metrics.RecordSchedulerClaim("lost")
		return false
	}
	metrics.RecordSchedulerClaim("claimed")

	task.NextRunAt = next
	return true
}

// Schedule only fills in a missing next run; the poller picks the rest up.
func (e *PollEngine) Schedule(ctx context.Context, task *db.Task) error {
	if task.Active && task.IsCron() && task.NextRunAt == nil {
		e.exec.UpdateNextRunAt(ctx, task, e.now())
	}
	return nil
}

func (e *PollEngine) Remove(ctx context.Context, task *db.Task) error {
	return nil
}
