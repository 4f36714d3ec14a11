package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/metrics"
)

// dueBatch bounds how many due entries one tick looks at.
const dueBatch = 100

// RedisEngine keeps next fire times in a shared sorted set. A due entry is
// claimed by removing it; only the node whose removal succeeded runs it.
type RedisEngine struct {
	store    TaskStore
	set      ScheduleSet
	exec     Executor
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewRedisEngine(store TaskStore, set ScheduleSet, exec Executor, interval time.Duration, logger *zap.Logger) *RedisEngine {
	if interval <= 0 {
		interval = time.Second
	}
	return &RedisEngine{
		store:    store,
		set:      set,
		exec:     exec,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start rebuilds the schedule from the task table and then ticks until ctx ends.
func (e *RedisEngine) Start(ctx context.Context) {
	e.load(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("redis scheduler stopping")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *RedisEngine) load(ctx context.Context) {
	tasks, err := e.store.FindActiveCronTasks(ctx)
	if err != nil {
		e.logger.Error("failed to load cron tasks", zap.Error(err))
		return
	}

	for _, task := range tasks {
		if err := e.Schedule(ctx, task); err != nil {
			e.logger.Error("failed to schedule task",
				zap.String("task_id", task.TaskID),
				zap.Error(err),
			)
		}
	}
	e.logger.Info("redis scheduler initialized", zap.Int("tasks", len(tasks)))
}

// Schedule writes the task's next fire time, or drops its entry when the
// task is inactive or not cron driven.
func (e *RedisEngine) Schedule(ctx context.Context, task *db.Task) error {
	if !task.Active || !task.IsCron() {
		return e.Remove(ctx, task)
	}

	next, err := cronexpr.Next(task.CronExpression, e.now())
	if err != nil {
		e.logger.Error("invalid cron, task not scheduled",
			zap.String("task_id", task.TaskID),
			zap.String("cron", task.CronExpression),
		)
		return err
	}

	if err := e.set.Upsert(ctx, task.TaskID, next); err != nil {
		return fmt.Errorf("schedule task %s: %w", task.TaskID, err)
	}

	task.NextRunAt = &next
	if err := e.store.SaveRunState(ctx, task); err != nil {
		return fmt.Errorf("persist next run for %s: %w", task.TaskID, err)
	}
	return nil
}

func (e *RedisEngine) Remove(ctx context.Context, task *db.Task) error {
	if _, err := e.set.Remove(ctx, task.TaskID); err != nil {
		return fmt.Errorf("unschedule task %s: %w", task.TaskID, err)
	}
	return nil
}

func (e *RedisEngine) tick(ctx context.Context) {
	now := e.now()
	due, err := e.set.Due(ctx, now, dueBatch)
	if err != nil {
		e.logger.Error("failed to read due tasks", zap.Error(err))
		return
	}

	for _, taskID := range due {
		claimed, err := e.set.Claim(ctx, taskID, now)
		if err != nil {
			e.logger.Error("failed to claim task", zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		if !claimed {
			metrics.RecordSchedulerClaim("lost")
			continue
		}
		metrics.RecordSchedulerClaim("claimed")

		e.fire(ctx, taskID)
	}
}

func (e *RedisEngine) fire(ctx context.Context, taskID string) {
	task, err := e.store.FindByTaskID(ctx, taskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		e.logger.Info("claimed task no longer exists", zap.String("task_id", taskID))
		return
	}
	if err != nil {
		e.logger.Error("failed to load claimed task", zap.String("task_id", taskID), zap.Error(err))
		// Put the entry back so the next tick retries it.
		if err := e.set.Upsert(ctx, taskID, e.now()); err != nil {
			e.logger.Error("failed to restore schedule entry", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}

	if task.Active && task.IsCron() {
		if err := e.exec.ExecuteTask(ctx, task, false); err != nil {
			e.logger.Error("task execution failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}

	if err := e.Schedule(ctx, task); err != nil {
		e.logger.Error("failed to reschedule task", zap.String("task_id", taskID), zap.Error(err))
	}
}
