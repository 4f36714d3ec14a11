// Package scheduler fires cron tasks. Two engines share one interface: a
// database poller and a Redis sorted-set engine whose remove-as-claim step
// lets several nodes run side by side without double firing.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
)

// Engine types selectable at startup.
const (
	TypeDB    = "db"
	TypeRedis = "redis"
)

// Engine keeps cron tasks firing. Schedule is called after a task is
// created or updated and Remove after it is deleted.
type Engine interface {
	Start(ctx context.Context)
	Schedule(ctx context.Context, task *db.Task) error
	Remove(ctx context.Context, task *db.Task) error
}

// Executor runs a firing and maintains a task's next run.
type Executor interface {
	ExecuteTask(ctx context.Context, task *db.Task, manual bool) error
	UpdateNextRunAt(ctx context.Context, task *db.Task, now time.Time)
}

// TaskStore is the task lookup surface used by both engines.
type TaskStore interface {
	FindByTaskID(ctx context.Context, taskID string) (*db.Task, error)
	FindDueCronTasks(ctx context.Context, now time.Time) ([]*db.Task, error)
	FindUninitializedCronTasks(ctx context.Context) ([]*db.Task, error)
	FindActiveCronTasks(ctx context.Context) ([]*db.Task, error)
	SaveRunState(ctx context.Context, t *db.Task) error
	// ClaimFiring advances a due task's next run only if it still equals
	// due; true means this caller owns the firing.
	ClaimFiring(ctx context.Context, taskID string, due time.Time, next *time.Time) (bool, error)
}

// ScheduleSet is the shared ordered schedule used by the Redis engine.
type ScheduleSet interface {
	Upsert(ctx context.Context, taskID string, at time.Time) error
	Remove(ctx context.Context, taskID string) (bool, error)
	Due(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// Claim removes a due entry; true means this caller owns the firing.
	Claim(ctx context.Context, taskID string, now time.Time) (bool, error)
}

type Config struct {
	Type         string
	PollInterval time.Duration
	TickInterval time.Duration
}

// New builds the engine named by cfg.Type. set may be nil for the db engine.
func New(cfg Config, store TaskStore, set ScheduleSet, exec Executor, logger *zap.Logger) (Engine, error) {
	switch cfg.Type {
	case "", TypeDB:
		return NewPollEngine(store, exec, cfg.PollInterval, logger), nil
	case TypeRedis:
		if set == nil {
			return nil, fmt.Errorf("redis scheduler requires a schedule set")
		}
		return NewRedisEngine(store, set, exec, cfg.TickInterval, logger), nil
	default:
		return nil, fmt.Errorf("unknown scheduler type %q", cfg.Type)
	}
}
