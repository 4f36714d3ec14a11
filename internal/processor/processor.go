// Package processor runs one firing of a task: it sends the task through the
// notify service as its owner and then does the run bookkeeping.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/gate"
	"github.com/lyb88999/gns/internal/identity"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/notify"
)

// TaskStore is the repository surface used for run bookkeeping.
type TaskStore interface {
	FindByTaskID(ctx context.Context, taskID string) (*db.Task, error)
	SaveRunState(ctx context.Context, t *db.Task) error
	AppendLog(ctx context.Context, a *db.DeliveryAttempt) error
}

// Sender is the send path a firing goes through.
type Sender interface {
	Send(ctx context.Context, id *identity.Identity, req notify.SendRequest) (string, error)
}

type Processor struct {
	tasks  TaskStore
	sender Sender
	logger *zap.Logger
	now    func() time.Time
}

func New(tasks TaskStore, sender Sender, logger *zap.Logger) *Processor {
	return &Processor{
		tasks:  tasks,
		sender: sender,
		logger: logger,
		now:    time.Now,
	}
}

// ExecuteTask fires task once as its owner. Failures are logged as a single
// System entry and the next run is still computed. The error is only
// returned for manual runs so schedulers keep going.
func (p *Processor) ExecuteTask(ctx context.Context, task *db.Task, manual bool) error {
	now := p.now()
	trigger := db.TriggerCron
	if manual {
		trigger = db.TriggerManual
	}

	data := task.CustomData
	if data == nil {
		data = map[string]any{}
	}

	entryID, err := p.sender.Send(ctx, identity.ForOwner(task.UserID, task.TeamID), notify.SendRequest{
		TaskID: task.TaskID,
		Data:   data,
	})
	if err != nil {
		status := p.recordFailure(ctx, task, err, now)
		metrics.RecordTaskExecuted(trigger, status)
		p.UpdateNextRunAt(ctx, task, now)
		if manual {
			return err
		}
		return nil
	}

	metrics.RecordTaskExecuted(trigger, db.StatusSuccess)
	task.LastRunAt = &now
	task.PendingQueueEntryID = &entryID
	p.UpdateNextRunAt(ctx, task, now)
	return nil
}

// ExecuteByID loads a task and runs it now on behalf of id.
func (p *Processor) ExecuteByID(ctx context.Context, id *identity.Identity, taskID string) (*db.Task, error) {
	task, err := p.tasks.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := identity.CanManage(id, task); err != nil {
		return nil, err
	}
	if err := p.ExecuteTask(ctx, task, true); err != nil {
		return task, err
	}
	return task, nil
}

func (p *Processor) recordFailure(ctx context.Context, task *db.Task, cause error, now time.Time) string {
	status := db.StatusFailed
	if errors.Is(cause, gate.ErrRateLimitExceeded) {
		status = db.StatusBlocked
		if gate.IsSilent(cause) {
			status = db.StatusSkipped
		}
	}

	if status == db.StatusFailed {
		p.logger.Error("task execution failed",
			zap.String("task_id", task.TaskID),
			zap.Error(cause),
		)
	} else {
		p.logger.Info("task execution gated",
			zap.String("task_id", task.TaskID),
			zap.String("status", status),
			zap.String("reason", cause.Error()),
		)
	}

	msg := cause.Error()
	entry := &db.DeliveryAttempt{
		NotificationID: uuid.NewString(),
		TaskID:         task.TaskID,
		TaskName:       task.Name,
		UserID:         task.UserID,
		Channel:        db.SystemChannel,
		Recipient:      "N/A",
		Status:         status,
		ErrorMessage:   &msg,
		SentAt:         now,
		CreatedAt:      now,
	}
	if err := p.tasks.AppendLog(ctx, entry); err != nil {
		p.logger.Error("failed to append system log",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
	return status
}

// UpdateNextRunAt recomputes the next fire time from now and persists the
// run state only, leaving every other column to concurrent edits. Manual
// tasks and unparseable expressions end up with no next run.
func (p *Processor) UpdateNextRunAt(ctx context.Context, task *db.Task, now time.Time) {
	task.NextRunAt = nil
	if task.IsCron() {
		next, err := cronexpr.Next(task.CronExpression, now)
		if err != nil {
			p.logger.Error("invalid cron, task not rescheduled",
				zap.String("task_id", task.TaskID),
				zap.String("cron", task.CronExpression),
				zap.Error(err),
			)
		} else {
			task.NextRunAt = &next
		}
	}

	if err := p.tasks.SaveRunState(ctx, task); err != nil {
		p.logger.Error("failed to persist task run state",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}
