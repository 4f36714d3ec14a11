// Package notify accepts send requests for a task and puts them on the
// delivery queue once the caller, the silent window and the send caps allow it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/gate"
	"github.com/lyb88999/gns/internal/identity"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/queue"
)

// TaskStore is the part of the repository the send path needs.
type TaskStore interface {
	FindByTaskID(ctx context.Context, taskID string) (*db.Task, error)
	MarkQueueEntry(ctx context.Context, taskID, entryID string) error
}

// Gate checks silent hours and send caps.
type Gate interface {
	Check(ctx context.Context, task *db.Task, now time.Time) error
}

// SendRequest asks for one delivery of a task.
type SendRequest struct {
	TaskID      string             `json:"taskId"`
	Data        map[string]any     `json:"data"`
	Priority    string             `json:"priority,omitempty"`
	Attachments []queue.Attachment `json:"attachments,omitempty"`
}

// Service turns send requests into queue entries.
type Service struct {
	tasks  TaskStore
	gate   Gate
	queue  queue.Queue
	logger *zap.Logger
	now    func() time.Time
}

func NewService(tasks TaskStore, g Gate, q queue.Queue, logger *zap.Logger) *Service {
	return &Service{
		tasks:  tasks,
		gate:   g,
		queue:  q,
		logger: logger,
		now:    time.Now,
	}
}

// Send authorises id against the task, runs the gate, enqueues the message
// and records the entry id on the task. It returns the queue entry id.
func (s *Service) Send(ctx context.Context, id *identity.Identity, req SendRequest) (string, error) {
	if id == nil {
		return "", identity.ErrUnauthorized
	}

	task, err := s.tasks.FindByTaskID(ctx, req.TaskID)
	if err != nil {
		return "", err
	}

	if err := identity.CanSend(id, task); err != nil {
		s.logger.Warn("send refused",
			zap.String("task_id", task.TaskID),
			zap.Int64("user_id", id.UserID),
		)
		return "", err
	}

	now := s.now()
	if err := s.gate.Check(ctx, task, now); err != nil {
		if errors.Is(err, gate.ErrRateLimitExceeded) {
			if gate.IsSilent(err) {
				metrics.RecordGateRejection("silent")
			} else {
				metrics.RecordGateRejection("limit")
			}
		}
		return "", err
	}

	priority := req.Priority
	if priority == "" {
		priority = task.Priority
	}
	data := req.Data
	if data == nil {
		data = map[string]any{}
	}

	msg := &queue.Message{
		TaskID:      task.TaskID,
		Data:        data,
		Priority:    priority,
		Attachments: req.Attachments,
		RequestedAt: now,
		UserID:      id.UserID,
		TeamID:      id.TeamID,
	}

	entryID, err := s.queue.Enqueue(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("enqueue task %s: %w", task.TaskID, err)
	}
	metrics.RecordEnqueued()

	if err := s.tasks.MarkQueueEntry(ctx, task.TaskID, entryID); err != nil {
		return entryID, fmt.Errorf("mark queue entry: %w", err)
	}

	s.logger.Info("notification enqueued",
		zap.String("task_id", task.TaskID),
		zap.String("entry_id", entryID),
		zap.String("priority", priority),
	)

	return entryID, nil
}
