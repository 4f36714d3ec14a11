// Package worker consumes the delivery queue and fans each entry out to the
// task's channels.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/queue"
	"github.com/lyb88999/gns/internal/template"
)

// Store is the persistence the worker needs.
type Store interface {
	FindByTaskID(ctx context.Context, taskID string) (*db.Task, error)
	FindUserByID(ctx context.Context, id int64) (*db.User, error)
	AppendLog(ctx context.Context, a *db.DeliveryAttempt) error
}

// EventPublisher receives every delivery attempt after it is logged.
type EventPublisher interface {
	Publish(ctx context.Context, a *db.DeliveryAttempt) (string, error)
}

type Config struct {
	Consumer        string
	BatchSize       int
	Block           time.Duration
	ReclaimInterval time.Duration
	ReclaimIdle     time.Duration
}

type Worker struct {
	queue    queue.Queue
	store    Store
	registry *Registry
	events   EventPublisher
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(q queue.Queue, store Store, registry *Registry, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Consumer == "" {
		cfg.Consumer = "gns-worker"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block == 0 {
		cfg.Block = time.Second
	}
	if cfg.ReclaimInterval == 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.ReclaimIdle == 0 {
		cfg.ReclaimIdle = 5 * time.Minute
	}

	return &Worker{
		queue:    q,
		store:    store,
		registry: registry,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithEvents makes the worker publish each delivery attempt to p.
func (w *Worker) WithEvents(p EventPublisher) *Worker {
	w.events = p
	return w
}

// Start consumes until ctx is cancelled. Entries left unacked by a crashed
// consumer are reclaimed on a separate loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	go w.reclaimLoop(ctx)

	w.logger.Info("worker started", zap.String("consumer", w.config.Consumer))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		default:
		}

		deliveries, err := w.queue.Read(ctx, w.config.Consumer, w.config.BatchSize, w.config.Block)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("failed to read queue", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		for _, d := range deliveries {
			w.Handle(ctx, d)
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	deliveries, err := w.queue.Reclaim(ctx, w.config.Consumer, w.config.ReclaimIdle, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to reclaim entries", zap.Error(err))
		return
	}
	if len(deliveries) == 0 {
		return
	}

	metrics.RecordReclaimed(len(deliveries))
	w.logger.Info("reclaimed stale entries", zap.Int("count", len(deliveries)))
	for _, d := range deliveries {
		w.Handle(ctx, d)
	}
}

// Handle processes one queue entry. The entry is acked once it has been
// dispatched, regardless of channel results. Store failures leave it pending
// so that it is reclaimed later.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) {
	if d.Err != nil {
		w.logger.Error("dropping malformed entry", zap.String("entry_id", d.ID), zap.Error(d.Err))
		w.ack(ctx, d.ID)
		return
	}

	msg := d.Message
	task, err := w.store.FindByTaskID(ctx, msg.TaskID)
	if errors.Is(err, db.ErrTaskNotFound) {
		w.logger.Warn("task not found, dropping entry",
			zap.String("entry_id", d.ID),
			zap.String("task_id", msg.TaskID),
		)
		w.ack(ctx, d.ID)
		return
	}
	if err != nil {
		w.logger.Error("failed to load task, leaving entry pending",
			zap.String("entry_id", d.ID),
			zap.String("task_id", msg.TaskID),
			zap.Error(err),
		)
		return
	}

	owner, err := w.store.FindUserByID(ctx, task.UserID)
	if err != nil {
		if !errors.Is(err, db.ErrUserNotFound) {
			w.logger.Warn("failed to load task owner", zap.String("task_id", task.TaskID), zap.Error(err))
		}
		owner = &db.User{}
	}

	data := msg.Data
	if data == nil {
		data = map[string]any{}
	}

	content, err := template.Render(task.MessageTemplate, data)
	if err != nil {
		w.logger.Error("failed to render template", zap.String("task_id", task.TaskID), zap.Error(err))
		w.logAttempt(ctx, task, db.SystemChannel, failed("N/A", err), "")
		w.ack(ctx, d.ID)
		return
	}

	if len(msg.Attachments) > 0 {
		merged := make(map[string]any, len(data)+1)
		for k, v := range data {
			merged[k] = v
		}
		merged["attachments"] = msg.Attachments
		data = merged
	}

	for _, channel := range task.Channels {
		start := w.now()
		outcomes, found := w.registry.Dispatch(ctx, channel, task, content, owner, data)
		if !found {
			continue
		}
		metrics.RecordDeliveryLatency(channel, w.now().Sub(start))

		for _, o := range outcomes {
			w.logAttempt(ctx, task, channel, o, content)
		}
	}

	w.ack(ctx, d.ID)
}

func (w *Worker) logAttempt(ctx context.Context, task *db.Task, channel string, o Outcome, content string) {
	now := w.now()
	attempt := &db.DeliveryAttempt{
		NotificationID: uuid.NewString(),
		TaskID:         task.TaskID,
		TaskName:       task.Name,
		UserID:         task.UserID,
		Channel:        channel,
		Recipient:      o.Recipient,
		Subject:        task.Name,
		Content:        content,
		Status:         o.Status(),
		ErrorMessage:   o.ErrorMessage(),
		SentAt:         now,
		CreatedAt:      now,
	}

	metrics.RecordDeliveryAttempt(channel, attempt.Status)

	if err := w.store.AppendLog(ctx, attempt); err != nil {
		w.logger.Error("failed to append delivery log",
			zap.String("task_id", task.TaskID),
			zap.String("channel", channel),
			zap.Error(err),
		)
	}

	if w.events != nil {
		if _, err := w.events.Publish(ctx, attempt); err != nil {
			w.logger.Warn("failed to publish delivery event",
				zap.String("task_id", task.TaskID),
				zap.String("notification_id", attempt.NotificationID),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		w.logger.Error("failed to ack entry", zap.String("entry_id", id), zap.Error(err))
		return
	}
	metrics.RecordAcked()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
