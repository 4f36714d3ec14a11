package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for tasks, delivery logs and owners
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const taskColumns = `
	id, task_id, name, description, user_id, team_id, trigger_type, cron_expression,
	channels, message_template, custom_data, priority, rate_limit_enabled,
	max_per_hour, max_per_day, silent_start, silent_end, merge_window_minutes,
	active, created_at, updated_at, last_run_at, next_run_at, pending_queue_entry_id`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.TaskID,
		&t.Name,
		&t.Description,
		&t.UserID,
		&t.TeamID,
		&t.TriggerType,
		&t.CronExpression,
		&t.Channels,
		&t.MessageTemplate,
		&t.CustomData,
		&t.Priority,
		&t.RateLimitEnabled,
		&t.MaxPerHour,
		&t.MaxPerDay,
		&t.SilentStart,
		&t.SilentEnd,
		&t.MergeWindowMinutes,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.LastRunAt,
		&t.NextRunAt,
		&t.PendingQueueEntryID,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, nil
}

// CreateTask inserts a new task
func (r *Repository) CreateTask(ctx context.Context, t *Task) error {
	t.Normalize()

	query := `
		INSERT INTO notification_tasks (
			task_id, name, description, user_id, team_id, trigger_type, cron_expression,
			channels, message_template, custom_data, priority, rate_limit_enabled,
			max_per_hour, max_per_day, silent_start, silent_end, merge_window_minutes,
			active, next_run_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)
		RETURNING id, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.TaskID,
		t.Name,
		t.Description,
		t.UserID,
		t.TeamID,
		t.TriggerType,
		t.CronExpression,
		t.Channels,
		t.MessageTemplate,
		t.CustomData,
		t.Priority,
		t.RateLimitEnabled,
		t.MaxPerHour,
		t.MaxPerDay,
		t.SilentStart,
		t.SilentEnd,
		t.MergeWindowMinutes,
		t.Active,
		t.NextRunAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create task",
			zap.Error(err),
			zap.String("task_id", t.TaskID),
		)
		return fmt.Errorf("insert task: %w", err)
	}

	r.logger.Info("task created",
		zap.String("task_id", t.TaskID),
		zap.String("trigger_type", t.TriggerType),
		zap.Int64("user_id", t.UserID),
	)

	return nil
}

// SaveTask writes every mutable column of an existing task
func (r *Repository) SaveTask(ctx context.Context, t *Task) error {
	t.Normalize()

	query := `
		UPDATE notification_tasks SET
			name = $2, description = $3, team_id = $4, trigger_type = $5, cron_expression = $6,
			channels = $7, message_template = $8, custom_data = $9, priority = $10,
			rate_limit_enabled = $11, max_per_hour = $12, max_per_day = $13,
			silent_start = $14, silent_end = $15, merge_window_minutes = $16, active = $17,
			last_run_at = $18, next_run_at = $19, pending_queue_entry_id = $20,
			updated_at = NOW()
		WHERE task_id = $1
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.TaskID,
		t.Name,
		t.Description,
		t.TeamID,
		t.TriggerType,
		t.CronExpression,
		t.Channels,
		t.MessageTemplate,
		t.CustomData,
		t.Priority,
		t.RateLimitEnabled,
		t.MaxPerHour,
		t.MaxPerDay,
		t.SilentStart,
		t.SilentEnd,
		t.MergeWindowMinutes,
		t.Active,
		t.LastRunAt,
		t.NextRunAt,
		t.PendingQueueEntryID,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.TaskID)
	}
	if err != nil {
		r.logger.Error("failed to save task",
			zap.Error(err),
			zap.String("task_id", t.TaskID),
		)
		return fmt.Errorf("update task: %w", err)
	}

	return nil
}

// SaveRunState writes only the scheduling columns of a task so a firing
// never reverts a concurrent edit. next_run_at is taken only while the
// stored cron expression still matches the one it was computed from.
func (r *Repository) SaveRunState(ctx context.Context, t *Task) error {
	query := `
		UPDATE notification_tasks SET
			last_run_at = COALESCE($2, last_run_at),
			next_run_at = CASE
				WHEN trigger_type <> 'cron' THEN NULL
				WHEN cron_expression = $4 THEN $3::TIMESTAMPTZ
				ELSE next_run_at
			END,
			pending_queue_entry_id = COALESCE($5, pending_queue_entry_id),
			updated_at = NOW()
		WHERE task_id = $1
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.TaskID,
		t.LastRunAt,
		t.NextRunAt,
		t.CronExpression,
		t.PendingQueueEntryID,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.TaskID)
	}
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return nil
}

// ClaimFiring moves a due cron task from its current next run to next. It
// reports true only for the caller whose update matched the due value, so
// pollers sharing the table fire each occurrence once.
func (r *Repository) ClaimFiring(ctx context.Context, taskID string, due time.Time, next *time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_tasks SET next_run_at = $3, updated_at = NOW()
		WHERE task_id = $1 AND active = TRUE AND trigger_type = 'cron' AND next_run_at = $2`,
		taskID, due, next,
	)
	if err != nil {
		return false, fmt.Errorf("claim firing: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeleteTask removes a task by its task id
func (r *Repository) DeleteTask(ctx context.Context, taskID string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	r.logger.Info("task deleted", zap.String("task_id", taskID))
	return nil
}

// FindByTaskID retrieves a task by its public task id
func (r *Repository) FindByTaskID(ctx context.Context, taskID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM notification_tasks WHERE task_id = $1`

	t, err := scanTask(r.db.Pool().QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	return t, nil
}

// FindDueCronTasks returns active cron tasks whose next run is at or before now
func (r *Repository) FindDueCronTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM notification_tasks
		WHERE active = TRUE AND trigger_type = 'cron'
		  AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC`

	return r.queryTasks(ctx, query, now)
}

// FindUninitializedCronTasks returns active cron tasks that have never been scheduled
func (r *Repository) FindUninitializedCronTasks(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM notification_tasks
		WHERE active = TRUE AND trigger_type = 'cron' AND next_run_at IS NULL`

	return r.queryTasks(ctx, query)
}

// FindActiveCronTasks returns every active cron task
func (r *Repository) FindActiveCronTasks(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM notification_tasks
		WHERE active = TRUE AND trigger_type = 'cron'`

	return r.queryTasks(ctx, query)
}

// ListTasks returns tasks visible to a caller. A nil userID lists everything
// (admins); teamID widens the listing to the caller's team.
func (r *Repository) ListTasks(ctx context.Context, userID *int64, teamID *int64, limit, offset int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM notification_tasks
		WHERE ($1::BIGINT IS NULL OR user_id = $1 OR ($2::BIGINT IS NOT NULL AND team_id = $2))
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	return r.queryTasks(ctx, query, userID, teamID, limit, offset)
}

// MarkQueueEntry records the most recent in-flight queue entry for a task
func (r *Repository) MarkQueueEntry(ctx context.Context, taskID, entryID string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notification_tasks SET pending_queue_entry_id = $1, updated_at = NOW() WHERE task_id = $2`,
		entryID, taskID,
	)
	if err != nil {
		return fmt.Errorf("mark queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// AppendLog inserts one delivery attempt record
func (r *Repository) AppendLog(ctx context.Context, a *DeliveryAttempt) error {
	query := `
		INSERT INTO notification_logs (
			notification_id, task_id, task_name, user_id, channel, recipient,
			subject, content, status, error_message, retry_count, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.NotificationID,
		a.TaskID,
		a.TaskName,
		a.UserID,
		a.Channel,
		a.Recipient,
		a.Subject,
		a.Content,
		a.Status,
		a.ErrorMessage,
		a.RetryCount,
		a.SentAt,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		r.logger.Error("failed to append delivery log",
			zap.Error(err),
			zap.String("task_id", a.TaskID),
			zap.String("channel", a.Channel),
		)
		return fmt.Errorf("insert delivery log: %w", err)
	}

	return nil
}

// ListLogs returns delivery attempts for a task, newest first
func (r *Repository) ListLogs(ctx context.Context, taskID string, limit, offset int) ([]*DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, task_id, task_name, user_id, channel, recipient,
			subject, content, status, error_message, retry_count, sent_at, created_at
		FROM notification_logs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryAttempt
	for rows.Next() {
		var a DeliveryAttempt
		if err := rows.Scan(
			&a.ID,
			&a.NotificationID,
			&a.TaskID,
			&a.TaskName,
			&a.UserID,
			&a.Channel,
			&a.Recipient,
			&a.Subject,
			&a.Content,
			&a.Status,
			&a.ErrorMessage,
			&a.RetryCount,
			&a.SentAt,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		logs = append(logs, &a)
	}

	return logs, rows.Err()
}

// FindUserByID loads a task owner
func (r *Repository) FindUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := r.db.Pool().QueryRow(ctx,
		`SELECT id, username, email, role, team_id FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.TeamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}
