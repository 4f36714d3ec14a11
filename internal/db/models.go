package db

import (
	"errors"
	"time"
)

// ErrTaskNotFound is returned when no task matches the requested task id.
var ErrTaskNotFound = errors.New("task not found")

// ErrUserNotFound is returned when the owner row is missing.
var ErrUserNotFound = errors.New("user not found")

// Trigger types
const (
	TriggerManual = "manual"
	TriggerCron   = "cron"
)

// Delivery attempt status constants
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusBlocked = "blocked"
	StatusSkipped = "skipped"
)

// SystemChannel is the channel recorded for firings that never reached dispatch.
const SystemChannel = "System"

// Task is a configured notification job, fired manually or on a cron schedule.
type Task struct {
	ID                  int64          `json:"-"`
	TaskID              string         `json:"task_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description,omitempty"`
	UserID              int64          `json:"user_id"`
	TeamID              *int64         `json:"team_id,omitempty"`
	TriggerType         string         `json:"trigger_type"`
	CronExpression      string         `json:"cron_expression,omitempty"`
	Channels            []string       `json:"channels"`
	MessageTemplate     *string        `json:"message_template,omitempty"`
	CustomData          map[string]any `json:"custom_data,omitempty"`
	Priority            string         `json:"priority,omitempty"`
	RateLimitEnabled    bool           `json:"rate_limit_enabled"`
	MaxPerHour          int            `json:"max_per_hour"`
	MaxPerDay           int            `json:"max_per_day"`
	SilentStart         *string        `json:"silent_start,omitempty"`
	SilentEnd           *string        `json:"silent_end,omitempty"`
	MergeWindowMinutes  int            `json:"merge_window_minutes"`
	Active              bool           `json:"active"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time     `json:"next_run_at,omitempty"`
	PendingQueueEntryID *string        `json:"pending_queue_entry_id,omitempty"`
}

// IsCron reports whether the task fires on a schedule.
func (t *Task) IsCron() bool {
	return t.TriggerType == TriggerCron && t.CronExpression != ""
}

func (t *Task) OwnerID() int64 { return t.UserID }

func (t *Task) OwnerTeamID() *int64 { return t.TeamID }

// Normalize enforces that manual tasks never carry a next run time.
func (t *Task) Normalize() {
	if t.TriggerType != TriggerCron {
		t.NextRunAt = nil
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
}

// DeliveryAttempt is one logged outcome for a (task, channel, recipient) firing.
type DeliveryAttempt struct {
	ID             int64     `json:"-"`
	NotificationID string    `json:"notification_id"`
	TaskID         string    `json:"task_id"`
	TaskName       string    `json:"task_name"`
	UserID         int64     `json:"user_id"`
	Channel        string    `json:"channel"`
	Recipient      string    `json:"recipient"`
	Subject        string    `json:"subject,omitempty"`
	Content        string    `json:"content,omitempty"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	SentAt         time.Time `json:"sent_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// User is the reference record for a task owner.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	TeamID   *int64 `json:"team_id,omitempty"`
}
