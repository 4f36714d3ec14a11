package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/gate"
	"github.com/lyb88999/gns/internal/identity"
)

// TaskRequest is the body of task create and update calls.
type TaskRequest struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	TeamID             *int64         `json:"team_id"`
	TriggerType        string         `json:"trigger_type"`
	CronExpression     string         `json:"cron_expression"`
	Channels           []string       `json:"channels"`
	MessageTemplate    *string        `json:"message_template"`
	CustomData         map[string]any `json:"custom_data"`
	Priority           string         `json:"priority"`
	RateLimitEnabled   bool           `json:"rate_limit_enabled"`
	MaxPerHour         int            `json:"max_per_hour"`
	MaxPerDay          int            `json:"max_per_day"`
	SilentStart        *string        `json:"silent_start"`
	SilentEnd          *string        `json:"silent_end"`
	MergeWindowMinutes int            `json:"merge_window_minutes"`
	Active             *bool          `json:"active"`
}

// Validate normalises the trigger type and checks every field the
// scheduler and gate depend on.
func (req *TaskRequest) Validate() error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(req.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrValidation)
	}

	switch req.TriggerType {
	case "":
		req.TriggerType = db.TriggerManual
	case db.TriggerManual, db.TriggerCron:
	default:
		return fmt.Errorf("%w: trigger_type must be %q or %q", ErrValidation, db.TriggerManual, db.TriggerCron)
	}

	if req.TriggerType == db.TriggerCron {
		if strings.TrimSpace(req.CronExpression) == "" {
			return fmt.Errorf("%w: cron_expression is required for cron tasks", ErrValidation)
		}
		if err := cronexpr.Validate(req.CronExpression); err != nil {
			return err
		}
	}

	if req.MaxPerHour < 0 || req.MaxPerDay < 0 || req.MergeWindowMinutes < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrValidation)
	}

	for _, t := range []*string{req.SilentStart, req.SilentEnd} {
		if t == nil || *t == "" {
			continue
		}
		if _, err := gate.ParseTimeOfDay(*t); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

// apply copies the request onto t.
func (req *TaskRequest) apply(t *db.Task) {
	t.Name = req.Name
	t.Description = req.Description
	t.TriggerType = req.TriggerType
	t.CronExpression = ""
	if req.TriggerType == db.TriggerCron {
		t.CronExpression = strings.TrimSpace(req.CronExpression)
	}
	t.Channels = req.Channels
	t.MessageTemplate = req.MessageTemplate
	t.CustomData = req.CustomData
	t.Priority = req.Priority
	t.RateLimitEnabled = req.RateLimitEnabled
	t.MaxPerHour = req.MaxPerHour
	t.MaxPerDay = req.MaxPerDay
	t.SilentStart = req.SilentStart
	t.SilentEnd = req.SilentEnd
	t.MergeWindowMinutes = req.MergeWindowMinutes
	if req.Active != nil {
		t.Active = *req.Active
	}
	// Any change may move the next run, so the engine recomputes it.
	t.NextRunAt = nil
}

func (h *Handler) decodeTask(w http.ResponseWriter, r *http.Request) (*TaskRequest, bool) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return nil, false
	}
	if err := req.Validate(); err != nil {
		h.writeServiceError(w, err)
		return nil, false
	}
	return &req, true
}

// loadManaged fetches the task in the URL and checks the caller may manage it.
func (h *Handler) loadManaged(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	task, err := h.repo.FindByTaskID(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeServiceError(w, err)
		return nil, false
	}
	if err := identity.CanManage(identity.FromContext(r.Context()), task); err != nil {
		h.writeServiceError(w, err)
		return nil, false
	}
	return task, true
}

// CreateTask handles POST /v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity.FromContext(ctx)

	req, ok := h.decodeTask(w, r)
	if !ok {
		return
	}

	task := &db.Task{
		TaskID: uuid.NewString(),
		UserID: id.UserID,
		TeamID: id.TeamID,
		Active: true,
	}
	req.apply(task)
	if req.TeamID != nil {
		task.TeamID = req.TeamID
	}

	if err := h.repo.CreateTask(ctx, task); err != nil {
		h.writeServiceError(w, err)
		return
	}

	if err := h.scheduler.Schedule(ctx, task); err != nil {
		h.logger.Error("failed to schedule task", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	h.logger.Info("task created",
		zap.String("task_id", task.TaskID),
		zap.Int64("user_id", task.UserID),
		zap.String("trigger_type", task.TriggerType),
	)
	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /v1/tasks/{taskId}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadManaged(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /v1/tasks?limit=20&offset=0
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	limit, offset := pagination(r)

	var userID, teamID *int64
	if !id.IsAdmin() {
		userID = &id.UserID
		if id.IsTeamAdmin() {
			teamID = id.TeamID
		}
	}

	tasks, err := h.repo.ListTasks(r.Context(), userID, teamID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   tasks,
		"limit":  limit,
		"offset": offset,
		"count":  len(tasks),
	})
}

// UpdateTask handles PUT /v1/tasks/{taskId}
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadManaged(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeTask(w, r)
	if !ok {
		return
	}

	req.apply(task)
	if req.TeamID != nil {
		task.TeamID = req.TeamID
	}

	ctx := r.Context()
	if err := h.repo.SaveTask(ctx, task); err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.scheduler.Schedule(ctx, task); err != nil {
		h.logger.Error("failed to reschedule task", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	h.logger.Info("task updated", zap.String("task_id", task.TaskID))
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /v1/tasks/{taskId}
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadManaged(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.repo.DeleteTask(ctx, task.TaskID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.scheduler.Remove(ctx, task); err != nil {
		h.logger.Error("failed to unschedule task", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	h.logger.Info("task deleted", zap.String("task_id", task.TaskID))
	w.WriteHeader(http.StatusNoContent)
}
