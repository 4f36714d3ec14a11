package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/circuitbreaker"
	"github.com/lyb88999/gns/internal/cronexpr"
	"github.com/lyb88999/gns/internal/db"
	"github.com/lyb88999/gns/internal/gate"
	"github.com/lyb88999/gns/internal/identity"
	"github.com/lyb88999/gns/internal/notify"
	"github.com/lyb88999/gns/internal/redis"
)

// ErrValidation marks request bodies that fail validation.
var ErrValidation = errors.New("validation failed")

// TaskRepository defines the task and log operations the API needs
type TaskRepository interface {
	CreateTask(ctx context.Context, t *db.Task) error
	SaveTask(ctx context.Context, t *db.Task) error
	DeleteTask(ctx context.Context, taskID string) error
	FindByTaskID(ctx context.Context, taskID string) (*db.Task, error)
	ListTasks(ctx context.Context, userID *int64, teamID *int64, limit, offset int) ([]*db.Task, error)
	ListLogs(ctx context.Context, taskID string, limit, offset int) ([]*db.DeliveryAttempt, error)
}

// Scheduler is notified whenever a task is created, changed or deleted.
type Scheduler interface {
	Schedule(ctx context.Context, task *db.Task) error
	Remove(ctx context.Context, task *db.Task) error
}

// Sender accepts send requests.
type Sender interface {
	Send(ctx context.Context, id *identity.Identity, req notify.SendRequest) (string, error)
}

// Executor runs a task immediately.
type Executor interface {
	ExecuteByID(ctx context.Context, id *identity.Identity, taskID string) (*db.Task, error)
}

// Idempotency de-duplicates send requests.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, caller, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, caller, key string, result *redis.IdempotencyResult) error
	Release(ctx context.Context, caller, key string) error
}

// BreakerStats lists channel circuit breakers.
type BreakerStats interface {
	Stats() []circuitbreaker.Stats
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        TaskRepository
	scheduler   Scheduler
	sender      Sender
	executor    Executor
	idempotency Idempotency  // nil disables Idempotency-Key handling
	breakers    BreakerStats // nil reports no breakers
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo TaskRepository, scheduler Scheduler, sender Sender, executor Executor) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		scheduler: scheduler,
		sender:    sender,
		executor:  executor,
	}
}

// WithIdempotency enables Idempotency-Key support on POST /v1/notify.
func (h *Handler) WithIdempotency(svc Idempotency) *Handler {
	h.idempotency = svc
	return h
}

// WithBreakers exposes breaker stats on the admin endpoint.
func (h *Handler) WithBreakers(b BreakerStats) *Handler {
	h.breakers = b
	return h
}

// ListBreakers handles GET /v1/admin/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if !identity.FromContext(r.Context()).IsAdmin() {
		h.writeServiceError(w, identity.ErrAccessDenied)
		return
	}

	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": stats, "count": len(stats)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	problem(w, status, errType, title, detail)
}

// writeServiceError maps domain errors onto problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrTaskNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Task not found", "")
	case errors.Is(err, identity.ErrUnauthorized):
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "")
	case errors.Is(err, identity.ErrAccessDenied):
		h.writeError(w, http.StatusForbidden, "access_denied", "Access denied", "")
	case errors.Is(err, gate.ErrRateLimitExceeded):
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests", err.Error())
	case errors.Is(err, cronexpr.ErrInvalidCron), errors.Is(err, ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

// pagination parses limit and offset with defaults of 20 and 0.
func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
