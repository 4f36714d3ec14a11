package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/identity"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/notify"
	"github.com/lyb88999/gns/internal/redis"
)

// SendResponse is returned when a send request is queued.
type SendResponse struct {
	TaskID  string `json:"taskId"`
	EntryID string `json:"entryId"`
}

// Notify handles POST /v1/notify
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity.FromContext(ctx)
	if id == nil {
		h.writeServiceError(w, identity.ErrUnauthorized)
		return
	}

	var req notify.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", "taskId is required")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	caller := "user:" + strconv.FormatInt(id.UserID, 10)
	useIdempotency := key != "" && h.idempotency != nil

	if useIdempotency {
		cached, err := h.idempotency.CheckOrReserve(ctx, caller, key)
		if errors.Is(err, redis.ErrDuplicateRequest) {
			h.writeError(w, http.StatusConflict, "duplicate_request", "Request in progress",
				"A request with this Idempotency-Key is already being processed")
			return
		}
		if err != nil {
			// Redis trouble should not block sends.
			h.logger.Warn("idempotency check failed", zap.Error(err))
			useIdempotency = false
		}
		if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, SendResponse{TaskID: cached.TaskID, EntryID: cached.EntryID})
			return
		}
	}

	entryID, err := h.sender.Send(ctx, id, req)
	if err != nil {
		if useIdempotency {
			if rerr := h.idempotency.Release(ctx, caller, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeServiceError(w, err)
		return
	}

	if useIdempotency {
		result := &redis.IdempotencyResult{
			TaskID:     req.TaskID,
			EntryID:    entryID,
			StatusCode: http.StatusAccepted,
		}
		if err := h.idempotency.Store(ctx, caller, key, result); err != nil {
			h.logger.Warn("failed to store idempotency result", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusAccepted, SendResponse{TaskID: req.TaskID, EntryID: entryID})
}

// ExecuteTask handles POST /v1/tasks/{taskId}/execute
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := h.executor.ExecuteByID(ctx, identity.FromContext(ctx), chi.URLParam(r, "taskId"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListLogs handles GET /v1/tasks/{taskId}/logs?limit=20&offset=0
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadManaged(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	logs, err := h.repo.ListLogs(r.Context(), task.TaskID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   logs,
		"limit":  limit,
		"offset": offset,
		"count":  len(logs),
	})
}
