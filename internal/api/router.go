package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/metrics"
)

// NewRouter mounts the handler's routes. limiter may be nil.
func NewRouter(h *Handler, limiter Limiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(IdentityMiddleware(logger))
		r.Use(RateLimitMiddleware(limiter, logger, IdentityKeyFunc))
		r.Use(RequireIdentity)

		r.Post("/notify", h.Notify)

		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{taskId}", h.GetTask)
		r.Put("/tasks/{taskId}", h.UpdateTask)
		r.Delete("/tasks/{taskId}", h.DeleteTask)
		r.Post("/tasks/{taskId}/execute", h.ExecuteTask)
		r.Get("/tasks/{taskId}/logs", h.ListLogs)

		r.Get("/admin/breakers", h.ListBreakers)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
