package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lyb88999/gns/internal/identity"
	"github.com/lyb88999/gns/internal/metrics"
	"github.com/lyb88999/gns/internal/redis"
)

// Identity headers set by the upstream auth proxy.
const (
	HeaderUserID   = "X-User-ID"
	HeaderTeamID   = "X-Team-ID"
	HeaderUserRole = "X-User-Role"
)

// Limiter is the API rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

// IdentityMiddleware parses the identity headers into the request context.
// Requests without X-User-ID pass through anonymously.
func IdentityMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, detail := parseIdentity(raw, r.Header.Get(HeaderTeamID), r.Header.Get(HeaderUserRole))
			if id == nil {
				logger.Debug("rejected identity headers", zap.String("detail", detail))
				problem(w, http.StatusBadRequest, "invalid_identity", "Invalid identity headers", detail)
				return
			}

			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), id)))
		})
	}
}

func parseIdentity(userID, teamID, role string) (*identity.Identity, string) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || uid <= 0 {
		return nil, "X-User-ID must be a positive integer"
	}

	id := &identity.Identity{UserID: uid, Role: identity.RoleUser}

	if teamID = strings.TrimSpace(teamID); teamID != "" {
		tid, err := strconv.ParseInt(teamID, 10, 64)
		if err != nil || tid <= 0 {
			return nil, "X-Team-ID must be a positive integer"
		}
		id.TeamID = &tid
	}

	switch role = strings.ToLower(strings.TrimSpace(role)); role {
	case "":
	case identity.RoleAdmin, identity.RoleTeamAdmin, identity.RoleUser:
		id.Role = role
	default:
		return nil, "X-User-Role must be admin, team_admin or user"
	}
	return id, ""
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity.FromContext(r.Context()) == nil {
			problem(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "Missing X-User-ID header")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordAPIRateLimitRejection()
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				problem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IdentityKeyFunc keys the limiter by caller, falling back to the client IP.
func IdentityKeyFunc(r *http.Request) string {
	if id := identity.FromContext(r.Context()); id != nil {
		return "user:" + strconv.FormatInt(id.UserID, 10)
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

func problem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
