package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gns_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gns_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	tasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gns_tasks_executed_total",
			Help: "Task firings by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	gateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gns_gate_rejections_total",
			Help: "Sends rejected by the rate/silence gate",
		},
		[]string{"kind"},
	)

	queueEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gns_queue_enqueued_total",
			Help: "Messages written to the delivery queue",
		},
	)

	queueAcked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gns_queue_acked_total",
			Help: "Queue entries acknowledged by workers",
		},
	)

	queueReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gns_queue_reclaimed_total",
			Help: "Idle queue entries reclaimed from dead consumers",
		},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gns_delivery_attempts_total",
			Help: "Per-recipient delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gns_delivery_latency_seconds",
			Help:    "Time from send request to channel dispatch",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	schedulerClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gns_scheduler_claims_total",
			Help: "Due schedule entries seen by this node, by outcome",
		},
		[]string{"outcome"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gns_idempotency_hits_total",
			Help: "Send requests served from the idempotency cache",
		},
	)

	apiRateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gns_api_rate_limit_rejections_total",
			Help: "API requests rejected by the caller rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gns_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gns_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTaskExecuted counts one firing. result is "success" or a System log status.
func RecordTaskExecuted(trigger, result string) {
	tasksExecuted.WithLabelValues(trigger, result).Inc()
}

// RecordGateRejection counts a "silent" or "limit" rejection.
func RecordGateRejection(kind string) {
	gateRejections.WithLabelValues(kind).Inc()
}

func RecordEnqueued() {
	queueEnqueued.Inc()
}

func RecordAcked() {
	queueAcked.Inc()
}

func RecordReclaimed(n int) {
	queueReclaimed.Add(float64(n))
}

// RecordDeliveryAttempt records one outcome of a channel strategy
func RecordDeliveryAttempt(channel, status string) {
	deliveryAttempts.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryLatency records request-to-dispatch time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordSchedulerClaim counts a due entry as "claimed" or "lost".
func RecordSchedulerClaim(outcome string) {
	schedulerClaims.WithLabelValues(outcome).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordAPIRateLimitRejection records a rate limit rejection
func RecordAPIRateLimitRejection() {
	apiRateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled by chi route pattern so task ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
