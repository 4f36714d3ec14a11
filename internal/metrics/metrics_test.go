package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordTaskExecuted(t *testing.T) {
	RecordTaskExecuted("cron", "success")
	RecordTaskExecuted("manual", "blocked")

	if !strings.Contains(scrape(t), `gns_tasks_executed_total{result="blocked",trigger="manual"}`) {
		t.Error("expected task series with trigger and result labels")
	}
}

func TestRecordGateRejection(t *testing.T) {
	RecordGateRejection("silent")
	RecordGateRejection("limit")
}

func TestQueueCounters(t *testing.T) {
	RecordEnqueued()
	RecordAcked()
	RecordReclaimed(3)

	body := scrape(t)
	for _, name := range []string{"gns_queue_enqueued_total", "gns_queue_acked_total", "gns_queue_reclaimed_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("missing %s", name)
		}
	}
}

func TestRecordDelivery(t *testing.T) {
	RecordDeliveryAttempt("Email", "success")
	RecordDeliveryAttempt("DingTalk", "failed")
	RecordDeliveryLatency("Email", 500*time.Millisecond)
}

func TestRecordSchedulerClaim(t *testing.T) {
	RecordSchedulerClaim("claimed")
	RecordSchedulerClaim("lost")
}

func TestMiscGauges(t *testing.T) {
	RecordIdempotencyHit()
	RecordAPIRateLimitRejection()
	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	RecordEnqueued()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gns_queue_enqueued_total") {
		t.Error("expected gns series in metrics output")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/tasks/{taskId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest("GET", "/v1/tasks/abc-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	body := scrape(t)
	if !strings.Contains(body, `path="/v1/tasks/{taskId}"`) {
		t.Error("expected request counted under route pattern")
	}
	if strings.Contains(body, "abc-123") {
		t.Error("raw task id leaked into labels")
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
