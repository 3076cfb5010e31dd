package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordTick(t *testing.T) {
	RecordTick(250 * time.Millisecond)
	RecordTickCoalesced()
}

func TestRecordOccurrences(t *testing.T) {
	RecordOccurrencesEvaluated(12)
	RecordOccurrenceOutcome("scheduled")
	RecordOccurrenceOutcome("skipped_duplicate")
	RecordOccurrenceOutcome("failed")
}

func TestRecordDispatch(t *testing.T) {
	RecordDispatch("sent_success", "email")
	RecordDispatch("sent_fail", "sms")
	RecordDispatchRetry("email")
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("7")
	RecordRateLimitRejection("9")
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}
