package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/redis"
)

func setupLimiter(t *testing.T, limit int) (*redis.RateLimiter, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port: %v", err)
	}

	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  limit,
		Window: time.Minute,
	})
	return limiter, func() {
		client.Close()
		mr.Close()
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddlewareRejectsOverLimit(t *testing.T) {
	limiter, cleanup := setupLimiter(t, 2)
	defer cleanup()

	handler := RateLimitMiddleware(limiter, zap.NewNop(), LandlordKeyFunc)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/notifications?landlord_id=1", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?landlord_id=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestRateLimitMiddlewareIsolatesLandlords(t *testing.T) {
	limiter, cleanup := setupLimiter(t, 1)
	defer cleanup()

	handler := RateLimitMiddleware(limiter, zap.NewNop(), LandlordKeyFunc)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?landlord_id=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("landlord 1: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	req.Header.Set("X-Landlord-ID", "2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("landlord 2 must have its own budget, status = %d", rec.Code)
	}
}

func TestRateLimitMiddlewareBypassesWithoutKey(t *testing.T) {
	limiter, cleanup := setupLimiter(t, 1)
	defer cleanup()

	handler := RateLimitMiddleware(limiter, zap.NewNop(), LandlordKeyFunc)(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("keyless request %d: status = %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareNilLimiterPassthrough(t *testing.T) {
	handler := RateLimitMiddleware(nil, zap.NewNop(), LandlordKeyFunc)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications?landlord_id=1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want passthrough", rec.Code)
	}
}
