package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/metrics"
	"github.com/cosialm/hermitta/internal/redis"
)

// RateLimitMiddleware enforces per-landlord rate limits. The keyFunc
// extracts the limit key from the request; an empty key bypasses the
// limiter, as does an unavailable Redis.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
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

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(key)
				retryAfter := time.Until(result.ResetAt).Seconds()
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter)))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Retry after the indicated time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// LandlordKeyFunc extracts the landlord ID from the X-Landlord-ID header
// or landlord_id query param.
func LandlordKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Landlord-ID"); id != "" {
		return id
	}
	if id := r.URL.Query().Get("landlord_id"); id != "" {
		return id
	}
	return ""
}
