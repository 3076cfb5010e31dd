package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermitta_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hermitta_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	reminderTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermitta_reminder_ticks_total",
			Help: "Total reminder scheduler ticks run",
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hermitta_reminder_tick_duration_seconds",
			Help:    "Reminder tick wall time",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	ticksCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermitta_reminder_ticks_coalesced_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
	)

	occurrencesEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hermitta_occurrences_evaluated_total",
			Help: "Reminder occurrences evaluated across all ticks",
		},
	)

	occurrenceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermitta_occurrence_outcomes_total",
			Help: "Per-occurrence tick outcomes: scheduled, skipped_duplicate, failed",
		},
		[]string{"outcome"},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermitta_notifications_dispatched_total",
			Help: "Terminal dispatch outcomes by status and delivery method",
		},
		[]string{"status", "method"},
	)

	dispatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermitta_dispatch_retries_total",
			Help: "Transient dispatch failures scheduled for retry",
		},
		[]string{"method"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hermitta_rate_limit_rejections_total",
			Help: "Requests rejected by the per-landlord rate limiter",
		},
		[]string{"landlord_id"},
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

// RecordTick records one completed scheduler tick
func RecordTick(duration time.Duration) {
	reminderTicks.Inc()
	tickDuration.Observe(duration.Seconds())
}

// RecordTickCoalesced records a tick skipped due to overrun
func RecordTickCoalesced() {
	ticksCoalesced.Inc()
}

// RecordOccurrencesEvaluated adds to the evaluated occurrence count
func RecordOccurrencesEvaluated(n int) {
	occurrencesEvaluated.Add(float64(n))
}

// RecordOccurrenceOutcome records a per-occurrence tick outcome
func RecordOccurrenceOutcome(outcome string) {
	occurrenceOutcomes.WithLabelValues(outcome).Inc()
}

// RecordDispatch records a terminal dispatch outcome
func RecordDispatch(status, method string) {
	notificationsDispatched.WithLabelValues(status, method).Inc()
}

// RecordDispatchRetry records a retry-scheduled transient failure
func RecordDispatchRetry(method string) {
	dispatchRetries.WithLabelValues(method).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(landlordID string) {
	rateLimitRejections.WithLabelValues(landlordID).Inc()
}

// responseWriter captures the status code for request metrics
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
