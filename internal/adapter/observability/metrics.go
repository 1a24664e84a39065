// Package observability provides logging, metrics, and tracing.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// RequestsClaimedTotal counts requests moved Created -> Processing.
	RequestsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_requests_claimed_total",
			Help: "Total number of email requests claimed for dispatch",
		},
	)
	// PublishesTotal counts publish attempts by outcome.
	PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_publishes_total",
			Help: "Total number of bus publishes by outcome",
		},
		[]string{"outcome"},
	)
	// BatchDuration records the duration of one claim-dispatch-reconcile cycle.
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_batch_duration_seconds",
			Help:    "Duration of one scheduler batch cycle in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	// StrandedSweptTotal counts Processing rows reset by the sweeper.
	StrandedSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_stranded_swept_total",
			Help: "Total number of stranded Processing requests swept to Failed",
		},
	)
	// ResultsRecordedTotal counts result events appended by status.
	ResultsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "results_recorded_total",
			Help: "Total number of delivery result events recorded",
		},
		[]string{"status"},
	)
)

var initMetricsOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to call
// more than once.
func InitMetrics() {
	initMetricsOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			RequestsClaimedTotal,
			PublishesTotal,
			BatchDuration,
			StrandedSweptTotal,
			ResultsRecordedTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and durations keyed by the chi
// route pattern so that path parameters don't explode label cardinality.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// RecordClaimed adds claimed requests to the scheduler counter.
func RecordClaimed(n int) {
	if n > 0 {
		RequestsClaimedTotal.Add(float64(n))
	}
}

// RecordPublish counts one publish attempt.
func RecordPublish(ok bool) {
	if ok {
		PublishesTotal.WithLabelValues("published").Inc()
		return
	}
	PublishesTotal.WithLabelValues("failed").Inc()
}

// RecordResult counts one recorded delivery result event.
func RecordResult(status string) {
	ResultsRecordedTotal.WithLabelValues(status).Inc()
}
