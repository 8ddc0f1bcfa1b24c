package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_consumed_total",
			Help: "Queue messages consumed by disposition",
		},
		[]string{"disposition"}, // dispatched, requeued, dlq, invalid
	)
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "directory_submissions_total",
			Help: "Directory submission attempts by outcome",
		},
		[]string{"status"},
	)
	SubmissionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "directory_submission_duration_seconds",
			Help:    "End-to-end duration of a directory submission",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 240, 480},
		},
	)
	JobsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finalized_total",
			Help: "Jobs finalized by terminal status",
		},
		[]string{"status"},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Jobs currently being processed by this worker",
		},
	)
	DLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Approximate dead-letter queue depth at last check",
		},
	)
	StaleJobsRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stale_jobs_requeued_total",
			Help: "Stale in-progress jobs requeued by the monitor",
		},
	)
	HeartbeatWriteErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeat_write_errors_total",
			Help: "Heartbeat upserts that failed (never fatal)",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(MessagesConsumedTotal)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionDuration)
	prometheus.MustRegister(JobsFinalizedTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(StaleJobsRequeuedTotal)
	prometheus.MustRegister(HeartbeatWriteErrors)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveSubmission records one finished directory submission.
func ObserveSubmission(status string, d time.Duration) {
	SubmissionsTotal.WithLabelValues(status).Inc()
	SubmissionDuration.Observe(d.Seconds())
}
