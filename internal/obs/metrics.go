package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Policy evaluations by matched rule and outcome.",
		},
		[]string{"rule", "outcome"},
	)

	executionJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_jobs_total",
			Help: "Execution jobs reaching a terminal status.",
		},
		[]string{"integration", "status"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmations_total",
			Help: "Confirmation workflow events.",
		},
		[]string{"event"},
	)

	snapshotFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_write_failures_total",
		Help: "Failed state snapshot writes.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		policyDecisions, executionJobs, confirmations, snapshotFailures,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePolicyDecision counts a policy evaluation result.
func ObservePolicyDecision(rule, outcome string) {
	policyDecisions.WithLabelValues(rule, outcome).Inc()
}

// ObserveJob counts an execution job reaching a terminal status.
func ObserveJob(integration, status string) {
	executionJobs.WithLabelValues(integration, status).Inc()
}

// ObserveConfirmation counts a confirmation workflow event.
func ObserveConfirmation(event string) {
	confirmations.WithLabelValues(event).Inc()
}

// ObserveSnapshotFailure counts a failed state snapshot write.
func ObserveSnapshotFailure() {
	snapshotFailures.Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
