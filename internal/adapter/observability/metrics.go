// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
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

	// JobsEnqueuedTotal counts jobs enqueued by type.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	// JobsProcessing is a gauge of the number of currently running jobs by type.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently running",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts jobs completed by type.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts jobs failed by type.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)

	// RateLimitDenialsTotal counts RateLimiter.CheckAllowed denials by action class and reason
	// (dedup, min_spacing, parallel, window_15m, window_hour, window_day, read_cache).
	RateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Total number of rate-limit denials by action class and reason",
		},
		[]string{"class", "reason"},
	)

	// WorkerActivationsTotal counts WorkerPool.Activate calls by outcome.
	WorkerActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_activations_total",
			Help: "Total number of worker pool activations",
		},
		[]string{"outcome"},
	)
	// WorkerDeactivationsTotal counts WorkerPool.Deactivate calls.
	WorkerDeactivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_deactivations_total",
			Help: "Total number of worker pool deactivations",
		},
	)
	// WorkersActive is a gauge of currently-active dispatched workers.
	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Number of workers currently marked active in the pool",
		},
	)

	// DispatchLatency records ActionProcessor.Execute wall-clock duration by job type.
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "ActionProcessor.Execute duration by job type",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)

	// BatchAdvanceTotal counts TaskManager batch-counter advances.
	BatchAdvanceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_advance_total",
			Help: "Total number of times TaskManager advanced the batch counter",
		},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(RateLimitDenialsTotal)
	prometheus.MustRegister(WorkerActivationsTotal)
	prometheus.MustRegister(WorkerDeactivationsTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(BatchAdvanceTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
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
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given type.
func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// StartProcessingJob increments the processing gauge for the given type.
func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

// CompleteJob marks a job complete by decrementing processing gauge and incrementing completed counter.
func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// FailJob marks a job failed by decrementing processing gauge and incrementing failed counter.
func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// RecordRateLimitDenied records a RateLimiter.CheckAllowed denial.
func RecordRateLimitDenied(class, reason string) {
	RateLimitDenialsTotal.WithLabelValues(class, reason).Inc()
}

// RecordWorkerActivation records a WorkerPool.Activate outcome ("ok", "at_capacity" or
// "over_budget").
func RecordWorkerActivation(outcome string) {
	WorkerActivationsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		WorkersActive.Inc()
	}
}

// RecordWorkerDeactivation records a WorkerPool.Deactivate call.
func RecordWorkerDeactivation() {
	WorkerDeactivationsTotal.Inc()
	WorkersActive.Dec()
}

// ObserveDispatchLatency records ActionProcessor.Execute's wall-clock duration.
func ObserveDispatchLatency(jobType string, seconds float64) {
	DispatchLatency.WithLabelValues(jobType).Observe(seconds)
}

// RecordBatchAdvance records a TaskManager batch-counter advance.
func RecordBatchAdvance() {
	BatchAdvanceTotal.Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
