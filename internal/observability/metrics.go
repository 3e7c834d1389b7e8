package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/callhook/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sendDurationBuckets  = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	retryDelayBuckets    = []float64{0.5, 1, 2, 5, 10, 30, 60}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the dispatch engine.
type Metrics struct {
	// Ops HTTP surface (healthz/readyz/metrics/debug)
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Plan compilation
	CompiledPlansTotal prometheus.Gauge
	PlanReloadsTotal   *prometheus.CounterVec

	// Queue
	QueueDepth         prometheus.Gauge
	QueueEnqueuedTotal *prometheus.CounterVec
	QueueDroppedTotal  *prometheus.CounterVec

	// Dispatch attempts
	DispatchAttemptsTotal  *prometheus.CounterVec
	DispatchAttemptLatency *prometheus.HistogramVec
	DispatchRetriesTotal   *prometheus.CounterVec
	DispatchRetryDelay     *prometheus.HistogramVec
	DispatchFailedPermanentTotal *prometheus.CounterVec

	// Signing
	SigningSuccessTotal *prometheus.CounterVec
	SigningFailureTotal *prometheus.CounterVec

	// Store
	StoreOperationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_http_requests_total",
			Help: "Total number of ops-surface HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callhook_http_request_duration_seconds",
			Help:    "Ops-surface HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callhook_http_response_size_bytes",
			Help:    "Ops-surface HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		CompiledPlansTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callhook_compiled_plans_total",
			Help: "Number of callback execution plans currently compiled and active.",
		}),
		PlanReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_plan_reloads_total",
			Help: "Total number of OpenAPI document reloads, by outcome.",
		}, []string{"status"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callhook_queue_depth",
			Help: "Current number of requests waiting in the dispatch queue.",
		}),
		QueueEnqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_queue_enqueued_total",
			Help: "Total number of requests enqueued, by callback id.",
		}, []string{"callback_id"}),
		QueueDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_queue_dropped_total",
			Help: "Total number of enqueue attempts that failed (queue closed or full).",
		}, []string{"callback_id"}),

		DispatchAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_dispatch_attempts_total",
			Help: "Total number of delivery attempts, by callback id and outcome.",
		}, []string{"callback_id", "outcome", "error_type"}),
		DispatchAttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callhook_dispatch_attempt_duration_seconds",
			Help:    "Delivery attempt duration in seconds.",
			Buckets: sendDurationBuckets,
		}, []string{"callback_id"}),
		DispatchRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_dispatch_retries_total",
			Help: "Total number of attempts that were scheduled for retry.",
		}, []string{"callback_id"}),
		DispatchRetryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callhook_dispatch_retry_delay_seconds",
			Help:    "Computed retry delay in seconds.",
			Buckets: retryDelayBuckets,
		}, []string{"callback_id"}),
		DispatchFailedPermanentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_dispatch_failed_permanent_total",
			Help: "Total number of requests that exhausted retries and failed permanently.",
		}, []string{"callback_id"}),

		SigningSuccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_signing_success_total",
			Help: "Total number of requests successfully signed.",
		}, []string{"callback_id"}),
		SigningFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_signing_failure_total",
			Help: "Total number of signing failures (e.g. empty body).",
		}, []string{"callback_id"}),

		StoreOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callhook_store_operations_total",
			Help: "Total number of Store operations, by kind and outcome.",
		}, []string{"operation", "status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		m.CompiledPlansTotal,
		m.PlanReloadsTotal,
		m.QueueDepth,
		m.QueueEnqueuedTotal,
		m.QueueDroppedTotal,
		m.DispatchAttemptsTotal,
		m.DispatchAttemptLatency,
		m.DispatchRetriesTotal,
		m.DispatchRetryDelay,
		m.DispatchFailedPermanentTotal,
		m.SigningSuccessTotal,
		m.SigningFailureTotal,
		m.StoreOperationsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records ops-surface HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordPlanReload records an OpenAPI document reload outcome and the
// resulting number of active compiled plans.
func (m *Metrics) RecordPlanReload(status string, activePlans int) {
	m.PlanReloadsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.CompiledPlansTotal.Set(float64(activePlans))
	}
}

// SetQueueDepth reports the current queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordEnqueue records a successful enqueue.
func (m *Metrics) RecordEnqueue(callbackID string) {
	m.QueueEnqueuedTotal.WithLabelValues(callbackID).Inc()
}

// RecordEnqueueDropped records a failed enqueue attempt.
func (m *Metrics) RecordEnqueueDropped(callbackID string) {
	m.QueueDroppedTotal.WithLabelValues(callbackID).Inc()
}

// RecordDispatchAttempt records a single send attempt's outcome and latency.
func (m *Metrics) RecordDispatchAttempt(callbackID string, result model.CallbackResult, duration time.Duration) {
	outcome := "success"
	errType := ""
	if !result.Success {
		outcome = "failure"
		errType = string(result.ErrorType)
	}
	m.DispatchAttemptsTotal.WithLabelValues(callbackID, outcome, errType).Inc()
	m.DispatchAttemptLatency.WithLabelValues(callbackID).Observe(duration.Seconds())
}

// RecordRetryScheduled records that an attempt was scheduled for retry
// after the given delay.
func (m *Metrics) RecordRetryScheduled(callbackID string, delay time.Duration) {
	m.DispatchRetriesTotal.WithLabelValues(callbackID).Inc()
	m.DispatchRetryDelay.WithLabelValues(callbackID).Observe(delay.Seconds())
}

// RecordFailedPermanent records a request that exhausted its retry budget.
func (m *Metrics) RecordFailedPermanent(callbackID string) {
	m.DispatchFailedPermanentTotal.WithLabelValues(callbackID).Inc()
}

// RecordSigning records the outcome of attempting to sign a request.
func (m *Metrics) RecordSigning(callbackID string, success bool) {
	if success {
		m.SigningSuccessTotal.WithLabelValues(callbackID).Inc()
		return
	}
	m.SigningFailureTotal.WithLabelValues(callbackID).Inc()
}

// RecordStoreOperation records a Store method call outcome.
func (m *Metrics) RecordStoreOperation(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion. Used on the ops HTTP surface only.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
