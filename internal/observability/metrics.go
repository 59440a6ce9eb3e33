package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Engine operation outcomes used as the "outcome" label.
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec
	StageCompletionsTotal   *prometheus.CounterVec
	RollbacksTotal          *prometheus.CounterVec
	FinalApprovalsTotal     prometheus.Counter
	CommitRetriesTotal      prometheus.Counter
	CommitConflictsTotal    prometheus.Counter
	LockWaitDuration        prometheus.Histogram

	// Notification metrics
	NotificationsTotal        *prometheus.CounterVec
	NotificationRetriesTotal  prometheus.Counter
	NotificationsInFlight     prometheus.Gauge
	NotificationDeliveryDelay prometheus.Histogram

	// System metrics
	WorkflowSeedTotal *prometheus.CounterVec
	WorkflowsLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Engine
		EngineOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_engine_operations_total",
			Help: "Total number of approval engine operations.",
		}, []string{"operation", "outcome"}),
		EngineOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assetflow_engine_operation_duration_seconds",
			Help:    "Approval engine operation duration in seconds.",
			Buckets: engineDurationBuckets,
		}, []string{"operation"}),
		StageCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_stage_completions_total",
			Help: "Total number of stages that reached quorum.",
		}, []string{"workflow_id", "stage_order"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_rollbacks_total",
			Help: "Total number of change requests that rolled an asset back to the first stage.",
		}, []string{"workflow_id", "stage_order"}),
		FinalApprovalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetflow_final_approvals_total",
			Help: "Total number of owner final approvals.",
		}),
		CommitRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetflow_commit_retries_total",
			Help: "Total number of transitions recomputed after a version conflict.",
		}),
		CommitConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetflow_commit_conflicts_total",
			Help: "Total number of transitions that lost the race after retrying.",
		}),
		LockWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assetflow_lock_wait_seconds",
			Help:    "Time spent waiting for the per-asset lock.",
			Buckets: engineDurationBuckets,
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_notifications_total",
			Help: "Total notifications by kind and result (delivered, failed, dropped).",
		}, []string{"kind", "result"}),
		NotificationRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetflow_notification_retries_total",
			Help: "Total notification delivery retries.",
		}),
		NotificationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetflow_notifications_in_flight",
			Help: "Notifications submitted to the worker pool and not yet finished.",
		}),
		NotificationDeliveryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assetflow_notification_delivery_delay_seconds",
			Help:    "Time from event occurrence to successful delivery.",
			Buckets: httpDurationBuckets,
		}),

		// System
		WorkflowSeedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assetflow_workflow_seed_total",
			Help: "Workflow seed file outcomes (created, skipped, failed).",
		}, []string{"result"}),
		WorkflowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "assetflow_workflows_loaded",
			Help: "Number of workflows created from seed files at startup.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Engine
		m.EngineOperationsTotal,
		m.EngineOperationDuration,
		m.StageCompletionsTotal,
		m.RollbacksTotal,
		m.FinalApprovalsTotal,
		m.CommitRetriesTotal,
		m.CommitConflictsTotal,
		m.LockWaitDuration,
		// Notifications
		m.NotificationsTotal,
		m.NotificationRetriesTotal,
		m.NotificationsInFlight,
		m.NotificationDeliveryDelay,
		// System
		m.WorkflowSeedTotal,
		m.WorkflowsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEngineOperation records one engine call.
func (m *Metrics) RecordEngineOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.EngineOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.EngineOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStageCompletion records a stage reaching quorum.
func (m *Metrics) RecordStageCompletion(workflowID string, stageOrder int) {
	if m == nil {
		return
	}
	m.StageCompletionsTotal.WithLabelValues(workflowID, strconv.Itoa(stageOrder)).Inc()
}

// RecordRollback records a change request at stageOrder.
func (m *Metrics) RecordRollback(workflowID string, stageOrder int) {
	if m == nil {
		return
	}
	m.RollbacksTotal.WithLabelValues(workflowID, strconv.Itoa(stageOrder)).Inc()
}

// RecordFinalApproval records an owner sign-off.
func (m *Metrics) RecordFinalApproval() {
	if m == nil {
		return
	}
	m.FinalApprovalsTotal.Inc()
}

// RecordCommitRetry records a transition recomputed after a version conflict.
func (m *Metrics) RecordCommitRetry() {
	if m == nil {
		return
	}
	m.CommitRetriesTotal.Inc()
}

// RecordCommitConflict records a transition that failed after its retry.
func (m *Metrics) RecordCommitConflict() {
	if m == nil {
		return
	}
	m.CommitConflictsTotal.Inc()
}

// RecordLockWait records the time spent acquiring the per-asset lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(d.Seconds())
}

// RecordNotification records the final result of one notification.
func (m *Metrics) RecordNotification(kind, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

// RecordNotificationRetry records one delivery retry.
func (m *Metrics) RecordNotificationRetry() {
	if m == nil {
		return
	}
	m.NotificationRetriesTotal.Inc()
}

// RecordNotificationDelay records the delay between an event and its delivery.
func (m *Metrics) RecordNotificationDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.NotificationDeliveryDelay.Observe(d.Seconds())
}

// AddNotificationsInFlight adjusts the in-flight gauge.
func (m *Metrics) AddNotificationsInFlight(delta float64) {
	if m == nil {
		return
	}
	m.NotificationsInFlight.Add(delta)
}

// RecordWorkflowSeed records one seed loader outcome.
func (m *Metrics) RecordWorkflowSeed(result string) {
	if m == nil {
		return
	}
	m.WorkflowSeedTotal.WithLabelValues(result).Inc()
}

// SetWorkflowsLoaded sets the number of workflows created from seeds.
func (m *Metrics) SetWorkflowsLoaded(count float64) {
	if m == nil {
		return
	}
	m.WorkflowsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	// RoutePattern collapses the "/*/" joints of nested routers.
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
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
