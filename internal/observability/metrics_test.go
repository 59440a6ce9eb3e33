package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	expected := []string{
		"assetflow_http_requests_total",
		"assetflow_http_request_duration_seconds",
		"assetflow_http_request_size_bytes",
		"assetflow_http_response_size_bytes",
		"assetflow_engine_operations_total",
		"assetflow_engine_operation_duration_seconds",
		"assetflow_stage_completions_total",
		"assetflow_rollbacks_total",
		"assetflow_final_approvals_total",
		"assetflow_commit_retries_total",
		"assetflow_commit_conflicts_total",
		"assetflow_lock_wait_seconds",
		"assetflow_notifications_total",
		"assetflow_notification_retries_total",
		"assetflow_notifications_in_flight",
		"assetflow_notification_delivery_delay_seconds",
		"assetflow_workflow_seed_total",
		"assetflow_workflows_loaded",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordEngineOperation("submit_approval", OutcomeOK, time.Millisecond)
	m.RecordStageCompletion("wf-1", 1)
	m.RecordRollback("wf-1", 2)
	m.RecordFinalApproval()
	m.RecordCommitRetry()
	m.RecordCommitConflict()
	m.RecordLockWait(time.Millisecond)
	m.RecordNotification("stage_advanced", "delivered")
	m.RecordNotificationRetry()
	m.AddNotificationsInFlight(1)
	m.RecordNotificationDelay(time.Millisecond)
	m.RecordWorkflowSeed("created")
	m.SetWorkflowsLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/v1/assets/{assetId}/stage-summary", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/v1/assets/{assetId}/stage-summary", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/v1/assets/{assetId}/approve", 412, 20*time.Millisecond, 64, 128)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/assets/{assetId}/stage-summary", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/assets/{assetId}/approve", "412"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordEngineOperation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEngineOperation("request_changes", OutcomeOK, 5*time.Millisecond)
	m.RecordEngineOperation("request_changes", OutcomeRejected, time.Millisecond)
	m.RecordEngineOperation("request_changes", OutcomeRejected, time.Millisecond)

	if val := testutil.ToFloat64(m.EngineOperationsTotal.WithLabelValues("request_changes", OutcomeRejected)); val != 2 {
		t.Errorf("rejected = %v, want 2", val)
	}
	if count := testutil.CollectAndCount(m.EngineOperationDuration); count == 0 {
		t.Error("expected engine duration histogram to have observations")
	}
}

func TestRecordStageCompletionAndRollback(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStageCompletion("wf-1", 1)
	m.RecordStageCompletion("wf-1", 1)
	m.RecordRollback("wf-1", 3)

	if val := testutil.ToFloat64(m.StageCompletionsTotal.WithLabelValues("wf-1", "1")); val != 2 {
		t.Errorf("stage completions = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.RollbacksTotal.WithLabelValues("wf-1", "3")); val != 1 {
		t.Errorf("rollbacks = %v, want 1", val)
	}
}

func TestRecordNotification(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("fully_approved", "failed")
	m.AddNotificationsInFlight(2)
	m.AddNotificationsInFlight(-1)

	if val := testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("fully_approved", "failed")); val != 1 {
		t.Errorf("failed notifications = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.NotificationsInFlight); val != 1 {
		t.Errorf("in flight = %v, want 1", val)
	}
}

func TestNilMetrics_noop(t *testing.T) {
	var m *Metrics
	m.RecordEngineOperation("submit", OutcomeOK, time.Millisecond)
	m.RecordStageCompletion("wf", 1)
	m.RecordNotification("stage_progress", "dropped")
	m.RecordCommitRetry()
	m.SetWorkflowsLoaded(1)
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/assets/{assetId}/review", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/assets/asset-9/review", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/assets/{assetId}/review", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/assets/{assetId}/final-approve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/assets/a1/final-approve", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/assets/{assetId}/final-approve", "412"))
	if val != 1 {
		t.Errorf("412 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandlerFor_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordFinalApproval()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "assetflow_final_approvals_total 1") {
		t.Errorf("metrics body missing final approvals counter:\n%s", rec.Body.String())
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"engine": engineDurationBuckets,
		"body":   bodySizeBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
