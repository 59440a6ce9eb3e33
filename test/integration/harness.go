// Package integration provides a reusable test harness for end-to-end
// testing of the assetflow API. It starts a full HTTP server with in-memory
// stores, a capturing notification sink, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/assetflow/internal/approval"
	"github.com/pitabwire/assetflow/internal/catalog"
	"github.com/pitabwire/assetflow/internal/config"
	"github.com/pitabwire/assetflow/internal/definition"
	"github.com/pitabwire/assetflow/internal/ledger"
	"github.com/pitabwire/assetflow/internal/lock"
	"github.com/pitabwire/assetflow/internal/notify"
	"github.com/pitabwire/assetflow/internal/observability"
	"github.com/pitabwire/assetflow/internal/openapi"
	"github.com/pitabwire/assetflow/internal/progress"
	"github.com/pitabwire/assetflow/internal/roster"
	"github.com/pitabwire/assetflow/internal/transport"
	"github.com/pitabwire/assetflow/model"
)

// TestHarness encapsulates a fully wired assetflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Ledgers    *ledger.MemoryStore
	Workflows  *definition.MemoryStore
	Dispatcher *notify.Dispatcher
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Sink       *CaptureSink

	// Redis is the miniredis behind the approval lock when WithRedisLock
	// is set.
	Redis *miniredis.Miniredis

	cfg *config.Config
}

// RedisLockPrefix prefixes asset lock keys when WithRedisLock is set.
const RedisLockPrefix = "assetflow:test:asset:"

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	seedDirs       []string
	handlerTimeout time.Duration
	redisLock      bool
	sink           notify.Sink
	logger         *zap.Logger
}

// WithSeeds loads workflow seed files from the given directories. Relative
// paths are resolved from the testdata directory.
func WithSeeds(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		for _, d := range dirs {
			if !filepath.IsAbs(d) {
				d = filepath.Join(testdataDir(), d)
			}
			c.seedDirs = append(c.seedDirs, d)
		}
	}
}

// WithRedisLock guards the approval critical section with a Redis lock
// served by miniredis instead of the in-process lock.
func WithRedisLock() HarnessOption {
	return func(c *harnessConfig) {
		c.redisLock = true
	}
}

// WithSink delivers notifications to sink. Delivered events are still
// recorded by the harness CaptureSink when sink succeeds.
func WithSink(sink notify.Sink) HarnessOption {
	return func(c *harnessConfig) {
		c.sink = sink
	}
}

// WithLogger sets the logger for every component.
func WithLogger(logger *zap.Logger) HarnessOption {
	return func(c *harnessConfig) {
		c.logger = logger
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full assetflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(hc)
	}

	registry := prometheus.NewRegistry()
	h := &TestHarness{
		t:         t,
		Ledgers:   ledger.NewMemoryStore(),
		Workflows: definition.NewMemoryStore(),
		Metrics:   observability.InitMetrics(registry),
		Registry:  registry,
	}

	// Step 1: Stores.
	catalogStore := catalog.NewMemoryStore()
	rosterStore := roster.NewMemoryStore()

	// Step 2: Lock.
	var locker lock.Locker = lock.NewLocalLocker()
	if hc.redisLock {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { client.Close() })
		locker = lock.NewRedisLocker(client, lock.RedisOptions{
			Prefix:       RedisLockPrefix,
			TTL:          5 * time.Second,
			WaitTimeout:  5 * time.Second,
			PollInterval: time.Millisecond,
		})
	}

	// Step 3: Notifications.
	h.Sink = &CaptureSink{next: hc.sink}
	dispatcher, err := notify.NewDispatcher(h.Sink, notify.Options{
		Workers:        8,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, h.Metrics, hc.logger)
	if err != nil {
		t.Fatalf("create dispatcher: %v", err)
	}
	h.Dispatcher = dispatcher
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = dispatcher.Close(ctx)
	})

	// Step 4: Services.
	catalogSvc := catalog.NewService(catalogStore, h.Workflows, h.Ledgers, hc.logger)
	workflowSvc := definition.NewService(h.Workflows, catalogStore, h.Ledgers, hc.logger)
	rosterSvc := roster.NewService(rosterStore, catalogSvc, h.Workflows, hc.logger)
	engine := approval.NewEngine(approval.Deps{
		Catalog:    catalogSvc,
		Workflows:  h.Workflows,
		Roster:     rosterStore,
		Ledgers:    h.Ledgers,
		Locker:     locker,
		Dispatcher: dispatcher,
		Metrics:    h.Metrics,
		Logger:     hc.logger,
	})

	// Step 5: Seeds.
	if len(hc.seedDirs) > 0 {
		files, err := definition.NewLoader().LoadAll(hc.seedDirs)
		if err != nil {
			t.Fatalf("load seeds: %v", err)
		}
		if _, err := workflowSvc.Seed(context.Background(), files, h.Metrics); err != nil {
			t.Fatalf("apply seeds: %v", err)
		}
	}

	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("load API document: %v", err)
	}

	// Step 6: JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 7: Router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour).WithLogger(hc.logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       hc.logger,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Engine:       engine,
		Catalog:      catalogSvc,
		Workflows:    workflowSvc,
		Roster:       rosterSvc,
		Progress:     progress.NewAggregator(catalogSvc, h.Workflows, h.Ledgers),
		API:          doc,
		Metrics:      h.Metrics,
		Gatherer:     registry,
		Readiness: observability.ReadinessChecks{
			Store: h.Workflows,
			Lock:  locker.(observability.HealthChecker),
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Token returns a token for a member of the default organization.
func (h *TestHarness) Token(userID string) string {
	return h.GenerateToken(Member(userID))
}

// AdminToken returns a token for an administrator of the default
// organization.
func (h *TestHarness) AdminToken() string {
	return h.GenerateToken(Admin("admin"))
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Do performs a request with additional headers.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			bodyReader = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
			bodyReader = strings.NewReader(string(data))
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertList checks the status of a collection response and decodes its
// data into target.
func (h *TestHarness) AssertList(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &body)
	if err := json.Unmarshal(body.Data, target); err != nil {
		t.Fatalf("decode list data: %v", err)
	}
}

// AssertError checks the status and the envelope code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (%s)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Domain fixtures ---

// CreateWorkflow creates a workflow with one stage per name as admin.
func (h *TestHarness) CreateWorkflow(name string, stages ...string) model.Workflow {
	h.t.Helper()
	in := make([]map[string]any, len(stages))
	for i, s := range stages {
		in[i] = map[string]any{"name": s}
	}
	var wf model.Workflow
	h.AssertJSON(h.t, h.POST("/v1/workflows", map[string]any{"name": name, "stages": in}, h.AdminToken()), http.StatusCreated, &wf)
	return wf
}

// CreateProject creates a project owned by owner.
func (h *TestHarness) CreateProject(owner, name, workflowID string) model.Project {
	h.t.Helper()
	body := map[string]any{"name": name}
	if workflowID != "" {
		body["workflow_id"] = workflowID
	}
	var p model.Project
	h.AssertJSON(h.t, h.POST("/v1/projects", body, h.Token(owner)), http.StatusCreated, &p)
	return p
}

// CreateAsset creates an asset in project as creator.
func (h *TestHarness) CreateAsset(creator, projectID, name string) model.Asset {
	h.t.Helper()
	var a model.Asset
	h.AssertJSON(h.t, h.POST("/v1/projects/"+projectID+"/assets", map[string]any{"name": name}, h.Token(creator)), http.StatusCreated, &a)
	return a
}

// AddReviewers assigns users to a stage of project, acting as owner.
func (h *TestHarness) AddReviewers(owner, projectID string, stageOrder int, users ...string) {
	h.t.Helper()
	path := fmt.Sprintf("/v1/projects/%s/stages/%d/reviewers", projectID, stageOrder)
	for _, u := range users {
		h.AssertStatus(h.t, h.POST(path, map[string]any{"user_id": u, "user_name": strings.ToUpper(u[:1]) + u[1:]}, h.Token(owner)), http.StatusCreated)
	}
}

// Summary reads the stage summary of an asset.
func (h *TestHarness) Summary(assetID, token string) model.AssetSummary {
	h.t.Helper()
	var s model.AssetSummary
	h.AssertJSON(h.t, h.GET("/v1/assets/"+assetID+"/stage-summary", token), http.StatusOK, &s)
	return s
}

// --- Captured notifications ---

// CaptureSink records every delivered event. When next is set, delivery is
// delegated to it first and only successful deliveries are recorded.
type CaptureSink struct {
	next   notify.Sink
	mu     sync.Mutex
	events []model.Event
}

// Deliver implements notify.Sink.
func (s *CaptureSink) Deliver(ctx context.Context, e model.Event) error {
	if s.next != nil {
		if err := s.next.Deliver(ctx, e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns the delivered events of kind.
func (s *CaptureSink) Events(kind model.EventKind) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until n events of kind were delivered or the deadline
// passes, and returns what arrived.
func (s *CaptureSink) WaitFor(t *testing.T, kind model.EventKind, n int) []model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := s.Events(kind)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// HasRecipient reports whether any event carries userID.
func HasRecipient(events []model.Event, userID string) bool {
	for _, e := range events {
		if slices.Contains(e.Recipients, userID) {
			return true
		}
	}
	return false
}

// --- Default test claims ---

// DefaultOrganization is the organization of Member and Admin claims.
const DefaultOrganization = "acme"

// Member returns TestClaims for a regular member of the default
// organization.
func Member(userID string) TestClaims {
	return TestClaims{
		SubjectID:      userID,
		OrganizationID: DefaultOrganization,
		Name:           strings.ToUpper(userID[:1]) + userID[1:],
		Email:          userID + "@acme.example.com",
	}
}

// Admin returns TestClaims for an administrator of the default
// organization.
func Admin(userID string) TestClaims {
	c := Member(userID)
	c.Roles = []string{model.RoleOrgAdmin}
	return c
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
