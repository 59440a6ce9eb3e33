package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/assetflow/model"
)

// ==========================================================================
// Authentication Tests
// ==========================================================================

func TestSecurity_NoAuthHeader_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	endpoints := []string{
		"/v1/projects",
		"/v1/workflows",
		"/v1/dashboard",
		"/v1/assets/a-1/stage-summary",
		"/v1/assets/a-1/review",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			h.AssertError(t, h.GET(ep, ""), http.StatusUnauthorized, model.ErrUnauthorized)
		})
	}
}

func TestSecurity_ExpiredJWT_Returns401(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateExpiredToken(Member("alice"))

	h.AssertStatus(t, h.GET("/v1/dashboard", token), http.StatusUnauthorized)
}

func TestSecurity_InvalidSignature_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	// Signed with a key the JWKS does not publish.
	differentKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	claims := jwt.MapClaims{
		"iss":    h.issuer.Issuer(),
		"aud":    h.issuer.Audience(),
		"sub":    "alice",
		"org_id": DefaultOrganization,
		"roles":  []any{model.RoleOrgAdmin},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(differentKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	h.AssertStatus(t, h.GET("/v1/dashboard", signed), http.StatusUnauthorized)
}

func TestSecurity_NoneAlgorithm_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"sub":"admin","org_id":"acme","iss":"https://auth.test.assetflow.dev","aud":"assetflow-api-test","roles":["org:admin"]}`))
	noneToken := header + "." + payload + "."

	h.AssertStatus(t, h.GET("/v1/dashboard", noneToken), http.StatusUnauthorized)
}

func TestSecurity_WrongAudience_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	claims := Member("alice")
	claims.Extra = map[string]any{"aud": "someone-else"}

	h.AssertStatus(t, h.GET("/v1/dashboard", h.GenerateToken(claims)), http.StatusUnauthorized)
}

func TestSecurity_MissingOrganizationClaim_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateToken(TestClaims{SubjectID: "alice", Email: "alice@acme.example.com"})
	h.AssertStatus(t, h.GET("/v1/dashboard", token), http.StatusUnauthorized)
}

func TestSecurity_ValidJWT_Returns200(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertStatus(t, h.GET("/v1/dashboard", h.Token("alice")), http.StatusOK)
}

func TestSecurity_MalformedToken_Returns401(t *testing.T) {
	h := NewTestHarness(t)

	h.AssertStatus(t, h.GET("/v1/dashboard", "not.a.valid.jwt.token"), http.StatusUnauthorized)
}

// ==========================================================================
// Organization Isolation Tests
// ==========================================================================

func TestSecurity_OrganizationFromJWT_NotRequestHeader(t *testing.T) {
	h := NewTestHarness(t)

	wf := h.CreateWorkflow("Review", "Copy")
	p := h.CreateProject("dave", "Launch", wf.ID)

	outsider := h.GenerateToken(TestClaims{SubjectID: "mallory", OrganizationID: "globex"})
	resp := h.Do(http.MethodGet, "/v1/projects/"+p.ID, nil, outsider, map[string]string{
		"X-Organization-Id": DefaultOrganization,
	})
	h.AssertError(t, resp, http.StatusNotFound, model.ErrNotFound)
}

func TestSecurity_OutsiderCannotActOnAsset(t *testing.T) {
	h := NewTestHarness(t)
	_, a := twoStageFixture(t, h)

	// alice of another organization shares a subject id with a reviewer.
	outsider := h.GenerateToken(TestClaims{SubjectID: "alice", OrganizationID: "globex"})
	h.AssertError(t, h.POST("/v1/assets/"+a.ID+"/approve", map[string]any{}, outsider),
		http.StatusNotFound, model.ErrNotFound)

	sum := h.Summary(a.ID, h.Token("erin"))
	if sum.Stages[0].Received != 0 {
		t.Errorf("received = %d, want 0", sum.Stages[0].Received)
	}
}

func TestSecurity_MemberCannotManageRoster(t *testing.T) {
	h := NewTestHarness(t)

	wf := h.CreateWorkflow("Review", "Copy")
	p := h.CreateProject("dave", "Launch", wf.ID)

	resp := h.POST("/v1/projects/"+p.ID+"/stages/1/reviewers", map[string]any{"user_id": "mallory"}, h.Token("mallory"))
	h.AssertError(t, resp, http.StatusForbidden, model.ErrForbidden)

	// Organization admins may manage any project's roster.
	resp = h.POST("/v1/projects/"+p.ID+"/stages/1/reviewers", map[string]any{"user_id": "alice"}, h.AdminToken())
	h.AssertStatus(t, resp, http.StatusCreated)
}

// ==========================================================================
// Input Validation Tests
// ==========================================================================

func TestSecurity_UnknownBodyFieldsRejected(t *testing.T) {
	h := NewTestHarness(t)
	_, a := twoStageFixture(t, h)

	resp := h.POST("/v1/assets/"+a.ID+"/approve", map[string]any{"user_id": "bob"}, h.Token("alice"))
	h.AssertError(t, resp, http.StatusUnprocessableEntity, model.ErrValidationError)
}

func TestSecurity_MalformedJSONRejected(t *testing.T) {
	h := NewTestHarness(t)
	_, a := twoStageFixture(t, h)

	resp := h.POST("/v1/assets/"+a.ID+"/approve", `{"notes":`, h.Token("alice"))
	if resp.StatusCode < 400 || resp.StatusCode >= 500 {
		t.Errorf("status = %d, want 4xx", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSecurity_ErrorResponseNoStackTrace(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/projects/does-not-exist", h.Token("alice"))
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, marker := range []string{"goroutine", ".go:", "panic"} {
		if strings.Contains(string(body), marker) {
			t.Errorf("error body leaks %q: %s", marker, body)
		}
	}
}

// ==========================================================================
// Security Header Tests
// ==========================================================================

func TestSecurity_HeadersOnAuthenticatedResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/dashboard", h.Token("alice"))
	h.AssertStatus(t, resp, http.StatusOK)

	expectedHeaders := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for name, expected := range expectedHeaders {
		if actual := resp.Header.Get(name); actual != expected {
			t.Errorf("header %s = %q, want %q", name, actual, expected)
		}
	}
}

func TestSecurity_HeadersOnErrorResponse(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/dashboard", "")
	h.AssertStatus(t, resp, http.StatusUnauthorized)

	for _, name := range []string{
		"Strict-Transport-Security",
		"X-Content-Type-Options",
		"X-Frame-Options",
		"Cache-Control",
		"Referrer-Policy",
	} {
		if resp.Header.Get(name) == "" {
			t.Errorf("security header %s missing on error response", name)
		}
	}
}

func TestSecurity_HeadersOnPublicEndpoint(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/healthz", "")
	h.AssertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS header missing on public endpoint")
	}
	if resp.Header.Get("X-Content-Type-Options") == "" {
		t.Error("X-Content-Type-Options missing on public endpoint")
	}
}

func TestSecurity_CorrelationIDReturned(t *testing.T) {
	h := NewTestHarness(t)
	token := h.Token("alice")

	resp1 := h.GET("/v1/dashboard", token)
	resp1.Body.Close()
	if resp1.Header.Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set in response")
	}

	resp2 := h.Do(http.MethodGet, "/v1/dashboard", nil, token, map[string]string{
		"X-Correlation-Id": "custom-trace-123",
	})
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Correlation-Id"); got != "custom-trace-123" {
		t.Errorf("X-Correlation-Id = %q, want %q", got, "custom-trace-123")
	}
}

// ==========================================================================
// CORS Tests
// ==========================================================================

func TestSecurity_CORSAllowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do(http.MethodGet, "/healthz", nil, "", map[string]string{
		"Origin": "http://localhost:3000",
	})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS not set for allowed origin")
	}
}

func TestSecurity_CORSDisallowedOrigin(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.Do(http.MethodGet, "/healthz", nil, "", map[string]string{
		"Origin": "https://evil.example.com",
	})
	resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("CORS headers should not be set for disallowed origin")
	}
}
