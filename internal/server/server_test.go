package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/consignguard/internal/abuse"
	"github.com/mbd888/consignguard/internal/config"
	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		EdgeRPS:            1000,
		EdgeBurst:          1000,
		BanDuration:        config.DefaultBanDuration,
		BanLookupTimeout:   config.DefaultBanLookupTimeout,
		BanFailOpen:        true,
		LedgerIdleTTL:      config.DefaultLedgerIdleTTL,
		SweepInterval:      config.DefaultSweepInterval,
		ViolationQueueSize: config.DefaultViolationQueueSize,
	}
}

// newTestServer creates a server on in-memory stores
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	s, err := New(cfg, WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func serve(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "dev", resp.Version)
	require.Len(t, resp.Checks, 1, "in-memory mode only checks the ban store breaker")
	assert.True(t, resp.Checks[0].Optional)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	// Server hasn't called Run() so ready is false
	w := serve(s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	serve(s, "GET", "/v1/policies", "", nil)
	w := serve(s, "GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "consignguard_http_requests_total")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t, nil)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/limits/check",
		"POST:/v1/limits/attempts",
		"GET:/v1/policies",
		"POST:/v1/admin/limits/reset",
		"GET:/v1/admin/bans",
		"GET:/v1/admin/bans/:id",
		"POST:/v1/admin/bans",
		"DELETE:/v1/admin/bans/:id",
		"GET:/v1/admin/violations",
		"GET:/v1/admin/stream",
	} {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, "GET", "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, "GET", "/health/live", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = serve(s, "GET", "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// End-to-end abuse flow
// ---------------------------------------------------------------------------

func TestLoginLockoutThenAdminReset(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"action":"login","userId":"u1","origin":"203.0.113.7"}`

	var last *httptest.ResponseRecorder
	for range 5 {
		last = serve(s, "POST", "/v1/limits/attempts", body, nil)
		require.Equal(t, http.StatusOK, last.Code, last.Body.String())
	}

	var resp struct {
		Allowed bool             `json:"allowed"`
		State   abuse.LimitState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, abuse.StatusWindowBlocked, resp.State.Status)

	w := serve(s, "POST", "/v1/admin/limits/reset", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = serve(s, "POST", "/v1/limits/check", body, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, 5, resp.State.Remaining)

	// The violation was queued through the recorder and is listed once drained
	require.Eventually(t, func() bool {
		w := serve(s, "GET", "/v1/admin/violations?action=login", "", nil)
		return w.Code == http.StatusOK && strings.Contains(w.Body.String(), `"userId":"u1"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManualBanBlocksChecks(t *testing.T) {
	s := newTestServer(t, nil)

	w := serve(s, "POST", "/v1/admin/bans",
		`{"subjectId":"198.51.100.9","scope":"origin","reason":"fraud ring","duration":"1h"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = serve(s, "POST", "/v1/limits/check", `{"action":"checkout","origin":"198.51.100.9"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Allowed bool             `json:"allowed"`
		State   abuse.LimitState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, abuse.StatusBanned, resp.State.Status)
}

func TestGuardWrapsInProcessOperations(t *testing.T) {
	s := newTestServer(t, nil)
	id := identity.New("buyer-1", "192.0.2.44")

	var calls int
	var err error
	for range 12 {
		err = s.Guard().Do(context.Background(), "checkout", id, func(context.Context) error {
			calls++
			return errors.New("card declined")
		})
	}
	assert.ErrorIs(t, err, abuse.ErrRateLimited)
	assert.Equal(t, 10, calls, "checkout allows 10 attempts per window")
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestServiceAndAdminSecretsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.ServiceToken = "svc-token"
	cfg.AdminSecret = "admin-secret"
	s := newTestServer(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, serve(s, "GET", "/v1/policies", "", nil).Code)
	assert.Equal(t, http.StatusOK,
		serve(s, "GET", "/v1/policies", "", map[string]string{"X-Service-Token": "svc-token"}).Code)

	assert.Equal(t, http.StatusForbidden,
		serve(s, "GET", "/v1/admin/bans", "", map[string]string{"X-Admin-Secret": "nope"}).Code)
	assert.Equal(t, http.StatusOK,
		serve(s, "GET", "/v1/admin/bans", "", map[string]string{"X-Admin-Secret": "admin-secret"}).Code)
}

func TestWrongAdminSecretLocksOut(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "admin-secret"
	s := newTestServer(t, cfg)

	limit := s.policies.Get("admin_action").MaxAttempts
	for range limit {
		serve(s, "GET", "/v1/admin/bans", "", map[string]string{"X-Admin-Secret": "guess"})
	}

	w := serve(s, "GET", "/v1/admin/bans", "", map[string]string{"X-Admin-Secret": "admin-secret"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

// ---------------------------------------------------------------------------
// Configuration and lifecycle
// ---------------------------------------------------------------------------

func TestNew_InvalidPolicyFileIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - action: login\n    maxAttempts: 0\n    window: 15m\n"), 0o600))

	cfg := testConfig()
	cfg.PolicyFile = path
	_, err := New(cfg, WithLogger(logging.Discard()))

	var cfgErr *abuse.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_InvalidRedisURL(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "://not-a-url"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.ready.Load, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/guard")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/guard")
	assert.Equal(t, "***", maskDSN("://bad"))
}
