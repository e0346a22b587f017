package abuse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, clk *testClock) (*gin.Engine, *Limiter) {
	t.Helper()
	l := newTestLimiter(t, clk)
	h := NewHandler(l)
	h.now = clk.Now
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r, l
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type stateBody struct {
	Action     string     `json:"action"`
	Policy     string     `json:"policy"`
	Allowed    bool       `json:"allowed"`
	RetryAfter int        `json:"retryAfter"`
	State      LimitState `json:"state"`
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) stateBody {
	t.Helper()
	var body stateBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHandler_RecordThenCheck(t *testing.T) {
	r, _ := setupRouter(t, newTestClock())
	req := `{"action":"login","userId":"u1","origin":"1.2.3.4"}`

	for i := 0; i < 4; i++ {
		w := do(r, http.MethodPost, "/v1/limits/attempts", req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(r, http.MethodPost, "/v1/limits/check", req)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeState(t, w)
	assert.True(t, body.Allowed)
	assert.Equal(t, "login", body.Policy)
	assert.Equal(t, 1, body.State.Remaining)

	w = do(r, http.MethodPost, "/v1/limits/attempts", req)
	body = decodeState(t, w)
	assert.False(t, body.Allowed)
	assert.Equal(t, StatusWindowBlocked, body.State.Status)
	assert.Equal(t, 1800, body.RetryAfter)
}

func TestHandler_UnknownActionReportsDefaultPolicy(t *testing.T) {
	r, _ := setupRouter(t, newTestClock())

	w := do(r, http.MethodPost, "/v1/limits/check", `{"action":"consignor_payout","origin":"::1"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, DefaultAction, decodeState(t, w).Policy)
}

func TestHandler_RejectsBadInput(t *testing.T) {
	r, _ := setupRouter(t, newTestClock())

	for name, body := range map[string]string{
		"not json":       `{`,
		"missing action": `{"userId":"u1","origin":"1.2.3.4"}`,
		"bad action":     `{"action":"Log In","origin":"1.2.3.4"}`,
		"bad origin":     `{"action":"login","origin":"example.com"}`,
		"long user":      `{"action":"login","userId":"` + strings.Repeat("x", 300) + `","origin":"1.2.3.4"}`,
	} {
		w := do(r, http.MethodPost, "/v1/limits/check", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestHandler_Reset(t *testing.T) {
	r, l := setupRouter(t, newTestClock())
	req := `{"action":"login","userId":"u1","origin":"1.2.3.4"}`

	for i := 0; i < 5; i++ {
		do(r, http.MethodPost, "/v1/limits/attempts", req)
	}
	w := do(r, http.MethodPost, "/v1/admin/limits/reset", req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "login:u1:1.2.3.4")

	state, err := l.CheckLimit(t.Context(), "login", identity.New("u1", "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, 5, state.Remaining)
}

func TestHandler_ListPolicies(t *testing.T) {
	r, _ := setupRouter(t, newTestClock())

	w := do(r, http.MethodGet, "/v1/policies", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Policies []policyView `json:"policies"`
		Count    int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Count)

	var login policyView
	for _, p := range body.Policies {
		if p.Action == "login" {
			login = p
		}
	}
	assert.Equal(t, policyView{Action: "login", MaxAttempts: 5, WindowSeconds: 900, BlockSeconds: 1800, BanThreshold: 20}, login)
}

func TestMiddleware_GuardsRoute(t *testing.T) {
	clk := newTestClock()
	g := newTestGuard(t, clk)

	calls := 0
	r := gin.New()
	r.POST("/v1/checkout", g.Middleware("checkout"), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "card_declined"})
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/checkout", nil)
		req.Header.Set(identity.UserHeader, "u1")
		req.RemoteAddr = "1.2.3.4:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusPaymentRequired, send().Code)
	}
	assert.Equal(t, 10, calls)

	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "try again in 15 minutes")
	assert.Equal(t, 10, calls)

	state, err := g.Limiter().CheckLimit(t.Context(), "checkout", identity.New("u1", "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, 10, state.Attempts)
}

func TestMiddleware_ClientGoneBeforeAdmission(t *testing.T) {
	clk := newTestClock()
	oracle := bans.NewOracle(bans.NewMemoryStore(), bans.WithClock(clk.Now))
	g := newTestGuard(t, clk, WithBanChecker(oracle))

	calls := 0
	r := gin.New()
	r.POST("/v1/checkout", g.Middleware("checkout"), func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/v1/checkout", nil)
	req.Header.Set(identity.UserHeader, "u1")
	req.RemoteAddr = "1.2.3.4:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.Empty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 0, calls)

	state, err := g.Limiter().CheckLimit(t.Context(), "checkout", identity.New("u1", "1.2.3.4"))
	require.NoError(t, err)
	assert.Zero(t, state.Attempts)
}
