package abuse

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/consignguard/internal/identity"
	"github.com/mbd888/consignguard/internal/validation"
)

// Handler exposes the limiter to other storefront services.
type Handler struct {
	limiter *Limiter
	now     func() time.Time
}

// NewHandler creates a new limiter handler.
func NewHandler(limiter *Limiter) *Handler {
	return &Handler{limiter: limiter, now: time.Now}
}

// RegisterRoutes sets up the service routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/limits/check", h.Check)
	r.POST("/limits/attempts", h.Record)
	r.GET("/policies", h.ListPolicies)
}

// RegisterAdminRoutes sets up routes that need the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/limits/reset", h.Reset)
}

type limitRequest struct {
	Action string `json:"action"`
	UserID string `json:"userId"`
	Origin string `json:"origin"`
}

// bind parses and validates a limit request.
func bind(c *gin.Context) (string, identity.Identity, bool) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "body must be {action, userId, origin}"})
		return "", identity.Identity{}, false
	}
	if errs := validation.Validate(
		validation.ValidAction("action", req.Action),
		validation.MaxLength("userId", req.UserID, validation.MaxSubjectLength),
		validation.ValidOrigin("origin", req.Origin),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": errs.Error(), "details": errs})
		return "", identity.Identity{}, false
	}
	return req.Action, identity.New(req.UserID, req.Origin), true
}

func (h *Handler) stateResponse(action string, state LimitState) gin.H {
	return gin.H{
		"action":     action,
		"policy":     h.limiter.Registry().Get(action).Action,
		"state":      state,
		"allowed":    !state.Blocked(),
		"retryAfter": int(state.RetryAfter(h.now()).Seconds()),
	}
}

// Check handles POST /v1/limits/check
func (h *Handler) Check(c *gin.Context) {
	action, id, ok := bind(c)
	if !ok {
		return
	}
	state, err := h.limiter.CheckLimit(c.Request.Context(), action, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "limit check failed"})
		return
	}
	c.JSON(http.StatusOK, h.stateResponse(action, state))
}

// Record handles POST /v1/limits/attempts. Callers record every real
// attempt exactly once, whether it succeeded or not.
func (h *Handler) Record(c *gin.Context) {
	action, id, ok := bind(c)
	if !ok {
		return
	}
	state, err := h.limiter.RecordAttempt(c.Request.Context(), action, id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "failed to record attempt"})
		return
	}
	c.JSON(http.StatusOK, h.stateResponse(action, state))
}

// Reset handles POST /v1/admin/limits/reset
func (h *Handler) Reset(c *gin.Context) {
	action, id, ok := bind(c)
	if !ok {
		return
	}
	if err := h.limiter.ResetLimit(c.Request.Context(), action, id); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "failed to reset limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true, "key": identity.Key(action, id)})
}

type policyView struct {
	Action        string `json:"action"`
	MaxAttempts   int    `json:"maxAttempts"`
	WindowSeconds int64  `json:"windowSeconds"`
	BlockSeconds  int64  `json:"blockSeconds"`
	BanThreshold  int    `json:"banThreshold"`
}

// ListPolicies handles GET /v1/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	all := h.limiter.Registry().All()
	views := make([]policyView, 0, len(all))
	for _, p := range all {
		views = append(views, policyView{
			Action:        p.Action,
			MaxAttempts:   p.MaxAttempts,
			WindowSeconds: int64(p.Window / time.Second),
			BlockSeconds:  int64(p.BlockDuration / time.Second),
			BanThreshold:  p.BanThreshold(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"policies": views, "count": len(views)})
}
