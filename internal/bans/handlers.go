package bans

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/consignguard/internal/pagination"
	"github.com/mbd888/consignguard/internal/validation"
)

// MaxManualBanDuration caps bans created through the admin API.
const MaxManualBanDuration = 365 * 24 * time.Hour

// Handler provides admin HTTP endpoints for ban management.
type Handler struct {
	oracle *Oracle
}

// NewHandler creates a new ban handler.
func NewHandler(oracle *Oracle) *Handler {
	return &Handler{oracle: oracle}
}

// RegisterRoutes sets up ban routes under the admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bans", h.List)
	r.GET("/bans/:id", h.Get)
	r.POST("/bans", h.Create)
	r.DELETE("/bans/:id", h.Revoke)
}

// List handles GET /v1/admin/bans
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	scope := Scope(c.Query("scope"))
	if scope != "" && !scope.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope", "message": ErrInvalidScope.Error()})
		return
	}

	activeOnly := false
	if raw := c.Query("active"); raw != "" {
		activeOnly, err = strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "active must be a boolean"})
			return
		}
	}

	limit := pagination.ParseLimit(c.Query("limit"))
	items, err := h.oracle.List(c.Request.Context(), ListFilter{
		Scope:      scope,
		SubjectID:  c.Query("subject"),
		ActiveOnly: activeOnly,
		Cursor:     cursor,
		Limit:      limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list bans"})
		return
	}

	page, next := pagination.ComputePage(items, limit, func(b *Ban) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	c.JSON(http.StatusOK, gin.H{"bans": page, "count": len(page), "nextCursor": next})
}

// Get handles GET /v1/admin/bans/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.oracle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "ban not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load ban"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ban": b})
}

// Create handles POST /v1/admin/bans. Manual bans are kept separate from
// auto-generated ones so revoking one does not touch the other.
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		SubjectID string `json:"subjectId" binding:"required"`
		Scope     Scope  `json:"scope" binding:"required"`
		Reason    string `json:"reason"`
		Duration  string `json:"duration" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "subjectId, scope and duration required"})
		return
	}

	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 || d > MaxManualBanDuration {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_duration", "message": "duration must be a positive Go duration up to 8760h"})
		return
	}

	subject := validation.SanitizeString(req.SubjectID, validation.MaxSubjectLength)
	if req.Scope == ScopeOrigin {
		subject = strings.ToLower(subject)
		if !validation.IsValidOrigin(subject) || subject == "unknown" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject", "message": "origin bans need an IP address"})
			return
		}
	}

	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)
	if reason == "" {
		reason = "manual ban"
	}

	b, err := h.oracle.CreateBan(c.Request.Context(), CreateRequest{
		SubjectID: subject,
		Scope:     req.Scope,
		Reason:    reason,
		Duration:  d,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidSubject), errors.Is(err, ErrInvalidTTL):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		case errors.Is(err, ErrAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "store_forbidden", "message": "ban store refused the write"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create ban"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ban": b})
}

// Revoke handles DELETE /v1/admin/bans/:id
func (h *Handler) Revoke(c *gin.Context) {
	b, err := h.oracle.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "ban not found"})
		case errors.Is(err, ErrAlreadyRevoked):
			c.JSON(http.StatusConflict, gin.H{"error": "already_revoked", "message": "ban already revoked"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke ban"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ban": b})
}
