package violations

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/consignguard/internal/pagination"
)

// Handler serves the violation log to admins.
type Handler struct {
	store Store
}

// NewHandler creates a new violation handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up violation routes under the admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/violations", h.List)
}

// List handles GET /v1/admin/violations
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	limit := pagination.ParseLimit(c.Query("limit"))
	items, err := h.store.List(c.Request.Context(), ListFilter{
		Action: c.Query("action"),
		UserID: c.Query("userId"),
		Origin: c.Query("origin"),
		Cursor: cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list violations"})
		return
	}

	page, next := pagination.ComputePage(items, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{"violations": page, "count": len(page), "nextCursor": next})
}
