package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/pagination"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Handler exposes the audit trail to admins.
type Handler struct {
	log Logger
}

// NewHandler creates an audit handler.
func NewHandler(l Logger) *Handler {
	return &Handler{log: l}
}

// RegisterAdminRoutes sets up admin routes. The group must carry
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/cases/:id/audit", h.ListByCase)
}

// ListByCase handles GET /v1/admin/cases/:id/audit
func (h *Handler) ListByCase(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cursor is invalid"})
		return
	}

	entries, err := h.log.ListByCase(c.Request.Context(), c.Param("id"), before, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list audit entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	entries, next := pagination.ComputePage(entries, limit, func(e *Entry) int64 { return e.ID })
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{"entries": entries, "count": len(entries)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
