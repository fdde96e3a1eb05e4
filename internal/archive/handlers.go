package archive

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/logging"
)

// Handler exposes admin archive endpoints.
type Handler struct {
	archiver  *Archiver
	purger    *Purger
	batchSize int
}

// NewHandler creates an archive handler. purger may be nil, in which case
// the manual purge route is not registered.
func NewHandler(archiver *Archiver, purger *Purger, batchSize int) *Handler {
	return &Handler{archiver: archiver, purger: purger, batchSize: batchSize}
}

// RegisterAdminRoutes sets up admin routes. The group must carry
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/cases/:id/archive/generate", h.Generate)
	if h.purger != nil {
		r.POST("/purge/run", h.RunPurge)
	}
}

// Generate handles POST /v1/admin/cases/:id/archive/generate
func (h *Handler) Generate(c *gin.Context) {
	res, err := h.archiver.Generate(c.Request.Context(), c.Param("id"))
	if err != nil {
		if status, code, ok := cases.ErrorStatus(err); ok {
			c.JSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("archive generation failed", "case_id", c.Param("id"), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "storage_error", "message": "Archive could not be generated"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunPurge handles POST /v1/admin/purge/run?batch=
func (h *Handler) RunPurge(c *gin.Context) {
	batch := h.batchSize
	if v := c.Query("batch"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "batch must be a positive integer"})
			return
		}
		batch = n
	}
	sum, err := h.purger.PurgeTick(c.Request.Context(), batch)
	if err != nil {
		logging.L(c.Request.Context()).Error("manual purge failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Purge failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
