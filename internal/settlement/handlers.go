package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/payments"
)

// Handler exposes admin settlement endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterAdminRoutes sets up admin routes. The group must carry
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/cases/:id/disputes/:disputeId/settle", h.Settle)
	r.POST("/cases/:id/release", h.Release)
}

type settleRequest struct {
	Action           string `json:"action" binding:"required"`
	GrossAmountCents int64  `json:"grossAmountCents"`
}

// Settle handles POST /v1/admin/cases/:id/disputes/:disputeId/settle
func (h *Handler) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "action is required"})
		return
	}
	action, err := cases.ParseSettlementAction(req.Action)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := h.engine.Settle(c.Request.Context(), Request{
		CaseID:           c.Param("id"),
		DisputeID:        c.Param("disputeId"),
		Action:           action,
		GrossAmountCents: req.GrossAmountCents,
		Actor:            auth.Actor(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/admin/cases/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.engine.ReleaseCompleted(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ErrorStatus maps settlement errors onto an HTTP status and error code.
func ErrorStatus(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, ErrAlreadySettled):
		return http.StatusConflict, "already_settled", true
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount", true
	}
	if status, code, ok := cases.ErrorStatus(err); ok {
		return status, code, true
	}
	return payments.ErrorStatus(err)
}

func respondError(c *gin.Context, err error) {
	status, code, ok := ErrorStatus(err)
	if !ok {
		logging.L(c.Request.Context()).Error("settlement request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	if payments.IsGatewayError(err) {
		payments.RespondError(c, err)
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
