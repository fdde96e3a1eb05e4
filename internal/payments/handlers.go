package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/logging"
)

// Handler exposes payout account onboarding.
type Handler struct {
	accounts *Accounts
}

// NewHandler creates a payments handler.
func NewHandler(accounts *Accounts) *Handler {
	return &Handler{accounts: accounts}
}

// RegisterRoutes sets up participant routes. The group must carry
// auth.RequireActor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/paralegals/:id/connect", h.Connect)
}

type connectRequest struct {
	Email string `json:"email"`
}

// Connect handles POST /v1/paralegals/:id/connect
func (h *Handler) Connect(c *gin.Context) {
	paralegalID := c.Param("id")
	if auth.Actor(c) != paralegalID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Paralegals can only onboard their own account."})
		return
	}
	var req connectRequest
	_ = c.ShouldBindJSON(&req)

	out, err := h.accounts.Connect(c.Request.Context(), paralegalID, req.Email)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"onboarding": out})
}

// ErrorStatus maps payment errors onto an HTTP status and error code.
func ErrorStatus(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, ErrProviderNotReady), errors.Is(err, ErrNoProviderAccount):
		return http.StatusBadRequest, "provider_not_ready", true
	case errors.Is(err, ErrIntentNotFound):
		return http.StatusNotFound, "not_found", true
	case IsGatewayError(err):
		return http.StatusBadGateway, "payment_provider_error", true
	}
	return 0, "", false
}

// RespondError writes a payment error. Gateway errors only ever expose
// their sanitized message.
func RespondError(c *gin.Context, err error) {
	status, code, ok := ErrorStatus(err)
	if !ok {
		logging.L(c.Request.Context()).Error("payments request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	msg := err.Error()
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		msg = gerr.Error()
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
