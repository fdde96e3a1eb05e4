package funding

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/payments"
)

// HTTPHandler exposes escrow funding endpoints.
type HTTPHandler struct {
	intents *Intents
}

// NewHTTPHandler creates a funding HTTP handler.
func NewHTTPHandler(intents *Intents) *HTTPHandler {
	return &HTTPHandler{intents: intents}
}

// RegisterRoutes sets up participant routes. The group must carry
// auth.RequireActor.
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cases/:id/escrow/intent", h.CreateIntent)
}

// CreateIntent handles POST /v1/cases/:id/escrow/intent
func (h *HTTPHandler) CreateIntent(c *gin.Context) {
	out, err := h.intents.Create(c.Request.Context(), c.Param("id"), auth.Actor(c))
	if err != nil {
		if status, code, ok := cases.ErrorStatus(err); ok {
			c.JSON(status, gin.H{"error": code, "message": err.Error()})
			return
		}
		payments.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowIntent": out})
}
