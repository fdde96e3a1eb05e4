package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxBodyBytes bounds the size of an accepted webhook body.
const MaxBodyBytes = 1 << 20

const (
	headerSignature = "Stripe-Signature"
	headerAccount   = "Stripe-Account"
)

// Handler exposes the provider webhook endpoint.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a webhook handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes sets up the webhook route. It must not sit behind any
// middleware that consumes the request body.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Stripe)
}

// Stripe handles POST /v1/webhooks/stripe
func (h *Handler) Stripe(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Could not read body"})
		return
	}
	if len(body) > MaxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "Webhook body too large"})
		return
	}

	connect := c.GetHeader(headerAccount) != ""
	res, err := h.pipeline.Handle(c.Request.Context(), body, c.GetHeader(headerSignature), connect)
	switch {
	case errors.Is(err, ErrVerification):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "handler_failed", "message": "Webhook processing failed"})
		return
	}

	if res.Deduped {
		c.JSON(http.StatusOK, gin.H{"received": true, "deduped": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
