// Package auth holds the request guards for the HTTP surface. End-user
// authentication is owned by an upstream gateway which forwards the caller
// identity in X-Actor-ID; admin actions are guarded by a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lexbridge/casepay/internal/audit"
)

const (
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// HeaderAdminID names the administrator performing the action.
	HeaderAdminID = "X-Admin-ID"
	// HeaderActorID carries the caller identity set by the upstream gateway.
	HeaderActorID = "X-Actor-ID"

	// ContextKeyActor is the gin context key holding the acting identity.
	ContextKeyActor = "authActor"
	// ContextKeyRole is the gin context key holding the actor role.
	ContextKeyRole = "authRole"
)

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables admin routes entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin actions are disabled: ADMIN_SECRET is not configured.",
			})
			return
		}
		given := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Valid X-Admin-Secret header required.",
			})
			return
		}

		adminID := strings.TrimSpace(c.GetHeader(HeaderAdminID))
		if adminID == "" {
			adminID = "admin"
		}
		setActor(c, adminID, audit.RoleAdmin)
		c.Next()
	}
}

// RequireActor rejects requests that carry no caller identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actor == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Caller identity required (X-Actor-ID).",
			})
			return
		}
		setActor(c, actor, audit.RoleUser)
		c.Next()
	}
}

// Actor returns the identity set by RequireAdmin or RequireActor.
func Actor(c *gin.Context) string {
	return c.GetString(ContextKeyActor)
}

// Role returns the role set alongside the actor.
func Role(c *gin.Context) string {
	return c.GetString(ContextKeyRole)
}

func setActor(c *gin.Context, actor, role string) {
	c.Set(ContextKeyActor, actor)
	c.Set(ContextKeyRole, role)
	c.Request = c.Request.WithContext(audit.WithActor(c.Request.Context(), actor, role))
}
