// Package validation provides request guards shared by all API routes.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// idPattern matches case, dispute and user identifiers.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IDParams are the route parameters checked by IDParamMiddleware.
var IDParams = []string{"id", "disputeId"}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a well-formed identifier.
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}

// IDParamMiddleware rejects malformed identifiers in route parameters before
// they reach a store. Routes without the parameters pass through.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range IDParams {
			if v := c.Param(name); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": name + " must be 1-64 letters, digits, '_' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}
