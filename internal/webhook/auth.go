package webhook

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// requireToken rejects requests without the shared bearer token. A server
// with no token configured refuses everything.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server token not configured"})
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// requireSource only lets the listed worker services through.
func requireSource(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(allowed, c.GetHeader("X-Request-Source")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "request source not allowed"})
			return
		}
		c.Next()
	}
}
