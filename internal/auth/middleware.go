package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerMiddleware rejects requests whose Authorization header does not
// carry the token hashed as tokenHash.
func BearerMiddleware(tokenHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" || !MatchHash(token, tokenHash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api token"})
			return
		}
		c.Next()
	}
}
