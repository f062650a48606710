package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ownerKey is the Gin context key holding the authenticated owner identity.
const ownerKey = "owner_id"

// Auth requires the X-User-ID header on every request and stores the owner
// identity in the Gin context. Requests without it are rejected with 401.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader("X-User-ID")
		if ownerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing X-User-ID header",
				"code":    "UNAUTHORIZED",
			})
			return
		}
		c.Set(ownerKey, ownerID)
		c.Next()
	}
}

// OwnerID returns the authenticated owner identity set by Auth.
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}
