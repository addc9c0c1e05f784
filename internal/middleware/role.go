package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/cinematch/backend/pkg/response"
)

// RequireAdmin returns a middleware that allows only the session admin.
// Fine-grained authorization (own-profile writes etc.) stays in the services,
// which re-check against fresh state; this is just the cheap outer gate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdminVal, ok := c.Get(ContextIsAdmin)
		if !ok {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if isAdmin, _ := isAdminVal.(bool); !isAdmin {
			response.Forbidden(c, "admin only")
			c.Abort()
			return
		}
		c.Next()
	}
}
