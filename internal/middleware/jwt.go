package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/cinematch/backend/internal/auth"
	"github.com/cinematch/backend/pkg/response"
)

const (
	// ContextUserID is the key for the participant ID in gin context.
	ContextUserID = "user_id"
	// ContextSessionCode is the key for the session code the token is scoped to.
	ContextSessionCode = "session_code"
	// ContextIsAdmin is the key for the admin flag in gin context.
	ContextIsAdmin = "is_admin"
)

// JWT returns a middleware that validates the guest token and sets the
// participant claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextSessionCode, claims.SessionCode)
		c.Set(ContextIsAdmin, claims.IsAdmin)
		c.Next()
	}
}
