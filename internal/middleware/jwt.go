package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fitcast/backend/internal/auth"
	"github.com/fitcast/backend/pkg/response"
)

const (
	// ContextUserID is the key for the owner id in gin context.
	ContextUserID = "user_id"
	// ContextUserLogin is the key for the upstream login in gin context.
	ContextUserLogin = "user_login"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
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
		c.Set(ContextUserLogin, claims.Login)
		c.Next()
	}
}

// UserID returns the authenticated owner id set by JWT.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
