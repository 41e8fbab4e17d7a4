package utils

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SessionValidator reports whether a session is still live.
type SessionValidator func(ctx context.Context, sessionID string) error

// AuthMiddleware verifies the bearer JWT and the session it names, then sets session_id.
func AuthMiddleware(validate SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, err := VerifyToken(tokenParts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if validate != nil {
			if err := validate(c.Request.Context(), claims.SessionID); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
				c.Abort()
				return
			}
		}
		c.Set("session_id", claims.SessionID)
		c.Next()
	}
}

// AdminMiddleware guards routes with a bcrypt hash compared against X-Admin-Token.
// An empty hash disables the guard.
func AdminMiddleware(passwordHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if passwordHash == "" {
			c.Next()
			return
		}
		if !CheckPwd(c.GetHeader("X-Admin-Token"), passwordHash) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "admin token required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
