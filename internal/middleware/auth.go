package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-core/internal/auth"
)

// UserIDKey holds the authenticated user id (int64) in the gin context.
const UserIDKey = "userID"

// AuthMiddleware rejects requests the authenticator cannot attribute to a user.
func AuthMiddleware(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := authenticator.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}
