package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys injected by the auth middleware.
const (
	KeyUserID      = "user_id"
	KeyWorkspaceID = "workspace_id"
	KeyTrainerID   = "trainer_id"
	KeyEmail       = "email"
	KeyRole        = "role"
	KeyAuthType    = "auth_type"
)

func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		// Browser clients typically use httpOnly cookies for auth.
		if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
			auth = "Bearer " + cookieToken
		} else {
			return "", false
		}
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

// ServiceAuthMiddleware validates service-to-service auth tokens
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		if err := ValidateServiceToken(token, expectedToken); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(KeyAuthType, "service")
		c.Next()
	}
}

// JWTAuthMiddleware validates JWT tokens for web sessions and injects the
// workspace and trainer scope into the request context.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(token, secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid JWT token"})
			c.Abort()
			return
		}

		c.Set(KeyUserID, claims.UserID)
		c.Set(KeyWorkspaceID, claims.WorkspaceID)
		c.Set(KeyTrainerID, claims.TrainerID)
		c.Set(KeyEmail, claims.Email)
		c.Set(KeyRole, claims.Role)
		c.Set(KeyAuthType, "jwt")
		c.Next()
	}
}
