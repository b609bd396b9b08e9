package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"termbroker/internal/auth"
)

const (
	userIDContextKey   = "userID"
	deviceIDContextKey = "deviceID"
)

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

func DeviceIDFromContext(c *gin.Context) (string, bool) {
	deviceID, ok := c.Get(deviceIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := deviceID.(string)
	return value, ok && value != ""
}

func RequireAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := svc.Verify(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Set(deviceIDContextKey, claims.DeviceID)
		c.Next()
	}
}
