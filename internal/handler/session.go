package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"termbroker/internal/middleware"
	"termbroker/internal/session"
)

type SessionHandler struct {
	Sessions *session.Registry
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions, err := h.Sessions.GetUserSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, gin.H{
			"id":               sess.ID,
			"deviceId":         sess.DeviceID,
			"workingDirectory": sess.WorkingDirectory,
			"status":           sess.Status,
			"createdAt":        sess.CreatedAt,
			"lastActivityAt":   sess.LastActivityAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}
