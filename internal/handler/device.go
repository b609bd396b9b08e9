package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"termbroker/internal/auth"
	"termbroker/internal/middleware"
	"termbroker/internal/model"
	"termbroker/internal/store"
)

type DeviceHandler struct {
	Auth  *auth.Service
	Store store.Store
}

func (h *DeviceHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Lookup failed"})
		return
	}

	resp := make([]gin.H, 0, len(user.Devices))
	for _, d := range user.Devices {
		resp = append(resp, gin.H{
			"id":         d.ID,
			"name":       d.Name,
			"type":       d.Type,
			"platform":   d.Platform,
			"lastSeenAt": d.LastSeenAt,
			"trusted":    d.Trusted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

func (h *DeviceHandler) Add(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body deviceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	device, err := h.Auth.AddDevice(c.Request.Context(), userID, auth.DeviceDescriptor{
		ID:        body.ID,
		Name:      body.Name,
		Type:      model.DeviceType(body.Type),
		Platform:  body.Platform,
		PublicKey: body.PublicKey,
	})
	if err != nil {
		if errors.Is(err, auth.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Device registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"device": gin.H{
		"id":         device.ID,
		"name":       device.Name,
		"type":       device.Type,
		"platform":   device.Platform,
		"lastSeenAt": device.LastSeenAt,
	}})
}
