package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"termbroker/internal/auth"
	"termbroker/internal/middleware"
	"termbroker/internal/model"
)

type AuthHandler struct {
	Auth       *auth.Service
	LoginLimit *middleware.RateLimiter
}

type registerBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type deviceBody struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Platform  string `json:"platform"`
	PublicKey string `json:"publicKey"`
}

type loginBody struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Device   deviceBody `json:"device"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var body registerBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, err := h.Auth.CreateUser(c.Request.Context(), body.Username, body.Password, body.Email)
	if err != nil {
		if errors.Is(err, auth.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Registration failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": gin.H{
		"id":       user.ID,
		"username": user.Username,
	}})
}

// Login checks credentials, pairs or refreshes the presented device, and
// returns a token bound to that device.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if h.LoginLimit != nil && !h.LoginLimit.Allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return
	}

	user, err := h.Auth.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	device, err := h.Auth.AddDevice(c.Request.Context(), user.ID, auth.DeviceDescriptor{
		ID:        body.Device.ID,
		Name:      body.Device.Name,
		Type:      model.DeviceType(body.Device.Type),
		Platform:  body.Device.Platform,
		PublicKey: body.Device.PublicKey,
	})
	if err != nil {
		if errors.Is(err, auth.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	token, err := h.Auth.IssueToken(user.ID, device.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"userId":   user.ID,
		"deviceId": device.ID,
	})
}
