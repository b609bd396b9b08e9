package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"termbroker/internal/auth"
	"termbroker/internal/config"
	"termbroker/internal/gateway"
	"termbroker/internal/handler"
	"termbroker/internal/middleware"
	"termbroker/internal/session"
	"termbroker/internal/store"
)

type Deps struct {
	Auth     *auth.Service
	Sessions *session.Registry
	Gateway  *gateway.Gateway
	Store    store.Store
	Config   config.Config
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	loginLimiter := middleware.NewRateLimiter(deps.Config.AuthRateLimit, time.Minute)
	authHandler := &handler.AuthHandler{Auth: deps.Auth, LoginLimit: loginLimiter}

	r.POST("/v1/auth/register", authHandler.Register)
	r.POST("/v1/auth/login", authHandler.Login)

	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Get)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.Auth))

	deviceHandler := &handler.DeviceHandler{Auth: deps.Auth, Store: deps.Store}
	protected.GET("/devices", deviceHandler.List)
	protected.POST("/devices", deviceHandler.Add)

	sessionHandler := &handler.SessionHandler{Sessions: deps.Sessions}
	protected.GET("/sessions", sessionHandler.List)

	r.GET("/ws", deps.Gateway.Serve)

	return r
}
