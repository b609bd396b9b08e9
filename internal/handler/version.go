package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

type VersionHandler struct{}

func (h *VersionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}
