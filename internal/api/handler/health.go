package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	strategy string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(strategy string) *HealthHandler {
	return &HealthHandler{strategy: strategy}
}

// Health returns the health status of the service.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"strategy": h.strategy,
	})
}
