package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports service liveness and storage reachability
type HealthHandler struct {
	logger      *slog.Logger
	check       func(ctx context.Context) error
	serviceName string
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:      deps.Logger,
		check:       deps.HealthCheck,
		serviceName: deps.ServiceName,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	if h.check != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.check(ctx); err != nil {
			h.logger.Error("Health check failed", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": h.serviceName,
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": h.serviceName,
	})
}
