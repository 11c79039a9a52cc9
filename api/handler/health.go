package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/cardrender/models"
)

// Liveness returns a handler for GET /health. It never touches the pool,
// so it answers even while the backend is being replaced.
func Liveness(startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.LivenessResponse{
			Status: "cardrender is running",
			Uptime: time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// Health returns a handler for GET /api/v1/health.
//
// Status is "unavailable" (503) with no published handle, "degraded" when
// every gate token is taken or the handle has recent failures, otherwise
// "healthy".
func Health(pool Renderer, strategy string, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := pool.Stats()

		status, code := "healthy", http.StatusOK
		switch {
		case !stats.Available:
			status, code = "unavailable", http.StatusServiceUnavailable
		case stats.ConsecutiveFailures > 0,
			stats.MaxRenders > 0 && stats.ActiveRenders >= stats.MaxRenders:
			status = "degraded"
		}

		c.JSON(code, models.HealthResponse{
			Status:   status,
			Uptime:   time.Since(startTime).Round(time.Second).String(),
			Strategy: strategy,
			Backend:  stats,
			Version:  Version,
		})
	}
}
