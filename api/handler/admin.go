package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/cardrender/api/middleware"
	"github.com/use-agent/cardrender/models"
)

// Restart returns a handler for POST /api/v1/admin/restart. The response
// is sent once the replacement handle is published and the old one retired.
func Restart(pool Renderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetString(middleware.RequestIDKey)

		if err := pool.ForceRestart(c.Request.Context()); err != nil {
			renderErr := models.AsRenderError(err)
			slog.Error("forced restart failed", "request_id", requestID, "error", err)
			c.JSON(mapErrorToStatus(renderErr), models.RestartResponse{
				Success:   false,
				Message:   "restart failed: " + renderErr.Message,
				Backend:   pool.Stats(),
				Error:     renderErr.ToDetail(),
				RequestID: requestID,
			})
			return
		}

		stats := pool.Stats()
		slog.Info("forced restart complete",
			"request_id", requestID,
			"handle", stats.HandleID,
			"epoch", stats.Epoch,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		c.JSON(http.StatusOK, models.RestartResponse{
			Success:   true,
			Message:   "backend restarted",
			Backend:   stats,
			RequestID: requestID,
		})
	}
}
