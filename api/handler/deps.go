package handler

import (
	"context"
	"image"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/cardrender/api/middleware"
	"github.com/use-agent/cardrender/avatar"
	"github.com/use-agent/cardrender/cache"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/engine"
	"github.com/use-agent/cardrender/models"
)

// Version is reported by GET /api/v1/health.
const Version = "0.1.0"

// Renderer is the backend pool as seen by handlers. *engine.Pool satisfies it.
type Renderer interface {
	Render(ctx context.Context, markup string, opts engine.RenderOptions) ([]byte, error)
	ForceRestart(ctx context.Context) error
	Stats() models.PoolStats
}

// AvatarFetcher downloads remote avatars. *avatar.Fetcher satisfies it.
type AvatarFetcher interface {
	Fetch(ctx context.Context, url string) (*avatar.Image, error)
}

// CardDrawer draws rank cards without a browser. *vector.Rasterizer
// satisfies it.
type CardDrawer interface {
	RankCard(req models.RankCardRequest, avatarImg image.Image) ([]byte, error)
}

// Deps carries everything the render handlers share.
type Deps struct {
	Pool Renderer

	// Avatars is nil when remote avatars are disabled.
	Avatars AvatarFetcher

	// Vector is required when Render.Strategy is "vector".
	Vector CardDrawer

	// Cache is nil when caching is disabled.
	Cache cache.Store

	Render config.RenderConfig
}

// respondError writes a RenderResponse for err with the matching status.
func respondError(c *gin.Context, err error) {
	renderErr := models.AsRenderError(err)
	c.JSON(mapErrorToStatus(renderErr), models.RenderResponse{
		Success:   false,
		Message:   renderErr.Message,
		Error:     renderErr.ToDetail(),
		RequestID: c.GetString(middleware.RequestIDKey),
	})
}

// mapErrorToStatus translates error codes to HTTP status codes. Every
// failure of the render pipeline itself, timeouts and an unavailable
// backend included, is a 500.
func mapErrorToStatus(e *models.RenderError) int {
	switch e.Code {
	case models.ErrCodeInvalidInput:
		return http.StatusBadRequest // 400
	case models.ErrCodeRateLimited:
		return http.StatusTooManyRequests // 429
	case models.ErrCodeUnauthorized:
		return http.StatusUnauthorized // 401
	default:
		return http.StatusInternalServerError // 500
	}
}

func invalidInput(err error) *models.RenderError {
	return models.NewRenderError(models.ErrCodeInvalidInput, err.Error(), err)
}
