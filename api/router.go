package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/cardrender/api/handler"
	"github.com/use-agent/cardrender/api/middleware"
	"github.com/use-agent/cardrender/config"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger → RequestID
//	API:     Auth (if enabled) → RateLimit
//
// Both health endpoints are outside auth so probes always work.
func NewRouter(deps *handler.Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())

	r.GET("/health", handler.Liveness(startTime))

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(deps.Pool, cfg.Render.Strategy, startTime))

	var guard []gin.HandlerFunc
	if cfg.Auth.Enabled {
		guard = append(guard, middleware.Auth(cfg.Auth.APIKeys))
	}
	guard = append(guard, middleware.RateLimit(cfg.RateLimit))

	// Legacy unversioned render route shares the protected chain.
	root := r.Group("", guard...)
	root.POST("/render", handler.RenderRankCard(deps))

	protected := v1.Group("", guard...)
	protected.POST("/render", handler.RenderRankCard(deps))
	protected.POST("/render/leaderboard", handler.RenderLeaderboard(deps))
	protected.POST("/render/html", handler.RenderHTML(deps))
	protected.POST("/admin/restart", handler.Restart(deps.Pool))

	return r
}
