package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/cardrender/api/middleware"
	"github.com/use-agent/cardrender/avatar"
	"github.com/use-agent/cardrender/cache"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/engine"
	"github.com/use-agent/cardrender/markup"
	"github.com/use-agent/cardrender/models"
)

// CacheHeader reports whether an image came from the cache.
const CacheHeader = "X-Cache"

// Leaderboard row geometry; must match the #board stylesheet.
const (
	boardWidth     = 1000
	boardChrome    = 160
	boardRowHeight = 84
)

// RenderRankCard returns a handler for POST /render and POST /api/v1/render.
//
// Orchestration flow:
//  1. Parse & validate request, apply defaults.
//  2. Cache lookup.
//  3. Resolve avatar (base64 → URL fetch → none).
//  4. Draw with the configured strategy.
//  5. Cache store, return image/png.
func RenderRankCard(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// ── 1. Parse request ────────────────────────────────────────
		var req models.RankCardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalidInput(err))
			return
		}
		req.Defaults()
		if err := req.Validate(); err != nil {
			respondError(c, invalidInput(err))
			return
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		key := d.cacheKey("rank:"+d.Render.Strategy, req)
		if d.serveCached(c, key) {
			return
		}

		ctx, cancel := d.withTimeout(c.Request.Context())
		defer cancel()

		// ── 3. Avatar ───────────────────────────────────────────────
		av, err := d.resolveAvatar(ctx, c.GetString(middleware.RequestIDKey), req.AvatarBase64, req.AvatarURL)
		if err != nil {
			respondError(c, err)
			return
		}

		// ── 4. Draw ─────────────────────────────────────────────────
		var img []byte
		if d.Render.Strategy == config.StrategyVector {
			img, err = d.drawVector(c, req, av)
		} else {
			img, err = d.drawBrowser(ctx, req, av)
		}
		if err != nil {
			logFailure(c, "rank card", err)
			respondError(c, err)
			return
		}

		// ── 5. Respond ──────────────────────────────────────────────
		slog.Info("rank card rendered",
			"request_id", c.GetString(middleware.RequestIDKey),
			"strategy", d.Render.Strategy,
			"bytes", len(img),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		d.respondImage(c, key, img)
	}
}

// RenderLeaderboard returns a handler for POST /api/v1/render/leaderboard.
// Leaderboards always go through the browser pool.
func RenderLeaderboard(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req models.LeaderboardRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalidInput(err))
			return
		}
		req.Defaults()

		key := d.cacheKey("leaderboard", req)
		if d.serveCached(c, key) {
			return
		}

		ctx, cancel := d.withTimeout(c.Request.Context())
		defer cancel()

		avatars, err := d.resolveBoardAvatars(ctx, c.GetString(middleware.RequestIDKey), req.Users)
		if err != nil {
			respondError(c, err)
			return
		}

		doc, err := markup.Leaderboard(req, avatars)
		if err != nil {
			respondError(c, err)
			return
		}

		img, err := d.Pool.Render(ctx, doc, engine.RenderOptions{
			Width:    boardWidth,
			Height:   boardChrome + boardRowHeight*len(req.Users),
			Selector: "#board",
		})
		if err != nil {
			logFailure(c, "leaderboard", err)
			respondError(c, err)
			return
		}

		slog.Info("leaderboard rendered",
			"request_id", c.GetString(middleware.RequestIDKey),
			"rows", len(req.Users),
			"bytes", len(img),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		d.respondImage(c, key, img)
	}
}

// RenderHTML returns a handler for POST /api/v1/render/html.
func RenderHTML(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var req models.MarkupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalidInput(err))
			return
		}
		if req.Selector != "" {
			if err := markup.ValidateSelector(req.Selector); err != nil {
				respondError(c, err)
				return
			}
		}

		key := d.cacheKey("html", req)
		if d.serveCached(c, key) {
			return
		}

		doc, err := markup.Prepare(req.HTML, d.Render.AllowScripts)
		if err != nil {
			respondError(c, err)
			return
		}

		ctx, cancel := d.withTimeout(c.Request.Context())
		defer cancel()

		img, err := d.Pool.Render(ctx, doc, engine.RenderOptions{
			Width:    req.Width,
			Height:   req.Height,
			Selector: req.Selector,
		})
		if err != nil {
			logFailure(c, "markup", err)
			respondError(c, err)
			return
		}

		slog.Info("markup rendered",
			"request_id", c.GetString(middleware.RequestIDKey),
			"bytes", len(img),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		d.respondImage(c, key, img)
	}
}

func (d *Deps) drawBrowser(ctx context.Context, req models.RankCardRequest, av *avatar.Image) ([]byte, error) {
	src := ""
	if av != nil {
		src = av.DataURI()
	}
	doc, err := markup.RankCard(req, src)
	if err != nil {
		return nil, err
	}
	return d.Pool.Render(ctx, doc, engine.RenderOptions{})
}

func (d *Deps) drawVector(c *gin.Context, req models.RankCardRequest, av *avatar.Image) ([]byte, error) {
	if av == nil {
		return d.Vector.RankCard(req, nil)
	}
	decoded, err := av.Decode()
	if err != nil {
		slog.Warn("avatar decode failed, drawing placeholder",
			"request_id", c.GetString(middleware.RequestIDKey),
			"error", err,
		)
		return d.Vector.RankCard(req, nil)
	}
	return d.Vector.RankCard(req, decoded)
}

// resolveAvatar prefers inline base64, then a remote URL. A malformed
// base64 payload is the caller's fault; a failed download is not, and the
// card is drawn with a placeholder instead.
func (d *Deps) resolveAvatar(ctx context.Context, requestID, b64, url string) (*avatar.Image, error) {
	if b64 != "" {
		return avatar.FromBase64(b64)
	}
	if url == "" || d.Avatars == nil {
		return nil, nil
	}
	img, err := d.Avatars.Fetch(ctx, url)
	if err != nil {
		slog.Warn("avatar fetch failed, using placeholder",
			"request_id", requestID,
			"url", url,
			"error", err,
		)
		return nil, nil
	}
	return img, nil
}

// resolveBoardAvatars resolves every row's avatar concurrently and returns
// image sources keyed by user ID. Rows that fail to download fall back to
// their avatar URL so the browser can try again.
func (d *Deps) resolveBoardAvatars(ctx context.Context, requestID string, users []models.LeaderboardEntry) (map[string]string, error) {
	srcs := make(map[string]string, len(users))
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, u := range users {
		wg.Add(1)
		go func(u models.LeaderboardEntry) {
			defer wg.Done()
			img, err := d.resolveAvatar(ctx, requestID, u.AvatarBase64, u.AvatarURL)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case img != nil:
				srcs[u.UserID] = img.DataURI()
			case u.AvatarURL != "":
				srcs[u.UserID] = u.AvatarURL
			}
		}(u)
	}
	wg.Wait()
	return srcs, firstErr
}

func (d *Deps) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Render.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Render.Timeout)
}

// cacheKey returns "" when caching is off.
func (d *Deps) cacheKey(kind string, req any) string {
	if d.Cache == nil {
		return ""
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return cache.Key(kind, payload)
}

func (d *Deps) serveCached(c *gin.Context, key string) bool {
	if key == "" {
		return false
	}
	img, ok := d.Cache.Get(c.Request.Context(), key)
	if !ok {
		return false
	}
	c.Header(CacheHeader, "hit")
	c.Data(http.StatusOK, "image/png", img)
	return true
}

func (d *Deps) respondImage(c *gin.Context, key string, img []byte) {
	if key != "" {
		d.Cache.Set(c.Request.Context(), key, img)
		c.Header(CacheHeader, "miss")
	}
	c.Data(http.StatusOK, "image/png", img)
}

func logFailure(c *gin.Context, kind string, err error) {
	renderErr := models.AsRenderError(err)
	slog.Error("render failed",
		"request_id", c.GetString(middleware.RequestIDKey),
		"kind", kind,
		"code", renderErr.Code,
		"error", err,
	)
}
