package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gogpu/gg"
	"github.com/use-agent/cardrender/api"
	"github.com/use-agent/cardrender/api/handler"
	"github.com/use-agent/cardrender/avatar"
	"github.com/use-agent/cardrender/browser"
	"github.com/use-agent/cardrender/cache"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/engine"
	"github.com/use-agent/cardrender/telemetry"
	"github.com/use-agent/cardrender/vector"
	"github.com/use-agent/cardrender/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	gg.SetLogger(slog.Default().With("component", "gg"))
	slog.Info("cardrender starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"strategy", cfg.Render.Strategy,
		"gateCapacity", cfg.Pool.GateCapacity,
		"wearThreshold", cfg.Pool.WearThreshold,
	)

	// ── 3. Metric export ────────────────────────────────────────────
	var opts []engine.Option
	meterProvider, err := telemetry.NewMeterProvider(context.Background(), cfg.Telemetry, handler.Version)
	if err != nil {
		slog.Error("failed to initialise metric export", "error", err)
		os.Exit(1)
	}
	if meterProvider != nil {
		opts = append(opts, engine.WithMeterProvider(meterProvider))
	}

	// ── 4. Launch the backend pool ──────────────────────────────────
	var notifier *webhook.Notifier
	if cfg.Notify.URL != "" {
		notifier = webhook.NewNotifier(cfg.Notify.URL, cfg.Notify.Secret)
		opts = append(opts, engine.WithRecycleHook(notifier.OnRecycle))
		slog.Info("recycle notifications enabled", "url", cfg.Notify.URL)
	}

	backend := browser.New(cfg.Browser, engine.SurfaceOptions{
		Width:  cfg.Pool.Width,
		Height: cfg.Pool.Height,
	})
	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), 60*time.Second)
	pool, err := engine.New(launchCtx, backend, poolConfig(cfg.Pool), opts...)
	cancelLaunch()
	if err != nil {
		slog.Error("failed to launch rendering backend", "error", err)
		os.Exit(1)
	}

	// ── 5. Vector strategy ──────────────────────────────────────────
	var rasterizer *vector.Rasterizer
	if cfg.Render.Strategy == config.StrategyVector {
		rasterizer, err = vector.New()
		if err != nil {
			slog.Error("failed to initialise vector rasterizer", "error", err)
			pool.Close()
			os.Exit(1)
		}
	}

	// ── 6. Image cache ──────────────────────────────────────────────
	store, err := newCache(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialise cache", "error", err)
		pool.Close()
		os.Exit(1)
	}

	// ── 7. Setup router ─────────────────────────────────────────────
	deps := &handler.Deps{
		Pool:    pool,
		Avatars: avatar.NewFetcher(cfg.Avatar, cfg.Browser.Proxy),
		Render:  cfg.Render,
	}
	if rasterizer != nil {
		deps.Vector = rasterizer
	}
	if store != nil {
		deps.Cache = store
	}
	startTime := time.Now()
	router := api.NewRouter(deps, cfg, startTime)

	// ── 8. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Stops the monitor and retires the live handle. Chromium exits when
	// the last render still holding the handle returns.
	pool.Close()
	if rasterizer != nil {
		_ = rasterizer.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	if notifier != nil {
		if err := notifier.Close(ctx); err != nil {
			slog.Warn("pending recycle notifications abandoned", "error", err)
		}
	}
	if meterProvider != nil {
		// Flushes the final metric export.
		if err := meterProvider.Shutdown(ctx); err != nil {
			slog.Warn("metric export shutdown failed", "error", err)
		}
	}
	slog.Info("cardrender stopped")
}

func poolConfig(c config.PoolConfig) engine.Config {
	return engine.Config{
		GateCapacity:      c.GateCapacity,
		WearThreshold:     c.WearThreshold,
		FailureThreshold:  c.FailureThreshold,
		HealthCheckPeriod: c.HealthCheckPeriod,
		RecycleSettle:     c.RecycleSettle,
		SettleWait:        c.SettleWait,
		ReadyExpr:         c.ReadyExpr,
		ReadyTimeout:      c.ReadyTimeout,
		Width:             c.Width,
		Height:            c.Height,
	}
}

// newCache returns nil when caching is disabled.
func newCache(cfg config.CacheConfig) (cache.Store, error) {
	if cfg.TTL <= 0 {
		return nil, nil
	}
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, err
		}
		slog.Info("image cache enabled", "store", "redis", "ttl", cfg.TTL)
		return store, nil
	}
	slog.Info("image cache enabled", "store", "memory", "ttl", cfg.TTL, "maxEntries", cfg.MaxEntries)
	return cache.NewMemory(cfg.MaxEntries, cfg.TTL), nil
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(h))
}
