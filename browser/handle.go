package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/engine"
)

// handle is one running Chromium process.
type handle struct {
	id       string
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      config.BrowserConfig
	blocked  map[proto.NetworkResourceType]struct{}
	headers  proto.NetworkHeaders

	closeOnce sync.Once
	closeErr  error
}

func (h *handle) ID() string { return h.id }

// NewSurface opens a fresh tab sized to opts.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Create target        – blank tab on this process
//  2. Viewport             – device metrics for a deterministic capture size
//  3. Stealth (optional)   – before any document is loaded
//  4. Extra headers        – applied to subresource requests
//  5. Hijack mount         – block resource types and foreign hosts
//
// Any failure after step 1 closes the tab before returning.
func (h *handle) NewSurface(ctx context.Context, opts engine.SurfaceOptions) (engine.Surface, error) {
	// ── 1. Create target ────────────────────────────────────────────
	page, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	// Detach the request context; teardown must work after it expires.
	page = page.Context(context.Background())

	fail := func(stage string, err error) (engine.Surface, error) {
		if cerr := page.Close(); cerr != nil {
			slog.Debug("browser: page close after setup failure", "handle", h.id, "error", cerr)
		}
		return nil, fmt.Errorf("browser: %s: %w", stage, err)
	}

	// ── 2. Viewport ─────────────────────────────────────────────────
	if err := page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fail("set viewport", err)
	}

	// ── 3. Stealth ──────────────────────────────────────────────────
	if h.cfg.Stealth {
		if _, err := page.Context(ctx).EvalOnNewDocument(stealth.JS); err != nil {
			slog.Warn("browser: stealth injection failed, proceeding without stealth",
				"handle", h.id,
				"error", err,
			)
		}
	}

	// ── 4. Extra headers ────────────────────────────────────────────
	if len(h.headers) > 0 {
		if err := (proto.NetworkSetExtraHTTPHeaders{Headers: h.headers}).Call(page.Context(ctx)); err != nil {
			return fail("set extra headers", err)
		}
	}

	// ── 5. Hijack ───────────────────────────────────────────────────
	router := setupHijack(page, h.blocked, h.cfg.AllowedHosts)

	return &surface{handle: h, page: page, router: router}, nil
}

// Close disconnects from Chromium, kills the process and removes its
// user-data dir. Safe to call more than once.
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		if err := h.browser.Close(); err != nil {
			h.closeErr = fmt.Errorf("browser: close %s: %w", h.id, err)
		}
		h.launcher.Kill()
		h.launcher.Cleanup()
	})
	return h.closeErr
}
