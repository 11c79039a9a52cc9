// Package browser implements engine.Backend on top of a headless Chromium
// driven through go-rod.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/engine"
)

// Backend launches Chromium processes. Each Launch yields an independent
// process with its own user-data dir.
type Backend struct {
	cfg      config.BrowserConfig
	viewport engine.SurfaceOptions
	seq      atomic.Int64
}

// New returns a Chromium backend. viewport sets the initial window size.
func New(cfg config.BrowserConfig, viewport engine.SurfaceOptions) *Backend {
	return &Backend{cfg: cfg, viewport: viewport}
}

// Name implements engine.Backend.
func (b *Backend) Name() string { return "chromium" }

// newLauncher builds the launcher with the flags used for card rendering.
func (b *Backend) newLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(b.cfg.Headless).
		NoSandbox(b.cfg.NoSandbox).
		Leakless(true)

	if b.cfg.BrowserBin != "" {
		l = l.Bin(b.cfg.BrowserBin)
	}
	if b.cfg.Proxy != "" {
		l = l.Proxy(b.cfg.Proxy)
	}

	// ── Rendering flags ──────────────────────────────────────────────
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-gpu"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-features"), "TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("no-first-run"))
	l.Set(flags.Flag("hide-scrollbars"))
	l.Set(flags.Flag("font-render-hinting"), "none")
	if b.cfg.NoSandbox {
		// Chromium rejects no-zygote unless the sandbox is off.
		l.Set(flags.Flag("no-zygote"))
	}
	if b.viewport.Width > 0 && b.viewport.Height > 0 {
		l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", b.viewport.Width, b.viewport.Height))
	}
	return l
}

type launchResult struct {
	controlURL string
	err        error
}

// Launch implements engine.Backend. It starts a Chromium process and
// connects to it over CDP. If ctx ends while the process is still starting,
// Launch returns ctx.Err() and the process is reaped in the background.
func (b *Backend) Launch(ctx context.Context) (engine.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := b.newLauncher()
	done := make(chan launchResult, 1)
	go func() {
		u, err := l.Launch()
		done <- launchResult{controlURL: u, err: err}
	}()

	var res launchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				l.Kill()
				l.Cleanup()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, fmt.Errorf("browser: launch chromium: %w", res.err)
	}

	rb := rod.New().ControlURL(res.controlURL)
	if err := rb.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("browser: connect to %s: %w", res.controlURL, err)
	}

	id := fmt.Sprintf("chromium-%d-%d", b.seq.Add(1), l.PID())
	slog.Info("browser: chromium launched",
		"handle", id,
		"controlURL", res.controlURL,
		"headless", b.cfg.Headless,
	)

	return &handle{
		id:       id,
		browser:  rb,
		launcher: l,
		cfg:      b.cfg,
		blocked:  resourceTypeSet(b.cfg.BlockedResourceTypes),
		headers:  toHeadersMap(b.cfg.ExtraHeaders),
	}, nil
}
