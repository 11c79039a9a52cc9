package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/cardrender/models"
)

// RenderOptions are per-request overrides. Zero values use the pool config.
type RenderOptions struct {
	Width    int
	Height   int
	Selector string
}

// Render turns markup into PNG bytes on the live handle.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Admission      – wait for a gate token (bounded by ctx)
//  2. Pin handle     – read the published slot; nil means BACKEND_UNAVAILABLE
//  3. Surface        – open a page on that handle
//  4. Submit         – load the markup
//  5. Settle         – fixed wait for fonts/animations
//  6. Readiness      – best-effort poll of ReadyExpr
//  7. Capture        – encode PNG
//  8. DEFER: surface teardown (best-effort)
//  9. Stats          – success or backend failure against the pinned epoch
//  10. DEFER: unpin handle + release token (every exit path)
//
// A handle recycled while this runs stays open until step 10 unpins it, so
// the operation always finishes on the handle it started with.
func (p *Pool) Render(ctx context.Context, markup string, opts RenderOptions) ([]byte, error) {
	start := time.Now()

	// ── 1. Admission ────────────────────────────────────────────────
	token, err := p.gate.Acquire(ctx)
	if err != nil {
		p.metrics.recordRender(ctx, models.ErrCodeTimeout, start)
		return nil, models.NewRenderError(
			models.ErrCodeTimeout,
			"timed out waiting for a render slot",
			err,
		)
	}
	defer token.Release()

	p.metrics.inflight.Add(ctx, 1)
	defer p.metrics.inflight.Add(ctx, -1)

	// ── 2. Pin the published handle ─────────────────────────────────
	s := p.pinCurrent()
	if s == nil {
		p.metrics.recordRender(ctx, models.ErrCodeBackendUnavailable, start)
		return nil, models.NewRenderError(
			models.ErrCodeBackendUnavailable,
			"no rendering backend is available",
			nil,
		)
	}
	defer s.unpin()

	img, err := p.renderOn(ctx, s, markup, opts)
	if err != nil {
		re := models.AsRenderError(err)
		// ── 9a. Backend-side failures count toward recycling ────────
		if re.Code != models.ErrCodeTimeout {
			p.stats.RecordFailure(s.epoch)
		}
		p.metrics.recordRender(ctx, re.Code, start)
		slog.Warn("engine: render failed",
			"handle", s.handle.ID(),
			"code", re.Code,
			"error", re.Err,
		)
		return nil, re
	}

	// ── 9b. Success ─────────────────────────────────────────────────
	if !p.stats.RecordSuccess(s.epoch) {
		slog.Debug("engine: render finished on superseded handle",
			"handle", s.handle.ID(),
			"epoch", s.epoch,
		)
	}
	p.metrics.recordRender(ctx, "ok", start)
	return img, nil
}

// renderOn runs steps 3–8 against a pinned slot.
func (p *Pool) renderOn(ctx context.Context, s *slot, markup string, opts RenderOptions) ([]byte, error) {
	width, height := opts.Width, opts.Height
	if width <= 0 {
		width = p.cfg.Width
	}
	if height <= 0 {
		height = p.cfg.Height
	}

	// ── 3. Surface ──────────────────────────────────────────────────
	surface, err := s.handle.NewSurface(ctx, SurfaceOptions{Width: width, Height: height})
	if err != nil {
		return nil, stageError(ctx, models.ErrCodeSurfaceCreation, "failed to create render surface", err)
	}

	// ── 8. DEFER: surface teardown ──────────────────────────────────
	defer func() {
		if cerr := surface.Close(); cerr != nil {
			slog.Warn("engine: surface teardown failed",
				"handle", s.handle.ID(),
				"error", cerr,
			)
		}
	}()

	// ── 4. Submit ───────────────────────────────────────────────────
	if err := surface.SetContent(ctx, markup); err != nil {
		return nil, stageError(ctx, models.ErrCodeContentSubmission, "failed to submit markup", err)
	}

	// ── 5. Settle ───────────────────────────────────────────────────
	if err := sleepCtx(ctx, p.cfg.SettleWait); err != nil {
		return nil, models.NewRenderError(models.ErrCodeTimeout, "render deadline expired while settling", err)
	}

	// ── 6. Readiness (best-effort) ──────────────────────────────────
	p.waitReady(ctx, surface, s.handle.ID())

	// ── 7. Capture ──────────────────────────────────────────────────
	img, err := surface.Capture(ctx, CaptureOptions{Selector: opts.Selector})
	if err != nil {
		return nil, stageError(ctx, models.ErrCodeCapture, "failed to capture rendered output", err)
	}
	return img, nil
}

// waitReady polls ReadyExpr until it holds or ReadyTimeout passes. A missing
// signal is logged and otherwise ignored.
func (p *Pool) waitReady(ctx context.Context, surface Surface, handleID string) {
	if p.cfg.ReadyExpr == "" {
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.ReadyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := surface.Ready(readyCtx, p.cfg.ReadyExpr)
		if err == nil && ok {
			return
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-readyCtx.Done():
			slog.Warn("engine: readiness signal not observed, capturing anyway",
				"handle", handleID,
				"expr", p.cfg.ReadyExpr,
				"timeout", p.cfg.ReadyTimeout.String(),
				"error", lastErr,
			)
			return
		case <-ticker.C:
		}
	}
}

// stageError wraps a backend error with its stage code, or as a timeout when
// the caller's deadline is what actually failed the call.
func stageError(ctx context.Context, code, msg string, err error) *models.RenderError {
	if ctx.Err() != nil {
		return models.NewRenderError(models.ErrCodeTimeout, msg+": deadline expired", err)
	}
	return models.NewRenderError(code, msg, err)
}
