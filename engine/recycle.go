package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/use-agent/cardrender/models"
)

// Recycle reasons.
const (
	ReasonWear     = "wear"
	ReasonFailures = "failures"
	ReasonForced   = "forced"
)

// RecycleEvent describes one recycle attempt.
type RecycleEvent struct {
	Reason    string
	OldHandle string
	NewHandle string // empty when the attempt failed
	Epoch     uint64 // epoch of the handle serving after the attempt
	Err       error
	At        time.Time
}

// ForceRestart recycles the backend on operator request.
func (p *Pool) ForceRestart(ctx context.Context) error {
	return p.Recycle(ctx, ReasonForced)
}

// Recycle replaces the live handle with a freshly launched one.
//
// The replacement is launched while the old handle keeps serving, so a
// failed launch leaves the pool exactly as it was. Once the replacement is
// published, the old handle is retired: closed immediately if idle, or by
// the last render still using it. Recycles are serialised; a caller arriving
// during a recycle waits for it and then performs its own.
func (p *Pool) Recycle(ctx context.Context, reason string) error {
	_, err := p.recycle(ctx, reason, 0)
	return err
}

// recycle performs one recycle under recycleMu. A non-zero epoch makes the
// call conditional: it is skipped, reporting false, when the live handle is
// no longer the one observed at that epoch.
func (p *Pool) recycle(ctx context.Context, reason string, epoch uint64) (bool, error) {
	p.recycleMu.Lock()
	defer p.recycleMu.Unlock()

	old := p.currentSlot()
	if old == nil {
		return false, models.NewRenderError(models.ErrCodeBackendUnavailable, "pool is closed", nil)
	}
	if epoch != 0 && old.epoch != epoch {
		slog.Debug("engine: recycle skipped, handle already replaced",
			"reason", reason,
			"observedEpoch", epoch,
			"epoch", old.epoch,
		)
		return false, nil
	}
	oldID := old.handle.ID()

	slog.Info("engine: recycling backend",
		"reason", reason,
		"handle", oldID,
		"epoch", old.epoch,
		"age", time.Since(old.created).Round(time.Second).String(),
	)

	// ── 1. Launch the replacement; the old handle keeps serving ─────
	h, err := p.backend.Launch(ctx)
	if err != nil {
		rerr := models.NewRenderError(
			models.ErrCodeBackendLaunch,
			"failed to launch replacement "+p.backend.Name()+" backend",
			err,
		)
		p.metrics.recordRecycle(ctx, reason, false)
		p.emitRecycle(RecycleEvent{
			Reason:    reason,
			OldHandle: oldID,
			Epoch:     old.epoch,
			Err:       rerr,
			At:        time.Now(),
		})
		return false, rerr
	}

	// ── 2. Publish with fresh counters ──────────────────────────────
	next := newSlot(h, p.epoch+1)
	prev, ok := p.publish(next)
	if !ok {
		_ = h.Close()
		return false, models.NewRenderError(models.ErrCodeBackendUnavailable, "pool closed during recycle", nil)
	}
	p.recycles.Add(1)

	// ── 3. Retire the superseded handle ─────────────────────────────
	if prev != nil {
		prev.retire()
	}

	p.metrics.recordRecycle(ctx, reason, true)
	slog.Info("engine: backend recycled",
		"reason", reason,
		"oldHandle", oldID,
		"newHandle", h.ID(),
		"epoch", next.epoch,
	)
	p.emitRecycle(RecycleEvent{
		Reason:    reason,
		OldHandle: oldID,
		NewHandle: h.ID(),
		Epoch:     next.epoch,
		At:        time.Now(),
	})

	// ── 4. Settle before another launch may compete for resources ───
	if err := sleepCtx(ctx, p.cfg.RecycleSettle); err != nil {
		slog.Debug("engine: recycle settle interrupted", "error", err)
	}
	return true, nil
}

// publish swaps next in as the live slot and resets the usage counters to
// its epoch under the same lock, so no render can pin next while the
// counters still belong to the previous epoch. It reports false when the
// pool has closed.
func (p *Pool) publish(next *slot) (*slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	prev := p.current
	p.current = next
	p.epoch = next.epoch
	p.stats.Reset(next.epoch)
	return prev, true
}

func (p *Pool) emitRecycle(ev RecycleEvent) {
	if p.onRecycle != nil {
		p.onRecycle(ev)
	}
}
