package engine

import (
	"context"
	"log/slog"
	"time"
)

// monitorLoop wakes every HealthCheckPeriod and recycles a worn handle.
// Shutdown closes p.stopped and cancels p.monitorCtx, which also aborts a
// recycle that is mid-launch or mid-settle.
func (p *Pool) monitorLoop() {
	defer close(p.monitorDone)

	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopped:
			slog.Info("engine: health monitor stopped")
			return
		case <-ticker.C:
			// A tick and a stop can be ready together; stop wins.
			select {
			case <-p.stopped:
				slog.Info("engine: health monitor stopped")
				return
			default:
			}
			p.checkWear(p.monitorCtx)
		}
	}
}

// checkWear recycles the handle when it has served WearThreshold renders
// or failed FailureThreshold times in a row. A failed recycle keeps the
// current handle and is retried on the next tick.
func (p *Pool) checkWear(ctx context.Context) {
	snap := p.stats.Snapshot()

	var reason string
	switch {
	case snap.RenderCount >= p.cfg.WearThreshold:
		reason = ReasonWear
	case p.cfg.FailureThreshold > 0 && snap.ConsecutiveFailures >= p.cfg.FailureThreshold:
		reason = ReasonFailures
	default:
		return
	}

	slog.Warn("engine: backend worn out, triggering recycle",
		"reason", reason,
		"renders", snap.RenderCount,
		"failures", snap.ConsecutiveFailures,
		"epoch", snap.Epoch,
	)
	// A ForceRestart may have replaced the handle since the snapshot.
	if _, err := p.recycle(ctx, reason, snap.Epoch); err != nil {
		slog.Error("engine: recycle failed, keeping current handle",
			"reason", reason,
			"error", err,
		)
	}
}
