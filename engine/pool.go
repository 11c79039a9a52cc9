package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/cardrender/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config controls the backend pool. Zero values fall back to the defaults
// noted on each field.
type Config struct {
	// GateCapacity bounds concurrent renders against the live handle.
	GateCapacity int // default: 2

	// WearThreshold is the render count after which the monitor recycles.
	WearThreshold int64 // default: 500

	// FailureThreshold is the consecutive backend failure count after which
	// the monitor recycles. Negative disables the check.
	FailureThreshold int64 // default: 5

	// HealthCheckPeriod is the monitor tick.
	HealthCheckPeriod time.Duration // default: 30s

	// RecycleSettle is the pause after retiring a handle.
	RecycleSettle time.Duration // default: 500ms

	// SettleWait is the fixed pause between content submission and capture.
	SettleWait time.Duration // default: 2s

	// ReadyExpr is polled after SettleWait; empty disables the poll.
	ReadyExpr string

	// ReadyTimeout bounds the readiness poll.
	ReadyTimeout time.Duration // default: 3s

	// ReadyPollInterval spaces readiness evaluations.
	ReadyPollInterval time.Duration // default: 50ms

	// Width and Height are the default surface size.
	Width  int // default: 1000
	Height int // default: 300
}

func (c *Config) applyDefaults() {
	if c.GateCapacity < 1 {
		c.GateCapacity = 2
	}
	if c.WearThreshold <= 0 {
		c.WearThreshold = 500
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.RecycleSettle < 0 {
		c.RecycleSettle = 0
	}
	if c.SettleWait < 0 {
		c.SettleWait = 0
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 3 * time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 50 * time.Millisecond
	}
	if c.Width <= 0 {
		c.Width = 1000
	}
	if c.Height <= 0 {
		c.Height = 300
	}
}

// Option customises a Pool.
type Option func(*Pool)

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pool) { p.meterProvider = mp }
}

// WithRecycleHook registers a callback invoked after every recycle attempt.
// The callback runs on the recycling goroutine and must not block.
func WithRecycleHook(fn func(RecycleEvent)) Option {
	return func(p *Pool) { p.onRecycle = fn }
}

// Pool keeps one rendering backend handle alive, bounds concurrent use of
// it, and recycles it when it wears out. It is safe for concurrent use.
type Pool struct {
	cfg     Config
	backend Backend
	gate    *Gate
	stats   *UsageStats
	metrics *instruments

	meterProvider metric.MeterProvider
	onRecycle     func(RecycleEvent)

	mu      sync.RWMutex // guards current and closed
	current *slot
	closed  bool

	recycleMu sync.Mutex // serialises recycles; guards epoch
	epoch     uint64
	recycles  atomic.Int64

	stopped       chan struct{}
	stopOnce      sync.Once
	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	closeOnce     sync.Once
}

// New launches the first backend handle and starts the health monitor.
// Failing to launch the first handle is fatal to the pool: no Pool is
// returned.
func New(ctx context.Context, backend Backend, cfg Config, opts ...Option) (*Pool, error) {
	cfg.applyDefaults()

	p := &Pool{
		cfg:           cfg,
		backend:       backend,
		gate:          NewGate(cfg.GateCapacity),
		stats:         NewUsageStats(),
		meterProvider: otel.GetMeterProvider(),
		stopped:       make(chan struct{}),
		monitorDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	m, err := newInstruments(p.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("engine: create instruments: %w", err)
	}
	p.metrics = m

	h, err := backend.Launch(ctx)
	if err != nil {
		return nil, models.NewRenderError(
			models.ErrCodeBackendLaunch,
			"failed to launch initial "+backend.Name()+" backend",
			err,
		)
	}
	p.epoch = 1
	p.current = newSlot(h, p.epoch)
	p.stats.Reset(p.epoch)
	slog.Info("engine: backend ready",
		"backend", backend.Name(),
		"handle", h.ID(),
		"gateCapacity", cfg.GateCapacity,
		"wearThreshold", cfg.WearThreshold,
	)

	p.monitorCtx, p.monitorCancel = context.WithCancel(context.Background())
	go p.monitorLoop()
	return p, nil
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() models.PoolStats {
	snap := p.stats.Snapshot()
	st := models.PoolStats{
		Backend:             p.backend.Name(),
		Epoch:               snap.Epoch,
		RenderCount:         snap.RenderCount,
		WearThreshold:       p.cfg.WearThreshold,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		LastActivity:        snap.LastActivity,
		ActiveRenders:       p.gate.Outstanding(),
		MaxRenders:          p.gate.Capacity(),
		Recycles:            p.recycles.Load(),
	}
	if s := p.currentSlot(); s != nil {
		st.HandleID = s.handle.ID()
		st.HandleAge = time.Since(s.created).Round(time.Second).String()
		st.Available = true
	}
	return st
}

// Shutdown stops the health monitor. It is idempotent and does not touch
// in-flight renders, which drain on their own.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		slog.Info("engine: shutdown requested")
		close(p.stopped)
		p.monitorCancel()
	})
}

// Wait blocks until the health monitor has exited.
func (p *Pool) Wait() {
	<-p.monitorDone
}

// Close shuts the pool down and retires the live handle; it is closed once
// the last in-flight render against it returns. Renders started after Close
// fail with BACKEND_UNAVAILABLE.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.Shutdown()
		p.Wait()

		p.recycleMu.Lock()
		p.mu.Lock()
		s := p.current
		p.current = nil
		p.closed = true
		p.mu.Unlock()
		p.recycleMu.Unlock()

		if s != nil {
			s.retire()
		}
		slog.Info("engine: pool closed")
	})
}

// currentSlot returns the published slot without pinning it.
func (p *Pool) currentSlot() *slot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// pinCurrent returns the published slot pinned for one operation, or nil.
func (p *Pool) pinCurrent() *slot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return nil
	}
	p.current.pin()
	return p.current
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
