package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/cardrender/models"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// testConfig disables every timer-driven behaviour; tests opt back in.
func testConfig() Config {
	return Config{
		GateCapacity:      2,
		WearThreshold:     500,
		HealthCheckPeriod: time.Hour,
		RecycleSettle:     0,
		SettleWait:        0,
	}
}

func newTestPool(t *testing.T, b *fakeBackend, cfg Config, opts ...Option) *Pool {
	t.Helper()
	p, err := New(context.Background(), b, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNew_FirstLaunchFailureIsFatal(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	b.failLaunch.Store(true)

	p, err := New(context.Background(), b, testConfig())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, models.IsCode(err, models.ErrCodeBackendLaunch))
	assert.ErrorIs(t, err, errLaunch)
}

func TestRender_Success(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig())

	img, err := p.Render(context.Background(), "<p>hi</p>", RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "h1", string(img))

	st := p.Stats()
	assert.Equal(t, int64(1), st.RenderCount)
	assert.Equal(t, "h1", st.HandleID)
	assert.Equal(t, uint64(1), st.Epoch)
	assert.True(t, st.Available)
	assert.Equal(t, 0, st.ActiveRenders)

	h := b.handle(0)
	assert.Equal(t, int32(1), h.surfacesClosed.Load(), "surface must be torn down")
}

func TestRender_DefaultAndOverrideViewport(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.Width, cfg.Height = 640, 200
	p := newTestPool(t, b, cfg)

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
	_, err = p.Render(context.Background(), "x", RenderOptions{Width: 100, Height: 50, Selector: "#card"})
	require.NoError(t, err)

	viewports, selectors := b.handle(0).seen()
	assert.Equal(t, []SurfaceOptions{{Width: 640, Height: 200}, {Width: 100, Height: 50}}, viewports)
	assert.Equal(t, []string{"", "#card"}, selectors)
	assert.Equal(t, int32(2), b.handle(0).surfacesClosed.Load())
}

func TestRender_ErrorsReleaseTokenAndSurface(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		arm         func(b *fakeBackend)
		code        string
		wantSurface int32 // surfaces opened
	}{
		{
			name:        "surface creation",
			arm:         func(b *fakeBackend) { b.failSurface.Store(true) },
			code:        models.ErrCodeSurfaceCreation,
			wantSurface: 0,
		},
		{
			name:        "content submission",
			arm:         func(b *fakeBackend) { b.failContent.Store(true) },
			code:        models.ErrCodeContentSubmission,
			wantSurface: 1,
		},
		{
			name:        "capture",
			arm:         func(b *fakeBackend) { b.failCapture.Store(true) },
			code:        models.ErrCodeCapture,
			wantSurface: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := &fakeBackend{}
			p := newTestPool(t, b, testConfig())
			tt.arm(b)

			img, err := p.Render(context.Background(), "x", RenderOptions{})
			require.Error(t, err)
			assert.Nil(t, img)
			assert.True(t, models.IsCode(err, tt.code), "got %v", err)

			h := b.handle(0)
			assert.Equal(t, tt.wantSurface, h.surfacesOpen.Load())
			assert.Equal(t, h.surfacesOpen.Load(), h.surfacesClosed.Load())
			assert.Equal(t, 0, p.gate.Outstanding())

			st := p.Stats()
			assert.Zero(t, st.RenderCount)
			assert.Equal(t, int64(1), st.ConsecutiveFailures)
			assert.Equal(t, "h1", st.HandleID, "per-request errors must not touch the handle")
		})
	}
}

func TestRender_DeadlineDuringSettleIsTimeout(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.SettleWait = time.Second
	p := newTestPool(t, b, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Render(ctx, "x", RenderOptions{})
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeTimeout))

	assert.Equal(t, 0, p.gate.Outstanding())
	assert.Equal(t, int32(1), b.handle(0).surfacesClosed.Load())
	assert.Zero(t, p.Stats().ConsecutiveFailures, "caller deadlines are not backend failures")
}

func TestRender_GateWaitHonoursDeadline(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{hold: make(chan struct{})}
	cfg := testConfig()
	cfg.GateCapacity = 1
	p := newTestPool(t, b, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := p.Render(context.Background(), "first", RenderOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool { return b.entered.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Render(ctx, "second", RenderOptions{})
	assert.True(t, models.IsCode(err, models.ErrCodeTimeout))
	assert.Equal(t, 1, p.gate.Outstanding())

	b.hold <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, 0, p.gate.Outstanding())
}

func TestRender_ThreeConcurrentWithCapacityTwo(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{hold: make(chan struct{})}
	p := newTestPool(t, b, testConfig())

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Render(context.Background(), "x", RenderOptions{})
			results <- err
		}()
	}

	require.Eventually(t, func() bool { return b.entered.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), b.entered.Load(), "third render must wait for a token")
	assert.Equal(t, 2, p.gate.Outstanding())

	b.hold <- struct{}{}
	require.NoError(t, <-results)
	require.Eventually(t, func() bool { return b.entered.Load() == 3 }, time.Second, time.Millisecond)

	b.hold <- struct{}{}
	b.hold <- struct{}{}
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	assert.Equal(t, 0, p.gate.Outstanding())
	assert.Equal(t, int64(3), p.Stats().RenderCount)
}

func TestRender_ConcurrencyNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.GateCapacity = 3
	cfg.SettleWait = 2 * time.Millisecond
	p := newTestPool(t, b, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Render(context.Background(), "x", RenderOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	h := b.handle(0)
	assert.LessOrEqual(t, h.maxActive.Load(), int32(3))
	assert.Equal(t, 0, p.gate.Outstanding())
	assert.Equal(t, int64(24), p.Stats().RenderCount)
}

func TestRender_ReadinessIsBestEffort(t *testing.T) {
	t.Parallel()

	t.Run("never ready still captures", func(t *testing.T) {
		t.Parallel()

		b := &fakeBackend{}
		cfg := testConfig()
		cfg.ReadyExpr = "window.cardReady === true"
		cfg.ReadyTimeout = 30 * time.Millisecond
		cfg.ReadyPollInterval = 5 * time.Millisecond
		p := newTestPool(t, b, cfg)

		img, err := p.Render(context.Background(), "x", RenderOptions{})
		require.NoError(t, err)
		assert.Equal(t, "h1", string(img))
		assert.Greater(t, b.readyCalls.Load(), int32(1))
	})

	t.Run("ready short-circuits the poll", func(t *testing.T) {
		t.Parallel()

		b := &fakeBackend{}
		b.ready.Store(true)
		cfg := testConfig()
		cfg.ReadyExpr = "window.cardReady === true"
		cfg.ReadyTimeout = time.Second
		p := newTestPool(t, b, cfg)

		start := time.Now()
		_, err := p.Render(context.Background(), "x", RenderOptions{})
		require.NoError(t, err)
		assert.Equal(t, int32(1), b.readyCalls.Load())
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("empty expression skips the poll", func(t *testing.T) {
		t.Parallel()

		b := &fakeBackend{}
		p := newTestPool(t, b, testConfig())

		_, err := p.Render(context.Background(), "x", RenderOptions{})
		require.NoError(t, err)
		assert.Zero(t, b.readyCalls.Load())
	})
}

func TestMonitor_RecyclesAfterWearThreshold(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.WearThreshold = 1
	cfg.HealthCheckPeriod = 10 * time.Millisecond

	events := make(chan RecycleEvent, 4)
	p := newTestPool(t, b, cfg, WithRecycleHook(func(ev RecycleEvent) { events <- ev }))

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, ReasonWear, ev.Reason)
		assert.Equal(t, "h1", ev.OldHandle)
		assert.Equal(t, "h2", ev.NewHandle)
		assert.NoError(t, ev.Err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not recycle a worn handle")
	}

	st := p.Stats()
	assert.Zero(t, st.RenderCount)
	assert.NotEqual(t, "h1", st.HandleID)
	assert.Equal(t, uint64(2), st.Epoch)
	assert.Equal(t, int64(1), st.Recycles)
	assert.True(t, b.handle(0).closed.Load(), "idle superseded handle is closed at once")
}

func TestMonitor_RecyclesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.HealthCheckPeriod = 10 * time.Millisecond
	p := newTestPool(t, b, cfg)

	b.failSurface.Store(true)
	for i := 0; i < 2; i++ {
		_, err := p.Render(context.Background(), "x", RenderOptions{})
		require.Error(t, err)
	}
	b.failSurface.Store(false)

	require.Eventually(t, func() bool { return p.Stats().Recycles == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, p.Stats().ConsecutiveFailures)
}

func TestRecycle_LaunchFailureKeepsOldHandle(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	var events []RecycleEvent
	var mu sync.Mutex
	p := newTestPool(t, b, testConfig(), WithRecycleHook(func(ev RecycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}))

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)

	b.failLaunch.Store(true)
	err = p.ForceRestart(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.ErrCodeBackendLaunch))

	h1 := b.handle(0)
	assert.False(t, h1.closed.Load(), "old handle must survive a failed recycle")

	img, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "h1", string(img))

	st := p.Stats()
	assert.Equal(t, "h1", st.HandleID)
	assert.Equal(t, int64(2), st.RenderCount, "counters survive a failed recycle")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)
	assert.Empty(t, events[0].NewHandle)
}

func TestMonitor_RetriesFailedRecycle(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.WearThreshold = 1
	cfg.HealthCheckPeriod = 10 * time.Millisecond
	p := newTestPool(t, b, cfg)

	b.failLaunch.Store(true)
	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "h1", p.Stats().HandleID)

	b.failLaunch.Store(false)
	require.Eventually(t, func() bool { return p.Stats().HandleID == "h2" }, time.Second, 5*time.Millisecond)
}

func TestRecycle_InFlightRenderFinishesOnOldHandle(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{hold: make(chan struct{})}
	p := newTestPool(t, b, testConfig())

	type result struct {
		img []byte
		err error
	}
	first := make(chan result, 1)
	go func() {
		img, err := p.Render(context.Background(), "x", RenderOptions{})
		first <- result{img, err}
	}()
	require.Eventually(t, func() bool { return b.entered.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.ForceRestart(context.Background()))
	h1 := b.handle(0)
	assert.False(t, h1.closed.Load(), "pinned handle must stay open")
	assert.Equal(t, "h2", p.Stats().HandleID)

	// A render started after publication sees only the new handle.
	second := make(chan result, 1)
	go func() {
		img, err := p.Render(context.Background(), "x", RenderOptions{})
		second <- result{img, err}
	}()
	require.Eventually(t, func() bool { return b.entered.Load() == 2 }, time.Second, time.Millisecond)
	b.hold <- struct{}{}
	b.hold <- struct{}{}

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "h1", string(r1.img))
	assert.Equal(t, "h2", string(r2.img))

	assert.True(t, h1.closed.Load(), "last holder closes the retired handle")
	assert.Equal(t, int32(1), h1.closeCalls.Load())

	// The old handle's success was not credited to the new epoch.
	assert.Equal(t, int64(1), p.Stats().RenderCount)
}

func TestRecycle_ConcurrentCallsAreSerialised(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.ForceRestart(context.Background()))
		}()
	}
	wg.Wait()

	st := p.Stats()
	assert.Equal(t, int64(5), st.Recycles)
	assert.Equal(t, uint64(6), st.Epoch)
	assert.Equal(t, 6, b.launched())
	for i := 0; i < 5; i++ {
		assert.True(t, b.handle(i).closed.Load(), "handle %d should be retired", i)
		assert.Equal(t, int32(1), b.handle(i).closeCalls.Load())
	}
	assert.False(t, b.handle(5).closed.Load())
}

func TestPublish_ResetsCountersWithTheSwap(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig())

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), p.Stats().RenderCount)

	h, err := b.Launch(context.Background())
	require.NoError(t, err)
	prev, ok := p.publish(newSlot(h, 2))
	require.True(t, ok)
	assert.Equal(t, uint64(1), prev.epoch)
	defer prev.retire()

	// The first render to pin the new slot is credited to its epoch.
	s := p.pinCurrent()
	require.NotNil(t, s)
	defer s.unpin()
	assert.Equal(t, uint64(2), s.epoch)
	assert.Equal(t, s.epoch, p.Stats().Epoch)
	assert.Zero(t, p.Stats().RenderCount)
	assert.True(t, p.stats.RecordSuccess(s.epoch))
	assert.Equal(t, int64(1), p.Stats().RenderCount)
}

func TestPublish_RefusedAfterClose(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig())
	p.Close()

	h, err := b.Launch(context.Background())
	require.NoError(t, err)
	prev, ok := p.publish(newSlot(h, 2))
	assert.False(t, ok)
	assert.Nil(t, prev)
}

func TestMonitor_SkipsRecycleWhenHandleAlreadyReplaced(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.WearThreshold = 1
	p := newTestPool(t, b, cfg)

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
	stale := p.stats.Snapshot().Epoch

	// An operator restart lands between the wear check and its recycle.
	require.NoError(t, p.ForceRestart(context.Background()))
	require.Equal(t, 2, b.launched())

	done, err := p.recycle(context.Background(), ReasonWear, stale)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, b.launched(), "no second launch for an already replaced handle")

	st := p.Stats()
	assert.Equal(t, int64(1), st.Recycles)
	assert.Equal(t, uint64(2), st.Epoch)
	assert.Equal(t, "h2", st.HandleID)

	// The guard matches the live epoch, so a genuinely worn handle still goes.
	done, err = p.recycle(context.Background(), ReasonWear, st.Epoch)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "h3", p.Stats().HandleID)
}

func TestShutdown_IsIdempotent(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	cfg := testConfig()
	cfg.HealthCheckPeriod = 5 * time.Millisecond
	p := newTestPool(t, b, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Shutdown()
		}()
	}
	wg.Wait()

	waited := make(chan struct{})
	go func() {
		p.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	// Shutdown leaves the handle serving; only Close tears it down.
	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{hold: make(chan struct{})}
	p, err := New(context.Background(), b, testConfig())
	require.NoError(t, err)

	inflight := make(chan error, 1)
	go func() {
		_, err := p.Render(context.Background(), "x", RenderOptions{})
		inflight <- err
	}()
	require.Eventually(t, func() bool { return b.entered.Load() == 1 }, time.Second, time.Millisecond)

	p.Close()
	p.Close()

	h1 := b.handle(0)
	assert.False(t, h1.closed.Load(), "the handle outlives Close while a render holds it")

	_, err = p.Render(context.Background(), "x", RenderOptions{})
	assert.True(t, models.IsCode(err, models.ErrCodeBackendUnavailable))
	assert.False(t, p.Stats().Available)

	err = p.ForceRestart(context.Background())
	assert.True(t, models.IsCode(err, models.ErrCodeBackendUnavailable))

	b.hold <- struct{}{}
	require.NoError(t, <-inflight)
	assert.True(t, h1.closed.Load())
	assert.Equal(t, int32(1), h1.closeCalls.Load())
}

func TestPool_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	b := &fakeBackend{}
	p := newTestPool(t, b, testConfig(), WithMeterProvider(mp))

	_, err := p.Render(context.Background(), "x", RenderOptions{})
	require.NoError(t, err)
	require.NoError(t, p.ForceRestart(context.Background()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(1), sums["cardrender.renders"])
	assert.Equal(t, int64(1), sums["cardrender.recycles"])
	assert.Equal(t, int64(0), sums["cardrender.renders.active"])
}
