package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	errLaunch  = errors.New("launch refused")
	errSurface = errors.New("target crashed")
	errContent = errors.New("document replaced")
	errCapture = errors.New("screenshot failed")
)

// fakeBackend is an in-memory Backend. Each launch yields a fakeHandle whose
// Capture returns the handle ID, so tests can tell which handle served.
type fakeBackend struct {
	mu      sync.Mutex
	handles []*fakeHandle

	failLaunch  atomic.Bool
	failSurface atomic.Bool
	failContent atomic.Bool
	failCapture atomic.Bool
	ready       atomic.Bool
	readyCalls  atomic.Int32

	// hold, when set, makes SetContent block until a value is received or
	// the request context ends.
	hold    chan struct{}
	entered atomic.Int32
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Launch(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.failLaunch.Load() {
		return nil, errLaunch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &fakeHandle{id: fmt.Sprintf("h%d", len(b.handles)+1), backend: b}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *fakeBackend) handle(i int) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[i]
}

func (b *fakeBackend) launched() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

type fakeHandle struct {
	id      string
	backend *fakeBackend

	closed         atomic.Bool
	closeCalls     atomic.Int32
	active         atomic.Int32
	maxActive      atomic.Int32
	surfacesOpen   atomic.Int32
	surfacesClosed atomic.Int32

	mu        sync.Mutex
	viewports []SurfaceOptions
	selectors []string
}

func (h *fakeHandle) seen() ([]SurfaceOptions, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SurfaceOptions(nil), h.viewports...), append([]string(nil), h.selectors...)
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) NewSurface(ctx context.Context, opts SurfaceOptions) (Surface, error) {
	if h.closed.Load() {
		return nil, errors.New("handle closed")
	}
	if h.backend.failSurface.Load() {
		return nil, errSurface
	}
	n := h.active.Add(1)
	for {
		m := h.maxActive.Load()
		if n <= m || h.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	h.surfacesOpen.Add(1)
	h.mu.Lock()
	h.viewports = append(h.viewports, opts)
	h.mu.Unlock()
	return &fakeSurface{h: h, opts: opts}, nil
}

func (h *fakeHandle) Close() error {
	h.closeCalls.Add(1)
	h.closed.Store(true)
	return nil
}

type fakeSurface struct {
	h      *fakeHandle
	opts   SurfaceOptions
	markup string
	once   sync.Once
}

func (s *fakeSurface) SetContent(ctx context.Context, markup string) error {
	b := s.h.backend
	b.entered.Add(1)
	if b.hold != nil {
		select {
		case <-b.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.failContent.Load() {
		return errContent
	}
	s.markup = markup
	return nil
}

func (s *fakeSurface) Ready(ctx context.Context, expr string) (bool, error) {
	s.h.backend.readyCalls.Add(1)
	return s.h.backend.ready.Load(), nil
}

func (s *fakeSurface) Capture(ctx context.Context, opts CaptureOptions) ([]byte, error) {
	if s.h.backend.failCapture.Load() {
		return nil, errCapture
	}
	if s.h.closed.Load() {
		return nil, errors.New("capture on closed handle")
	}
	s.h.mu.Lock()
	s.h.selectors = append(s.h.selectors, opts.Selector)
	s.h.mu.Unlock()
	return []byte(s.h.id), nil
}

func (s *fakeSurface) Close() error {
	s.once.Do(func() {
		s.h.active.Add(-1)
		s.h.surfacesClosed.Add(1)
	})
	return nil
}
