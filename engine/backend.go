package engine

import (
	"context"
)

// Backend launches rendering-engine instances. Implementations are expected
// to be expensive to launch (a browser process, a remote session) and cheap
// to ask for per-request surfaces once launched.
type Backend interface {
	// Name returns the backend identifier (e.g. "chromium").
	Name() string

	// Launch starts a new engine instance. The returned Handle owns all of the
	// instance's external resources until Close is called.
	Launch(ctx context.Context) (Handle, error)
}

// Handle is one live connection to a launched engine instance.
type Handle interface {
	// ID identifies the instance in logs and stats.
	ID() string

	// NewSurface opens a short-lived render surface (a page/tab) on the instance.
	NewSurface(ctx context.Context, opts SurfaceOptions) (Surface, error)

	// Close releases the instance and everything it owns.
	Close() error
}

// Surface is a per-request unit of work against a Handle. It is never shared
// between operations and must be closed by the operation that opened it.
type Surface interface {
	// SetContent submits markup to the surface.
	SetContent(ctx context.Context, markup string) error

	// Ready evaluates a readiness expression inside the rendered content.
	Ready(ctx context.Context, expr string) (bool, error)

	// Capture encodes the rendered output as PNG bytes.
	Capture(ctx context.Context, opts CaptureOptions) ([]byte, error)

	// Close tears the surface down. It must not depend on the request context,
	// which may already be expired when cleanup runs.
	Close() error
}

// SurfaceOptions sizes the surface viewport in CSS pixels.
type SurfaceOptions struct {
	Width  int
	Height int
}

// CaptureOptions narrows what is captured.
type CaptureOptions struct {
	// Selector clips the capture to the first matching element. Empty means
	// the whole document.
	Selector string
}
