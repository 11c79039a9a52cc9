package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/use-agent/cardrender/engine"
)

// surface is one tab. It is used by a single render and closed by it.
type surface struct {
	handle *handle
	page   *rod.Page
	router *rod.HijackRouter

	closeOnce sync.Once
	closeErr  error
}

// SetContent replaces the document and waits for its load event.
func (s *surface) SetContent(ctx context.Context, markup string) error {
	p := s.page.Context(ctx)
	if err := p.SetDocumentContent(markup); err != nil {
		return fmt.Errorf("browser: set document content: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait for load: %w", err)
	}
	return nil
}

// Ready evaluates expr and coerces the result to a boolean.
func (s *surface) Ready(ctx context.Context, expr string) (bool, error) {
	res, err := s.page.Context(ctx).Eval(readinessJS(expr))
	if err != nil {
		return false, fmt.Errorf("browser: evaluate readiness: %w", err)
	}
	return res.Value.Bool(), nil
}

// readinessJS wraps a readiness expression so a throwing expression reads
// as "not ready" instead of an evaluation error.
func readinessJS(expr string) string {
	return "() => { try { return Boolean(" + expr + "); } catch (e) { return false; } }"
}

// Capture screenshots the viewport, or the first element matching
// opts.Selector.
func (s *surface) Capture(ctx context.Context, opts engine.CaptureOptions) ([]byte, error) {
	p := s.page.Context(ctx)
	selector := opts.Selector

	if selector == "" {
		img, err := p.Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return nil, fmt.Errorf("browser: screenshot: %w", err)
		}
		return img, nil
	}

	found, el, err := p.Has(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	if !found {
		return nil, fmt.Errorf("browser: selector %q matched no element", selector)
	}
	img, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("browser: element screenshot: %w", err)
	}
	return img, nil
}

// Close stops request interception and closes the tab. It never uses the
// request context, which may already be done.
func (s *surface) Close() error {
	s.closeOnce.Do(func() {
		if s.router != nil {
			if err := s.router.Stop(); err != nil {
				slog.Debug("browser: hijack router stop failed", "handle", s.handle.id, "error", err)
			}
		}
		if err := s.page.Close(); err != nil {
			s.closeErr = fmt.Errorf("browser: close page: %w", err)
		}
	})
	return s.closeErr
}
