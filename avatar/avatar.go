// Package avatar downloads and decodes the profile images printed on cards.
package avatar

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/use-agent/cardrender/config"
	"github.com/use-agent/cardrender/models"
	_ "golang.org/x/image/webp"
)

// Image is a downloaded or decoded avatar.
type Image struct {
	Data        []byte
	ContentType string
}

// DataURI encodes the image for inline use in markup.
func (i *Image) DataURI() string {
	return "data:" + i.ContentType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Decode parses the image (PNG, JPEG, GIF or WebP).
func (i *Image) Decode() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(i.Data))
	if err != nil {
		return nil, fmt.Errorf("avatar: decode %s: %w", i.ContentType, err)
	}
	return img, nil
}

// FromBase64 accepts either bare base64 or a data: URI and returns the
// image it carries.
func FromBase64(s string) (*Image, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		_, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, models.NewRenderError(models.ErrCodeInvalidInput, "avatar_base64 data URI has no payload", nil)
		}
		s = payload
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, models.NewRenderError(models.ErrCodeInvalidInput, "avatar_base64 is not valid base64", err)
	}
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return nil, models.NewRenderError(models.ErrCodeInvalidInput,
			fmt.Sprintf("avatar_base64 is %s, not an image", ct), nil)
	}
	return &Image{Data: data, ContentType: ct}, nil
}

// clientError marks failures caused by the requested resource rather than
// the remote host's health. They do not trip the breaker.
type clientError struct{ err error }

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

// Fetcher downloads avatars through a Chrome-fingerprinted client guarded
// by a circuit breaker. It is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	maxBytes int64
	timeout  time.Duration
}

// NewFetcher builds a Fetcher from cfg. proxy is optional.
func NewFetcher(cfg config.AvatarConfig, proxy string) *Fetcher {
	return newFetcher(cfg, &http.Client{Transport: newTransport(proxy)})
}

func newFetcher(cfg config.AvatarConfig, client *http.Client) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "avatar-cdn",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("avatar: circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Fetcher{
		client:   client,
		breaker:  breaker,
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.Timeout,
	}
}

// State reports the breaker state ("closed", "half-open", "open").
func (f *Fetcher) State() string {
	return f.breaker.State().String()
}

// Fetch downloads the image at rawURL. Failures are AVATAR_FETCH_FAILED.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	res, err := f.breaker.Execute(func() (interface{}, error) {
		return f.get(ctx, rawURL)
	})
	if err != nil {
		msg := "failed to fetch avatar"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			msg = "avatar host is unavailable (circuit breaker open)"
		}
		return nil, models.NewRenderError(models.ErrCodeAvatarFetch, msg, err)
	}
	return res.(*Image), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &clientError{fmt.Errorf("avatar: build request: %w", err)}
	}
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("avatar: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("avatar: HTTP %d for %s", resp.StatusCode, rawURL)
	case resp.StatusCode >= 400:
		return nil, &clientError{fmt.Errorf("avatar: HTTP %d for %s", resp.StatusCode, rawURL)}
	}

	// Read one byte past the cap to detect oversize bodies.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("avatar: read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &clientError{fmt.Errorf("avatar: body exceeds %d bytes", f.maxBytes)}
	}

	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return nil, &clientError{fmt.Errorf("avatar: %s is %s, not an image", rawURL, ct)}
	}
	return &Image{Data: data, ContentType: ct}, nil
}
