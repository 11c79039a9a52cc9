package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/use-agent/cardrender/engine"
)

// Event types.
const (
	EventRecycled      = "backend.recycled"
	EventRecycleFailed = "backend.recycle_failed"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Cardrender-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// RecycleData is the Data of backend recycle events.
type RecycleData struct {
	Reason    string `json:"reason"`
	OldHandle string `json:"old_handle"`
	NewHandle string `json:"new_handle,omitempty"`
	Epoch     uint64 `json:"epoch"`
	Error     string `json:"error,omitempty"`
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func Deliver(ctx context.Context, client *http.Client, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Cardrender-Webhook/1.0")

	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notifier delivers pool recycle events to one endpoint.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	delays []time.Duration
	wg     sync.WaitGroup

	// ctx parents every delivery; Close cancels it to abandon retries.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier returns a Notifier posting to url. Each event is attempted
// immediately and then retried after 1s, 5s and 30s.
func NewNotifier(url, secret string) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second},
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnRecycle converts a pool recycle event and delivers it asynchronously.
// It never blocks; pass it to engine.WithRecycleHook.
func (n *Notifier) OnRecycle(ev engine.RecycleEvent) {
	typ := EventRecycled
	data := RecycleData{
		Reason:    ev.Reason,
		OldHandle: ev.OldHandle,
		NewHandle: ev.NewHandle,
		Epoch:     ev.Epoch,
	}
	if ev.Err != nil {
		typ = EventRecycleFailed
		data.Error = ev.Err.Error()
	}
	n.DeliverAsync(&Event{
		Type:      typ,
		ID:        uuid.NewString(),
		Timestamp: ev.At.Unix(),
		Data:      data,
	})
}

// DeliverAsync sends event in the background, retrying on failure.
func (n *Notifier) DeliverAsync(event *Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for attempt, delay := range n.delays {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-n.ctx.Done():
					t.Stop()
					slog.Warn("webhook delivery abandoned",
						"url", n.url,
						"event", event.Type,
						"id", event.ID,
						"attempts", attempt,
					)
					return
				}
			}
			ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
			err := Deliver(ctx, n.client, n.url, n.secret, event)
			cancel()
			if err == nil {
				slog.Info("webhook delivered",
					"url", n.url,
					"event", event.Type,
					"id", event.ID,
					"attempt", attempt+1,
				)
				return
			}
			slog.Warn("webhook delivery failed",
				"url", n.url,
				"event", event.Type,
				"id", event.ID,
				"attempt", attempt+1,
				"error", err,
			)
		}
		slog.Error("webhook delivery exhausted all retries",
			"url", n.url,
			"event", event.Type,
			"id", event.ID,
		)
	}()
}

// Wait blocks until every pending delivery has finished or given up.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close lets pending deliveries run until ctx is done, then abandons the
// rest: retry backoffs are cut short and in-flight requests are cancelled.
// It returns ctx.Err() when deliveries had to be abandoned.
func (n *Notifier) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
