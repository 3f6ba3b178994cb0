package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/volute/volute/pkg/log"
)

// WebhookForwarder subscribes to the bus and POSTs each event to an
// external URL with bearer-token auth. Delivery is best-effort: failures
// are logged and the event is dropped.
type WebhookForwarder struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	sub     *Subscription
}

// NewWebhookForwarder attaches a forwarder to the bus. The limiter caps
// outbound POSTs at 10/s with a burst of 20 so an event storm cannot flood
// the receiver.
func NewWebhookForwarder(bus *Bus, url, token string) *WebhookForwarder {
	w := &WebhookForwarder{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
	w.sub = bus.Subscribe(w.forward)
	return w
}

// Close detaches the forwarder from the bus.
func (w *WebhookForwarder) Close() {
	w.sub.Unsubscribe()
}

func (w *WebhookForwarder) forward(event *Event) {
	if !w.limiter.Allow() {
		log.WithComponent("webhook").Warn().
			Str("type", string(event.Type)).
			Msg("webhook rate limit exceeded, dropping event")
		return
	}

	if err := w.post(event); err != nil {
		log.WithComponent("webhook").Warn().
			Err(err).
			Str("type", string(event.Type)).
			Str("mind", event.Mind).
			Msg("webhook delivery failed")
	}
}

func (w *WebhookForwarder) post(event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
