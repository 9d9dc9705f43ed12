package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshgov/warden/internal/models"
)

// WebhookChannel posts alert notifications as JSON to an HTTP endpoint. The
// job address is the destination URL.
type WebhookChannel struct {
	client  *http.Client
	headers map[string]string

	capacity int
	refill   float64
}

// WebhookOption customizes a webhook channel.
type WebhookOption func(*WebhookChannel)

// WithWebhookHeaders adds static headers to every request.
func WithWebhookHeaders(headers map[string]string) WebhookOption {
	return func(w *WebhookChannel) {
		for k, v := range headers {
			w.headers[k] = v
		}
	}
}

// WithWebhookRateLimit overrides the default token bucket.
func WithWebhookRateLimit(capacity int, refillPerSecond float64) WebhookOption {
	return func(w *WebhookChannel) {
		w.capacity = capacity
		w.refill = refillPerSecond
	}
}

// WithWebhookClient swaps the HTTP client, mainly for tests.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(w *WebhookChannel) {
		w.client = client
	}
}

// NewWebhookChannel builds a webhook adapter with a 30s request timeout.
func NewWebhookChannel(opts ...WebhookOption) *WebhookChannel {
	w := &WebhookChannel{
		client:   &http.Client{Timeout: 30 * time.Second},
		headers:  make(map[string]string),
		capacity: 10,
		refill:   5,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookChannel) Kind() models.ChannelKind { return models.ChannelWebhook }

func (w *WebhookChannel) RateLimit() (int, float64) { return w.capacity, w.refill }

// Send posts the rendered message. 2xx is delivered; 408, 429, and 5xx are
// transient; other 4xx are permanent; connection errors are transient.
func (w *WebhookChannel) Send(ctx context.Context, message, address string) Outcome {
	payload, err := json.Marshal(map[string]string{
		"text":   message,
		"source": "warden",
	})
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Kind: Permanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Warden-Notifier/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Outcome{Kind: Transient, Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Debug().
			Str("url", address).
			Int("status", resp.StatusCode).
			Int("payloadSize", len(payload)).
			Msg("Webhook notification sent")
		return Outcome{Kind: Delivered}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Outcome{Kind: Transient, Err: fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	default:
		return Outcome{Kind: Permanent, Err: fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
