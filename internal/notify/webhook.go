package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookConfig describes a chat webhook that accepts {"content": "..."}.
type WebhookConfig struct {
	URL      string
	Timeout  time.Duration
	Attempts int           // total tries, default 3
	Backoff  time.Duration // first retry delay, doubled on each retry
	Location *time.Location
}

// Webhook posts digests to a chat webhook.
type Webhook struct {
	cfg  WebhookConfig
	http *http.Client
}

// NewWebhook creates a Webhook destination.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Webhook{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Name returns the webhook host, never the full URL: those embed tokens.
func (w *Webhook) Name() string {
	u, err := url.Parse(w.cfg.URL)
	if err != nil || u.Host == "" {
		return "webhook"
	}
	return "webhook:" + u.Host
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Send posts the rendered message, retrying transport failures and 5xx/429
// answers with exponential backoff. Every attempt carries the same
// Idempotency-Key header.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]string{"content": msg.Render(w.cfg.Location)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	key := uuid.NewString()
	var lastErr error
	for attempt := range w.cfg.Attempts {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * w.cfg.Backoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = w.post(ctx, key, payload)
		if lastErr == nil {
			return nil
		}
		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
	}
	return fmt.Errorf("webhook gave up after %d attempts: %w", w.cfg.Attempts, lastErr)
}

func (w *Webhook) post(ctx context.Context, key string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return permanentError{fmt.Errorf("create webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := w.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return permanentError{ctx.Err()}
		}
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return statusErr
	}
	return permanentError{statusErr}
}
