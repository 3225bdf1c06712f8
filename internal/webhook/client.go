// Package webhook delivers signed job notifications to client endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgent = "facecraft-webhook/1"

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	c.MaxBackoff = max(c.MaxBackoff, c.InitialBackoff)
	return c
}

// Client posts JSON events with an HMAC signature, retrying transport
// errors, 408, 429 and 5xx responses with exponential backoff.
type Client struct {
	http *http.Client
	cfg  Config
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{http: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

// deliveryError is the outcome of one attempt.
type deliveryError struct {
	status     int
	retryAfter time.Duration
	err        error
	permanent  bool
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("endpoint returned status=%d", e.status)
}

func (e *deliveryError) Unwrap() error { return e.err }

func (e *deliveryError) retryable() bool {
	if e.permanent {
		return false
	}
	if e.err != nil {
		return true
	}
	return e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests || e.status >= 500
}

// Send is a no-op for an empty endpoint. Every attempt of one call carries
// the same delivery id, timestamp and signature so receivers can dedupe.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", userAgent)
	headers.Set(HeaderEvent, event)
	headers.Set(HeaderDelivery, uuid.NewString())
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, Sign(c.cfg.SigningSecret, timestamp, body))

	wait := c.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		derr := c.attempt(ctx, endpoint, headers, body)
		if derr == nil {
			return nil
		}
		if !derr.retryable() {
			return fmt.Errorf("webhook rejected: %w", derr)
		}
		if attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("webhook delivery failed after %d attempts: %w", attempt, derr)
		}

		delay := wait
		if derr.retryAfter > 0 {
			delay = min(derr.retryAfter, c.cfg.MaxBackoff)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) attempt(ctx context.Context, endpoint string, headers http.Header, body []byte) *deliveryError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &deliveryError{err: fmt.Errorf("build webhook request: %w", err), permanent: true}
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return &deliveryError{err: fmt.Errorf("post webhook: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &deliveryError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
