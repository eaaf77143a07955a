package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxResponseBody limits how much of an endpoint's reply is kept when
// reporting a failed delivery (1KB).
const maxResponseBody = 1024

// ComputeSignature returns the HMAC-SHA256 of payload keyed by secret, hex
// encoded and prefixed with the scheme so receivers can dispatch on it.
func ComputeSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
// The comparison is constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := ComputeSignature(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// GenerateSecret returns a new random webhook signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return "whsec_" + base64.URLEncoding.EncodeToString(buf), nil
}

// WebhookConfig configures a WebhookChannel.
type WebhookConfig struct {
	URL    string
	Secret string

	// MaxAttempts is the total number of delivery tries. Default 3.
	MaxAttempts int

	// Timeout bounds a single HTTP attempt. Default 10s.
	Timeout time.Duration

	// RetryBackoff is the initial wait between attempts; later waits grow
	// exponentially. Default 1s.
	RetryBackoff time.Duration
}

// WebhookChannel POSTs notifications as signed JSON to a configured endpoint.
// Receivers authenticate the body against the X-Rollout-Signature header
// using VerifySignature and their shared secret.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
	log    zerolog.Logger
}

func NewWebhookChannel(cfg WebhookConfig, log zerolog.Logger) *WebhookChannel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &WebhookChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (c *WebhookChannel) Kind() Kind { return KindWebhook }

// Send delivers n, retrying transient failures with exponential backoff.
// A non-2xx status counts as a failed attempt. The caller's context bounds
// the whole delivery including waits between attempts.
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	signature := ComputeSignature(payload, c.cfg.Secret)
	deliveryID := uuid.NewString()

	attempt := func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Rollout-Signature", signature)
		req.Header.Set("X-Rollout-Delivery", deliveryID)
		req.Header.Set("X-Rollout-Severity", string(n.Severity))

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp.StatusCode, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return resp.StatusCode, fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.RetryBackoff

	status, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn().
				Err(err).
				Str("delivery_id", deliveryID).
				Str("url", c.cfg.URL).
				Dur("retry_in", wait).
				Msg("webhook delivery failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver webhook %s: %w", deliveryID, err)
	}

	c.log.Debug().
		Str("delivery_id", deliveryID).
		Str("notification_id", n.ID).
		Int("status", status).
		Msg("webhook delivered")
	return nil
}
