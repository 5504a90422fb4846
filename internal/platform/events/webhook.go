package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Delivery headers.
const (
	HeaderSignature = "X-Consent-Signature"
	HeaderEventID   = "X-Consent-Event-ID"
	HeaderTopic     = "X-Consent-Topic"
	HeaderTimestamp = "X-Consent-Timestamp"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature ("sha256=<hex>") matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookPublisher POSTs signed envelopes to one endpoint.
type WebhookPublisher struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

// WebhookOption configures a WebhookPublisher.
type WebhookOption func(*WebhookPublisher)

// WithHTTPClient overrides the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(p *WebhookPublisher) { p.httpClient = c }
}

func NewWebhookPublisher(endpoint, secret string, opts ...WebhookOption) (*WebhookPublisher, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", endpoint)
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	p := &WebhookPublisher{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *WebhookPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	env, err := NewEnvelope(topic, payload, p.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+SignPayload(body, p.secret))
	req.Header.Set(HeaderEventID, env.ID)
	req.Header.Set(HeaderTopic, topic)
	req.Header.Set(HeaderTimestamp, env.OccurredAt.Format(time.RFC3339))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook deliver %s: %w", topic, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook deliver %s: non-2xx response %d", topic, resp.StatusCode)
	}
	return nil
}
