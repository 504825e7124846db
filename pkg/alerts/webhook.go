package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Budgetgate-Event"
	HeaderDelivery  = "X-Budgetgate-Delivery"
	HeaderSignature = "X-Signature-256"
)

const webhookEvent = "provider_budget_alert"

// WebhookNotifier posts provider budget alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookNotifier creates a generic webhook notifier.
// If secret is non-empty, request bodies are signed with HMAC-SHA256.
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	delivery := uuid.NewString()
	body, err := json.Marshal(newWebhookPayload(delivery, alert))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "budgetgate/1.0")
	req.Header.Set(HeaderEvent, webhookEvent)
	req.Header.Set(HeaderDelivery, delivery)
	if len(w.secret) > 0 {
		req.Header.Set(HeaderSignature, "sha256="+sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert %s: %w", delivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d for delivery %s", resp.StatusCode, delivery)
	}
	return nil
}

type webhookPayload struct {
	Event        string  `json:"event"`
	DeliveryID   string  `json:"delivery_id"`
	Timestamp    string  `json:"timestamp"`
	UsagePct     float64 `json:"usage_pct"`
	RemainingUSD float64 `json:"remaining_usd"`
	ResetsBy     string  `json:"resets_by,omitempty"`
	Alert        Alert   `json:"alert"`
}

func newWebhookPayload(delivery string, alert Alert) webhookPayload {
	at := alert.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	p := webhookPayload{
		Event:        webhookEvent,
		DeliveryID:   delivery,
		Timestamp:    at.UTC().Format(time.RFC3339),
		UsagePct:     alert.UsagePct(),
		RemainingUSD: alert.RemainingUSD(),
		Alert:        alert,
	}
	if resets := alert.ResetsBy(); !resets.IsZero() {
		p.ResetsBy = resets.UTC().Format(time.RFC3339)
	}
	return p
}

func sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
