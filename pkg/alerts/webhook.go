package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

// EventUsageLevel is the webhook event type for a budget level change.
const EventUsageLevel = "usage.level_reached"

// Webhook request headers.
const (
	HeaderEvent     = "X-TokenMeter-Event"
	HeaderDelivery  = "X-TokenMeter-Delivery"
	HeaderTimestamp = "X-TokenMeter-Timestamp"
	HeaderSignature = "X-TokenMeter-Signature"
)

// WebhookNotifier posts budget level changes to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a generic webhook notifier. If secret is
// non-empty, each request carries an HMAC-SHA256 of "<timestamp>.<body>".
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{url: url, secret: secret, client: newHTTPClient(), now: time.Now}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

// Send posts alert. The delivery id is stable for a given day and level, so
// receivers can drop repeats after a restart.
func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	sentAt := w.now().UTC()
	payload := webhookPayload{
		Event:      EventUsageLevel,
		DeliveryID: DeliveryID(alert),
		SentAt:     sentAt.Format(time.RFC3339),
		Alert:      alert,
	}
	ts := strconv.FormatInt(sentAt.Unix(), 10)

	return postJSON(ctx, w.client, "webhook", w.url, payload, func(h http.Header, body []byte) {
		h.Set(HeaderEvent, payload.Event)
		h.Set(HeaderDelivery, payload.DeliveryID)
		h.Set(HeaderTimestamp, ts)
		if w.secret != "" {
			h.Set(HeaderSignature, "sha256="+Sign(w.secret, ts, body))
		}
	})
}

// DeliveryID identifies an alert by its date and level.
func DeliveryID(alert Alert) string {
	return alert.Date + ":" + string(alert.Level)
}

// Sign returns the hex HMAC-SHA256 of timestamp, a dot, and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookPayload struct {
	Event      string `json:"event"`
	DeliveryID string `json:"delivery_id"`
	SentAt     string `json:"sent_at"`
	Alert      Alert  `json:"alert"`
}
