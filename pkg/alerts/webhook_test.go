package alerts_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tokenmeter/tokenmeter/pkg/alerts"
	"github.com/tokenmeter/tokenmeter/pkg/model"
)

func TestWebhookNotifier_Name(t *testing.T) {
	n := alerts.NewWebhookNotifier("https://example.com/webhook", "")
	assert.Equal(t, "webhook", n.Name())
}

func TestWebhookNotifier_Send(t *testing.T) {
	var received map[string]any
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, http.MethodPost, r.Method)

		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "")
	err := n.Send(context.Background(), alerts.NewAlert(model.LevelCritical, "2026-10-14", 14.5, 15))
	require.NoError(t, err)

	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "TokenMeter/1.0", headers.Get("User-Agent"))
	assert.Equal(t, alerts.EventUsageLevel, headers.Get(alerts.HeaderEvent))
	assert.Equal(t, "2026-10-14:critical", headers.Get(alerts.HeaderDelivery))
	assert.NotEmpty(t, headers.Get(alerts.HeaderTimestamp))
	assert.Empty(t, headers.Get(alerts.HeaderSignature))

	assert.Equal(t, "usage.level_reached", received["event"])
	assert.Equal(t, "2026-10-14:critical", received["delivery_id"])
	assert.NotEmpty(t, received["sent_at"])

	alert := received["alert"].(map[string]any)
	assert.Equal(t, "critical", alert["level"])
	assert.Equal(t, "2026-10-14", alert["date"])
	assert.InDelta(t, 96.67, alert["percent"], 0.01)
}

func TestWebhookNotifier_DeliveryIDStablePerDayAndLevel(t *testing.T) {
	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get(alerts.HeaderDelivery))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "")
	ctx := context.Background()
	require.NoError(t, n.Send(ctx, alerts.NewAlert(model.LevelHigh, "2026-10-14", 12, 15)))
	require.NoError(t, n.Send(ctx, alerts.NewAlert(model.LevelHigh, "2026-10-14", 13, 15)))
	require.NoError(t, n.Send(ctx, alerts.NewAlert(model.LevelCritical, "2026-10-14", 14, 15)))
	require.NoError(t, n.Send(ctx, alerts.NewAlert(model.LevelHigh, "2026-10-15", 12, 15)))

	assert.Equal(t, []string{"2026-10-14:high", "2026-10-14:high", "2026-10-14:critical", "2026-10-15:high"}, ids)
}

func TestWebhookNotifier_Send_WithHMAC(t *testing.T) {
	var signature, timestamp string
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get(alerts.HeaderSignature)
		timestamp = r.Header.Get(alerts.HeaderTimestamp)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "test-secret")
	err := n.Send(context.Background(), alerts.Alert{Level: model.LevelHigh, Date: "2026-10-14"})
	require.NoError(t, err)

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), signature)
	assert.Equal(t, alerts.Sign("test-secret", timestamp, body), signature[len("sha256="):])

	// A replayed body under another timestamp no longer verifies.
	assert.NotEqual(t, alerts.Sign("test-secret", "0", body), signature[len("sha256="):])
}

func TestWebhookNotifier_Send_NoHMAC(t *testing.T) {
	var hasSignature bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hasSignature = r.Header.Get(alerts.HeaderSignature) != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "")
	err := n.Send(context.Background(), alerts.Alert{Level: model.LevelHigh})
	require.NoError(t, err)
	assert.False(t, hasSignature)
}

func TestWebhookNotifier_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := alerts.NewWebhookNotifier(server.URL, "")
	err := n.Send(context.Background(), alerts.Alert{Level: model.LevelHigh})
	assert.Error(t, err)
}

func TestNewAlert_ZeroBudget(t *testing.T) {
	a := alerts.NewAlert(model.LevelLow, "2026-10-14", 3, 0)
	assert.Zero(t, a.Percent)
	assert.Contains(t, a.Message, "$3.00")
}

func TestDesktopNotifier_Send(t *testing.T) {
	var title, message string
	n := alerts.NewDesktopNotifierFunc(func(ti, msg string) error {
		title, message = ti, msg
		return nil
	})
	assert.Equal(t, "desktop", n.Name())

	require.NoError(t, n.Send(context.Background(), alerts.NewAlert(model.LevelHigh, "2026-10-14", 12, 15)))
	assert.Equal(t, "TokenMeter: usage high", title)
	assert.Equal(t, "Spent $12.00 of $15.00 today (80%)", message)
}

func TestDesktopNotifier_Errors(t *testing.T) {
	n := alerts.NewDesktopNotifierFunc(func(string, string) error { return errors.New("no dbus") })
	err := n.Send(context.Background(), alerts.Alert{Level: model.LevelCritical})
	assert.ErrorContains(t, err, "no dbus")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	n = alerts.NewDesktopNotifierFunc(func(string, string) error { called = true; return nil })
	assert.ErrorIs(t, n.Send(ctx, alerts.Alert{}), context.Canceled)
	assert.False(t, called)
}
