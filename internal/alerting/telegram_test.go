package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
)

func newTelegramServer(t *testing.T, reply telegramReply, got *telegramMessage) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		require.NoError(t, json.NewEncoder(w).Encode(reply))
	}))
}

func newTelegramTransport(serverURL string) *TelegramTransport {
	transport := NewTelegramTransport(testHTTPClient(), config.TelegramConfig{
		BotToken: "test-token",
		ChatID:   "-100123",
		Enabled:  true,
	})
	transport.baseURL = serverURL
	return transport
}

func TestTelegramTransport_SingleAlertFormat(t *testing.T) {
	var got telegramMessage
	srv := newTelegramServer(t, telegramReply{OK: true}, &got)
	defer srv.Close()

	transport := newTelegramTransport(srv.URL)

	env := warningEnvelope(1)
	env.Severity = domain.SeverityCritical
	require.NoError(t, transport.Send(context.Background(), env))

	assert.Equal(t, "-100123", got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.Contains(t, got.Text, "*CRITICAL ALERT*")
	assert.Contains(t, got.Text, "*Asset:* WSTETH")
	assert.Contains(t, got.Text, "*Metric:* oracle\\_freshness\\_minutes (ethereum)")
	assert.Contains(t, got.Text, "*Value:* 45.5000")
	assert.Contains(t, got.Text, "*Threshold:* > 30")
	assert.NotContains(t, got.Text, "*Suppressed:*")
}

func TestTelegramTransport_SuppressedRepeatLine(t *testing.T) {
	var got telegramMessage
	srv := newTelegramServer(t, telegramReply{OK: true}, &got)
	defer srv.Close()

	env := warningEnvelope(1)
	env.SuppressedCount = 4
	require.NoError(t, newTelegramTransport(srv.URL).Send(context.Background(), env))

	assert.Contains(t, got.Text, "*Suppressed:* 4 repeats in window")
}

func TestTelegramTransport_DigestFormat(t *testing.T) {
	var got telegramMessage
	srv := newTelegramServer(t, telegramReply{OK: true}, &got)
	defer srv.Close()

	envs := make([]Envelope, 0, 12)
	for i := int64(1); i <= 12; i++ {
		envs = append(envs, warningEnvelope(i))
	}
	require.NoError(t, newTelegramTransport(srv.URL).SendBatch(context.Background(), envs))

	assert.Contains(t, got.Text, "*Risk Alert Digest* (12 alerts)")
	assert.Contains(t, got.Text, "12 Warning")
	assert.Contains(t, got.Text, "_...and 2 more alerts_")
	assert.Equal(t, 10, strings.Count(got.Text, "*WSTETH*"), "only ten alerts rendered in detail")
	assert.Contains(t, got.Text, "oracle\\_freshness\\_minutes")
}

func TestTelegramTransport_SingleElementBatchFallsBack(t *testing.T) {
	var got telegramMessage
	srv := newTelegramServer(t, telegramReply{OK: true}, &got)
	defer srv.Close()

	require.NoError(t, newTelegramTransport(srv.URL).SendBatch(context.Background(), []Envelope{warningEnvelope(1)}))
	assert.Contains(t, got.Text, "*WARNING ALERT*")
	assert.NotContains(t, got.Text, "Digest")
}

func TestTelegramTransport_APIRejectionTerminal(t *testing.T) {
	var got telegramMessage
	srv := newTelegramServer(t, telegramReply{OK: false, Description: "chat not found"}, &got)
	defer srv.Close()

	err := newTelegramTransport(srv.URL).Send(context.Background(), warningEnvelope(1))
	require.Error(t, err)

	var sendErr *domain.NotificationTransportError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "telegram", sendErr.Channel)
	assert.False(t, sendErr.Retriable)
	assert.ErrorContains(t, err, "chat not found")
}

func TestTelegramTransport_ServerErrorRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTelegramTransport(srv.URL).Send(context.Background(), warningEnvelope(1))
	require.Error(t, err)

	var sendErr *domain.NotificationTransportError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, sendErr.Retriable)
}

func TestTelegramTransport_MissingCredentialsTerminal(t *testing.T) {
	transport := NewTelegramTransport(testHTTPClient(), config.TelegramConfig{})
	err := transport.Send(context.Background(), warningEnvelope(1))
	require.Error(t, err)

	var sendErr *domain.NotificationTransportError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.Retriable)
}
