package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/alerting"
	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
)

var _ alerting.Transport = (*Hub)(nil)

func criticalEnvelope(id int64) alerting.Envelope {
	return alerting.Envelope{
		ID:          id,
		Severity:    domain.SeverityCritical,
		Asset:       "RWBTC",
		Metric:      "por_ratio",
		Value:       0.97,
		Threshold:   1.0,
		Operator:    domain.OpLT,
		TriggeredAt: time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC),
		Message:     "RWBTC por_ratio 0.97 breached < 1.00",
	}
}

// startStreamServer runs the full routed server so the upgrade passes
// through the middleware chain, ws scheme swapped in for the dialer.
func startStreamServer(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeoutSecs: 5, WriteTimeoutSecs: 5, IdleTimeoutSecs: 5}
	srv, err := New(cfg, Deps{
		Registry: &fakeRegistry{},
		Health:   &fakeHealth{},
		Hub:      hub,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/alerts"
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	conn := dialStream(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), criticalEnvelope(7)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var env alerting.Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	assert.Equal(t, int64(7), env.ID)
	assert.Equal(t, domain.SeverityCritical, env.Severity)
	assert.Equal(t, "por_ratio", env.Metric)
}

func TestHub_SendBatchDeliversEachEnvelope(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	conn := dialStream(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	batch := []alerting.Envelope{criticalEnvelope(1), criticalEnvelope(2)}
	require.NoError(t, hub.SendBatch(context.Background(), batch))

	seen := map[int64]bool{}
	for i := 0; i < len(batch); i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var env alerting.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		seen[env.ID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestHub_FansOutToAllClients(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	first := dialStream(t, url)
	second := dialStream(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Send(context.Background(), criticalEnvelope(42)))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var env alerting.Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		assert.Equal(t, int64(42), env.ID)
	}
}

func TestHub_DisconnectPrunesClient(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	conn := dialStream(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_SendWithoutClientsIsNoop(t *testing.T) {
	hub := NewHub(nil)
	assert.Equal(t, "ws", hub.Name())
	assert.NoError(t, hub.Send(context.Background(), criticalEnvelope(1)))
	assert.NoError(t, hub.SendBatch(context.Background(), nil))
}

func TestHub_DropsClientThatStopsDraining(t *testing.T) {
	hub := NewHub(nil)

	serverConns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	// No pumps run for this client, so its one-slot buffer never drains.
	c := &streamClient{conn: <-serverConns, send: make(chan []byte, 1)}
	c.send <- []byte("{}")
	hub.clients[c] = struct{}{}

	hub.broadcast(criticalEnvelope(9))
	assert.Zero(t, hub.ClientCount())
}

func TestHub_CloseDisconnectsAndRejects(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	dialStream(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Late joiners are turned away once the hub is closed.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		defer late.Close()
	}
	assert.Zero(t, hub.ClientCount())
	assert.NoError(t, hub.Send(context.Background(), criticalEnvelope(3)))
}

func TestHub_UpgradeRejectsForeignOrigin(t *testing.T) {
	hub := NewHub(nil)
	_, url := startStreamServer(t, hub)

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// The hub is handed to the notifier as its delivery channel, so its
// envelope payloads must round-trip the same struct the other
// transports format from.
func TestHub_EnvelopeRoundTrip(t *testing.T) {
	env := criticalEnvelope(11)
	env.SuppressedCount = 4
	env.Chain = "base"

	payload, err := json.Marshal(env)
	require.NoError(t, err)

	var got alerting.Envelope
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, env, got)
}
