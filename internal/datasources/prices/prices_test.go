package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
)

func newTestHTTP() *httpx.Client {
	return httpx.New(config.HTTPClientConfig{
		RPS:         500,
		Burst:       100,
		TimeoutSecs: 5,
		Breaker:     config.BreakerConfig{MaxFailures: 50, ResetTimeoutSecs: 60},
	}, nil)
}

func TestClient_History(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/coins/wrapped-bitcoin/market_chart")
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currency"))
		assert.Equal(t, "365", r.URL.Query().Get("days"))
		// Out of order on purpose; the client must sort oldest first.
		w.Write([]byte(`{"prices": [[1755561600000, 101250.5], [1755475200000, 100800.0], [1755648000000, 99100.25]]}`))
	}))
	defer server.Close()

	client := New(newTestHTTP(), server.URL, "")
	points, err := client.History(context.Background(), "wrapped-bitcoin", 365)
	require.NoError(t, err)
	require.Len(t, points, 3)

	assert.Equal(t, 100800.0, points[0].Price)
	assert.Equal(t, 101250.5, points[1].Price)
	assert.Equal(t, 99100.25, points[2].Price)
	assert.True(t, points[0].Time.Before(points[1].Time))
	assert.Equal(t, time.UTC, points[0].Time.Location())
}

func TestClient_HistoryEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"prices": []}`))
	}))
	defer server.Close()

	client := New(newTestHTTP(), server.URL, "")
	_, err := client.History(context.Background(), "unknown-coin", 365)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no price history")
}

func TestClient_Spot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wrapped-bitcoin,bitcoin", r.URL.Query().Get("ids"))
		w.Write([]byte(`{"wrapped-bitcoin": {"usd": 100712.0}, "bitcoin": {"usd": 100750.0}}`))
	}))
	defer server.Close()

	client := New(newTestHTTP(), server.URL, "")
	got, err := client.Spot(context.Background(), "wrapped-bitcoin", "bitcoin")
	require.NoError(t, err)
	assert.Equal(t, 100712.0, got["wrapped-bitcoin"])
	assert.Equal(t, 100750.0, got["bitcoin"])
}

func TestClient_SpotSendsAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "demo-key", r.Header.Get("x-cg-demo-api-key"))
		w.Write([]byte(`{"tether": {"usd": 0.9998}}`))
	}))
	defer server.Close()

	client := New(newTestHTTP(), server.URL, "demo-key")
	got, err := client.Spot(context.Background(), "tether")
	require.NoError(t, err)
	assert.Equal(t, 0.9998, got["tether"])
}
