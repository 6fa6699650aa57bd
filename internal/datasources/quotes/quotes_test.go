package quotes

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

func newTestHTTP() *httpx.Client {
	return httpx.New(config.HTTPClientConfig{
		RPS:         500,
		Burst:       100,
		TimeoutSecs: 5,
		Breaker:     config.BreakerConfig{MaxFailures: 50, ResetTimeoutSecs: 60},
	}, nil)
}

func testRequest() Request {
	return Request{
		Chain:      domain.ChainEthereum,
		SellToken:  "0xcbb7c0000ab88b473b1f5afd9ef808440eed33bf",
		BuyToken:   usdcAddresses[domain.ChainEthereum],
		SellAmount: big.NewInt(100000000), // 1 token at 8 decimals
	}
}

func TestClient_CollectGathersAvailableVenues(t *testing.T) {
	cow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mainnet/api/v1/quote", r.URL.Path)
		w.Write([]byte(`{"quote": {"buyAmount": "99950000"}}`))
	}))
	defer cow.Close()

	oneInch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer inch-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"dstAmount": "100010000"}`))
	}))
	defer oneInch.Close()

	kyber := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ethereum/api/v1/routes", r.URL.Path)
		w.Write([]byte(`{"data": {"routeSummary": {"amountOut": "99800000"}}}`))
	}))
	defer kyber.Close()

	odos := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer odos.Close()

	client := New(newTestHTTP(), "inch-key", "")
	client.cowBase = cow.URL
	client.oneInchBase = oneInch.URL
	client.kyberBase = kyber.URL
	client.odosBase = odos.URL

	got := client.Collect(context.Background(), testRequest())

	// 0x has no key and odos failed; the other three answer.
	require.Len(t, got, 3)
	assert.Equal(t, "1inch", got[0].Aggregator)
	assert.Equal(t, "100010000", got[0].BuyAmount.String())
	assert.Equal(t, "CowSwap", got[1].Aggregator)
	assert.Equal(t, "KyberSwap", got[2].Aggregator)
}

func TestClient_ZeroExHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "zeroex-key", r.Header.Get("0x-api-key"))
		assert.Equal(t, "v2", r.Header.Get("0x-version"))
		assert.Equal(t, "1", r.URL.Query().Get("chainId"))
		w.Write([]byte(`{"buyAmount": "123456"}`))
	}))
	defer server.Close()

	client := New(newTestHTTP(), "", "zeroex-key")
	client.zeroExBase = server.URL

	amount, err := client.zeroEx(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "123456", amount.String())
}

func TestClient_SkipsUnsupportedChains(t *testing.T) {
	client := New(newTestHTTP(), "", "")

	req := testRequest()
	req.Chain = domain.ChainPolygon

	_, err := client.cowswap(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not serve")
}

func TestUSDCAddress(t *testing.T) {
	addr, ok := USDCAddress(domain.ChainBase)
	require.True(t, ok)
	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", addr)

	_, ok = USDCAddress(domain.ChainSolana)
	assert.False(t, ok)
}
