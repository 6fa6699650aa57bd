package fetch

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/datasources/pools"
	"github.com/vaultline/riskwatch/internal/datasources/quotes"
	"github.com/vaultline/riskwatch/internal/domain"
)

const univ3EthereumSubgraph = "5zvR82QoaXYFyDEKLZ9t6v9adgnptxYpKpSbxtgVENFV"

func newLiquidityUnderTest(graph *fakeGraph, curve *fakeCurve, holders *fakeHolders, q *fakeQuotes, p *fakePrices) *LiquidityFetcher {
	f := NewLiquidityFetcher(graph, curve, holders, q, p)
	f.now = fixedNow
	return f
}

func TestLiquidityFetcher_UniswapPoolTVL(t *testing.T) {
	graph := &fakeGraph{stats: map[string]*pools.PoolStats{
		readKey(univ3EthereumSubgraph, "0xpool000000000000000000000000000000000001"): {
			Pair: "CBBTC/USDC", FeeTierPct: 0.05, TVLUSD: 4.2e6,
		},
	}}
	f := newLiquidityUnderTest(graph, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: 0, Label: "cbbtc_usdc_univ3",
	})
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, catalog.PoolTVLUSD, s.MetricName)
	assert.Equal(t, 4.2e6, s.Value)
	assert.Equal(t, "ethereum", s.Chain)
	assert.Equal(t, "cbbtc_usdc_univ3", s.Metadata["pool_name"])
	assert.Equal(t, "uniswap_v3", s.Metadata["protocol"])
	assert.Equal(t, "CBBTC/USDC", s.Metadata["pair"])
}

func TestLiquidityFetcher_UniswapLPConcentration(t *testing.T) {
	graph := &fakeGraph{positions: map[string][]pools.LPPosition{
		readKey(univ3EthereumSubgraph, "0xpool000000000000000000000000000000000001"): {
			{Owner: "0xmarketmaker", Liquidity: 400},
			{Owner: "0xmarketmaker", Liquidity: 200},
			{Owner: "0xdao", Liquidity: 300},
			{Owner: "0xsolo", Liquidity: 100},
		},
	}}
	f := newLiquidityUnderTest(graph, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassMedium, Chain: domain.ChainEthereum, Index: 0, Label: "cbbtc_usdc_univ3",
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	byName := map[string]float64{}
	for _, s := range samples {
		byName[s.MetricName] = s.Value
		assert.Equal(t, "cbbtc_usdc_univ3", s.Metadata["pool_name"])
		assert.Equal(t, 4, s.Metadata["positions_analyzed"])
	}

	// Positions merge per owner before shares are squared.
	assert.InDelta(t, 4600.0, byName[catalog.HHI], 1e-9)
	assert.InDelta(t, 100.0, byName[catalog.Top10LPConcentration], 1e-9)
}

func TestLiquidityFetcher_EmptyPositionsEmitNothing(t *testing.T) {
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassMedium, Chain: domain.ChainEthereum, Index: 0, Label: "cbbtc_usdc_univ3",
	})
	assert.NoError(t, err)
	assert.Nil(t, samples)
}

func TestLiquidityFetcher_ForkNeedsSubgraphOverride(t *testing.T) {
	cfg := fullConfig()
	cfg.DexPools = []domain.DexPool{{
		Protocol: domain.PoolPancakeswapV3, Chain: domain.ChainBase,
		PoolAddress: "0xcake00000000000000000000000000000000001", PoolName: "cbbtc_weth_cake",
	}}
	scope := Scope{Class: catalog.ClassHigh, Chain: domain.ChainBase, Index: 0, Label: "cbbtc_weth_cake"}

	t.Run("without_override_terminal", func(t *testing.T) {
		f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})
		_, err := f.Fetch(context.Background(), testAsset(cfg), scope)
		require.Error(t, err)
		assert.False(t, domain.IsRetriable(err))
	})

	t.Run("with_override", func(t *testing.T) {
		cfg := fullConfig()
		cfg.DexPools = []domain.DexPool{{
			Protocol: domain.PoolPancakeswapV3, Chain: domain.ChainBase,
			PoolAddress: "0xcake00000000000000000000000000000000001", PoolName: "cbbtc_weth_cake",
			Extra: map[string]interface{}{"subgraph_id": "CakeSubgraphDeployment111111111111111111111"},
		}}
		graph := &fakeGraph{stats: map[string]*pools.PoolStats{
			readKey("CakeSubgraphDeployment111111111111111111111", "0xcake00000000000000000000000000000000001"): {
				Pair: "CBBTC/WETH", TVLUSD: 1.1e6,
			},
		}}
		f := newLiquidityUnderTest(graph, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

		samples, err := f.Fetch(context.Background(), testAsset(cfg), scope)
		require.NoError(t, err)
		require.Len(t, samples, 1)
		assert.Equal(t, 1.1e6, samples[0].Value)
	})
}

func TestLiquidityFetcher_CurvePoolTVL(t *testing.T) {
	curve := &fakeCurve{pool: &pools.CurvePool{Name: "cbbtc/wbtc", TVLUSD: 8.5e6, LPToken: "0x1ptoken0000000000000000000000000000000001"}}
	f := newLiquidityUnderTest(&fakeGraph{}, curve, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: 1, Label: "curve_ethereum",
	})
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, 8.5e6, s.Value)
	assert.Equal(t, "curve", s.Metadata["protocol"])
	assert.Equal(t, "cbbtc/wbtc", s.Metadata["registry_name"])
}

func TestLiquidityFetcher_CurveLPConcentrationFromHolders(t *testing.T) {
	lpToken := "0x1ptoken0000000000000000000000000000000001"
	curve := &fakeCurve{pool: &pools.CurvePool{Name: "cbbtc/wbtc", TVLUSD: 8.5e6, LPToken: lpToken}}
	holders := &fakeHolders{pages: map[string][]explorer.Holder{
		readKey("ethereum", lpToken): {
			{Address: "0xconvex", Balance: 700},
			{Address: "0xyearn", Balance: 200},
			{Address: "0xsolo", Balance: 100},
		},
	}}
	f := newLiquidityUnderTest(&fakeGraph{}, curve, holders, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassMedium, Chain: domain.ChainEthereum, Index: 1, Label: "curve_ethereum",
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	byName := map[string]float64{}
	for _, s := range samples {
		byName[s.MetricName] = s.Value
		assert.Equal(t, 3, s.Metadata["holders_analyzed"])
	}
	assert.InDelta(t, 5400.0, byName[catalog.HHI], 1e-9)
	assert.InDelta(t, 100.0, byName[catalog.Top10LPConcentration], 1e-9)
}

func TestLiquidityFetcher_CurvePoolWithoutLPTokenIsTerminal(t *testing.T) {
	curve := &fakeCurve{pool: &pools.CurvePool{Name: "cbbtc/wbtc", TVLUSD: 8.5e6}}
	f := newLiquidityUnderTest(&fakeGraph{}, curve, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	_, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassMedium, Chain: domain.ChainEthereum, Index: 1, Label: "curve_ethereum",
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}

func TestLiquidityFetcher_SlippageMedians(t *testing.T) {
	q := &fakeQuotes{quotes: []quotes.Quote{
		{Aggregator: "CowSwap", BuyAmount: big.NewInt(99_500_000_000)},
		{Aggregator: "1inch", BuyAmount: big.NewInt(100_000_000_000)},
		{Aggregator: "KyberSwap", BuyAmount: big.NewInt(99_000_000_000)},
	}}
	p := &fakePrices{spot: map[string]float64{"coinbase-wrapped-btc": 50000.0}}
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, q, p)

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: -1, Label: "slippage",
	})
	require.NoError(t, err)
	require.Len(t, samples, 2)

	// 100k USD at 50k per token sells 2 tokens in 8-decimal units.
	require.Len(t, q.requests, 2)
	assert.Equal(t, big.NewInt(200_000_000), q.requests[0].SellAmount)
	assert.Equal(t, big.NewInt(1_000_000_000), q.requests[1].SellAmount)
	assert.Equal(t, cbbtcToken, q.requests[0].SellToken)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", q.requests[0].BuyToken)

	for i, metric := range []string{catalog.Slippage100kPct, catalog.Slippage500kPct} {
		s := samples[i]
		assert.Equal(t, metric, s.MetricName)
		// Median across shortfalls {0, 0.5, 1.0} from the best route.
		assert.InDelta(t, 0.5, s.Value, 1e-9)
		assert.Equal(t, "1inch", s.Metadata["best_aggregator"])
		assert.Equal(t, 3, s.Metadata["successful_quotes"])
	}
	assert.Equal(t, 100000.0, samples[0].Metadata["trade_size_usd"])
	assert.Equal(t, 500000.0, samples[1].Metadata["trade_size_usd"])
}

func TestLiquidityFetcher_SlippageNoQuotesIsRetriable(t *testing.T) {
	p := &fakePrices{spot: map[string]float64{"coinbase-wrapped-btc": 50000.0}}
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, p)

	_, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: -1, Label: "slippage",
	})
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))
}

func TestLiquidityFetcher_SlippageNeedsPriceID(t *testing.T) {
	cfg := fullConfig()
	cfg.PriceRisk = nil
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	_, err := f.Fetch(context.Background(), testAsset(cfg), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: -1, Label: "slippage",
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}

func TestLiquidityFetcher_SlippageSkipsChainsWithoutUSDC(t *testing.T) {
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainSolana, Index: -1, Label: "slippage",
	})
	assert.NoError(t, err)
	assert.Nil(t, samples)
}

func TestLiquidityFetcher_PoolIndexOutOfRange(t *testing.T) {
	f := newLiquidityUnderTest(&fakeGraph{}, &fakeCurve{}, &fakeHolders{}, &fakeQuotes{}, &fakePrices{})

	_, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{
		Class: catalog.ClassHigh, Chain: domain.ChainEthereum, Index: 9, Label: "nope",
	})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}
