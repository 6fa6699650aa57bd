package fetch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/datasources/pools"
	"github.com/vaultline/riskwatch/internal/datasources/quotes"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// curveLPDecimals applies to every Curve LP token.
const curveLPDecimals = 18

// LiquidityFetcher covers DEX pool health. High-frequency units read
// pool TVL and aggregator slippage; medium units measure LP
// concentration from subgraph positions or LP-token holders.
type LiquidityFetcher struct {
	graph   PoolGraph
	curve   CurveRegistry
	holders HolderSource
	quotes  QuoteSource
	prices  PriceSource
	now     func() time.Time
}

func NewLiquidityFetcher(graph PoolGraph, curve CurveRegistry, holders HolderSource, quotes QuoteSource, prices PriceSource) *LiquidityFetcher {
	return &LiquidityFetcher{
		graph:   graph,
		curve:   curve,
		holders: holders,
		quotes:  quotes,
		prices:  prices,
		now:     time.Now,
	}
}

func (f *LiquidityFetcher) Kind() domain.FetcherKind { return domain.KindLiquidity }

func (f *LiquidityFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil {
		return nil, nil
	}
	if scope.Label == "slippage" {
		return f.slippage(ctx, asset, cfg, scope)
	}
	if len(cfg.DexPools) == 0 {
		return nil, nil
	}
	if scope.Index < 0 || scope.Index >= len(cfg.DexPools) {
		return nil, terminalErr(domain.KindLiquidity, "dex pool index %d out of range", scope.Index)
	}

	pool := cfg.DexPools[scope.Index]
	if pool.Protocol == domain.PoolCurve {
		return f.curvePool(ctx, asset, pool, scope)
	}
	return f.graphPool(ctx, asset, pool, scope)
}

// graphPool serves concentrated-liquidity pools through their subgraph.
// A subgraph_id extra overrides the built-in Uniswap V3 mapping; forks
// have no default and must declare one.
func (f *LiquidityFetcher) graphPool(ctx context.Context, asset *persistence.Asset, pool domain.DexPool, scope Scope) ([]persistence.MetricSample, error) {
	subgraph := subgraphFor(pool)
	if subgraph == "" {
		return nil, terminalErr(domain.KindLiquidity, "no subgraph mapping for %s pool on %s", pool.Protocol, pool.Chain)
	}
	label := poolLabel(pool)

	if scope.Class == catalog.ClassHigh {
		stats, err := f.graph.PoolStats(ctx, subgraph, pool.PoolAddress)
		if err != nil {
			return nil, wrapErr(domain.KindLiquidity, err)
		}
		sample := newSample(asset.Symbol, catalog.PoolTVLUSD, stats.TVLUSD, pool.Chain, f.now(), map[string]interface{}{
			"pool_name":    label,
			"pool_address": pool.PoolAddress,
			"protocol":     string(pool.Protocol),
			"pair":         stats.Pair,
			"fee_tier_pct": stats.FeeTierPct,
		})
		return []persistence.MetricSample{sample}, nil
	}

	positions, err := f.graph.Positions(ctx, subgraph, pool.PoolAddress)
	if err != nil {
		return nil, wrapErr(domain.KindLiquidity, err)
	}
	if len(positions) == 0 {
		return nil, nil
	}

	balances := make(map[string]float64, len(positions))
	for _, pos := range positions {
		balances[pos.Owner] += pos.Liquidity
	}
	return f.concentrationSamples(asset, pool, scope.Chain, balances, map[string]interface{}{
		"pool_name":          label,
		"protocol":           string(pool.Protocol),
		"positions_analyzed": len(positions),
	}), nil
}

// curvePool reads TVL from the Curve registry API and LP concentration
// from the LP token's holder list.
func (f *LiquidityFetcher) curvePool(ctx context.Context, asset *persistence.Asset, pool domain.DexPool, scope Scope) ([]persistence.MetricSample, error) {
	found, err := f.curve.FindPool(ctx, pool.Chain, pool.PoolAddress)
	if err != nil {
		return nil, wrapErr(domain.KindLiquidity, err)
	}
	label := poolLabel(pool)

	if scope.Class == catalog.ClassHigh {
		sample := newSample(asset.Symbol, catalog.PoolTVLUSD, found.TVLUSD, pool.Chain, f.now(), map[string]interface{}{
			"pool_name":     label,
			"pool_address":  pool.PoolAddress,
			"protocol":      string(domain.PoolCurve),
			"registry_name": found.Name,
		})
		return []persistence.MetricSample{sample}, nil
	}

	if found.LPToken == "" {
		return nil, terminalErr(domain.KindLiquidity, "curve pool %s has no LP token in the registry", pool.PoolAddress)
	}
	if !f.holders.Supported(pool.Chain) {
		return nil, terminalErr(domain.KindLiquidity, "no explorer configured for %s", pool.Chain)
	}
	holders, err := f.holders.TopHolders(ctx, pool.Chain, found.LPToken, curveLPDecimals, explorer.DefaultDepth)
	if err != nil {
		return nil, wrapErr(domain.KindLiquidity, err)
	}
	if len(holders) == 0 {
		return nil, nil
	}

	balances := make(map[string]float64, len(holders))
	for _, h := range holders {
		balances[h.Address] = h.Balance
	}
	return f.concentrationSamples(asset, pool, scope.Chain, balances, map[string]interface{}{
		"pool_name":        label,
		"protocol":         string(domain.PoolCurve),
		"holders_analyzed": len(holders),
	}), nil
}

func (f *LiquidityFetcher) concentrationSamples(asset *persistence.Asset, pool domain.DexPool, chain domain.Chain, balances map[string]float64, meta map[string]interface{}) []persistence.MetricSample {
	now := f.now()
	return []persistence.MetricSample{
		newSample(asset.Symbol, catalog.HHI, herfindahlIndex(balances), chain, now, meta),
		newSample(asset.Symbol, catalog.Top10LPConcentration, topShare(balances, 10), chain, now, meta),
	}
}

// slippage quotes two reference trade sizes against USDC across the
// aggregator set and records the median shortfall from the best route.
func (f *LiquidityFetcher) slippage(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, scope Scope) ([]persistence.MetricSample, error) {
	pr := cfg.PriceRisk
	if pr == nil || pr.TokenPriceID == "" {
		return nil, terminalErr(domain.KindLiquidity, "slippage needs price_risk.token_price_id for trade sizing")
	}
	token := cfg.TokenAddresses[scope.Chain]
	usdc, ok := quotes.USDCAddress(scope.Chain)
	if token == "" || !ok {
		return nil, nil
	}

	spot, err := f.prices.Spot(ctx, pr.TokenPriceID)
	if err != nil {
		return nil, wrapErr(domain.KindLiquidity, err)
	}
	price := spot[pr.TokenPriceID]
	if price <= 0 {
		return nil, terminalErr(domain.KindLiquidity, "no spot price for %s", pr.TokenPriceID)
	}

	sizes := []struct {
		usd    float64
		metric string
	}{
		{100_000, catalog.Slippage100kPct},
		{500_000, catalog.Slippage500kPct},
	}

	now := f.now()
	samples := make([]persistence.MetricSample, 0, len(sizes))
	for _, size := range sizes {
		sellAmount := decimal.NewFromFloat(size.usd).
			Div(decimal.NewFromFloat(price)).
			Shift(int32(asset.Decimals)).
			BigInt()
		collected := f.quotes.Collect(ctx, quotes.Request{
			Chain:      scope.Chain,
			SellToken:  token,
			BuyToken:   usdc,
			SellAmount: sellAmount,
		})
		if len(collected) == 0 {
			return nil, domain.NewFetchError(domain.KindLiquidity, true,
				fmt.Errorf("no aggregator quotes for %.0f USD trade on %s", size.usd, scope.Chain))
		}

		best, bestName := bestQuote(collected)
		bestFloat, _ := new(big.Float).SetInt(best).Float64()
		slippages := make([]float64, 0, len(collected))
		for _, q := range collected {
			buyFloat, _ := new(big.Float).SetInt(q.BuyAmount).Float64()
			slippages = append(slippages, (bestFloat-buyFloat)/bestFloat*100)
		}

		samples = append(samples, newSample(asset.Symbol, size.metric, median(slippages), scope.Chain, now, map[string]interface{}{
			"trade_size_usd":    size.usd,
			"best_aggregator":   bestName,
			"successful_quotes": len(collected),
			"sell_token":        token,
			"buy_token":         usdc,
		}))
	}
	return samples, nil
}

func bestQuote(collected []quotes.Quote) (*big.Int, string) {
	best := collected[0].BuyAmount
	name := collected[0].Aggregator
	for _, q := range collected[1:] {
		if q.BuyAmount.Cmp(best) > 0 {
			best = q.BuyAmount
			name = q.Aggregator
		}
	}
	return best, name
}

func subgraphFor(pool domain.DexPool) string {
	if raw, ok := pool.Extra["subgraph_id"]; ok {
		if id, ok := raw.(string); ok && id != "" {
			return id
		}
	}
	if pool.Protocol == domain.PoolUniswapV3 {
		if id, ok := pools.UniswapV3SubgraphID(pool.Chain); ok {
			return id
		}
	}
	return ""
}
