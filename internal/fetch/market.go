package fetch

import (
	"context"
	"math"
	"time"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// historyDays is the lookback for the daily return statistics.
const historyDays = 365

// MarketFetcher derives peg and price-risk metrics from off-chain USD
// quotes. The critical unit reads spot prices; the daily unit pulls a
// year of history.
type MarketFetcher struct {
	prices PriceSource
	now    func() time.Time
}

func NewMarketFetcher(prices PriceSource) *MarketFetcher {
	return &MarketFetcher{prices: prices, now: time.Now}
}

func (f *MarketFetcher) Kind() domain.FetcherKind { return domain.KindMarket }

func (f *MarketFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil || cfg.PriceRisk == nil || cfg.PriceRisk.TokenPriceID == "" {
		return nil, nil
	}
	if scope.Label == "history" {
		return f.history(ctx, asset, cfg.PriceRisk)
	}
	return f.peg(ctx, asset, cfg.PriceRisk)
}

// peg compares the asset's spot price against its underlying, or against
// 1.0 USD when no underlying is configured. The deviation is stored as
// an absolute percentage; direction lives in the metadata.
func (f *MarketFetcher) peg(ctx context.Context, asset *persistence.Asset, pr *domain.PriceRisk) ([]persistence.MetricSample, error) {
	ids := []string{pr.TokenPriceID}
	if pr.UnderlyingPriceID != "" && pr.UnderlyingPriceID != pr.TokenPriceID {
		ids = append(ids, pr.UnderlyingPriceID)
	}
	spot, err := f.prices.Spot(ctx, ids...)
	if err != nil {
		return nil, wrapErr(domain.KindMarket, err)
	}

	tokenPrice, ok := spot[pr.TokenPriceID]
	if !ok || tokenPrice <= 0 {
		return nil, nil
	}
	ref := 1.0
	underlying := "usd"
	if pr.UnderlyingPriceID != "" {
		u, ok := spot[pr.UnderlyingPriceID]
		if !ok || u <= 0 {
			return nil, nil
		}
		ref = u
		underlying = pr.UnderlyingPriceID
	}

	raw := (tokenPrice/ref - 1) * 100
	direction := "discount"
	if raw > 0 {
		direction = "premium"
	}
	sample := newSample(asset.Symbol, catalog.PegDeviationPct, math.Abs(raw), "", f.now(), map[string]interface{}{
		"underlying":    underlying,
		"direction":     direction,
		"raw_deviation": raw,
		"token_price":   tokenPrice,
	})
	return []persistence.MetricSample{sample}, nil
}

// history computes annualized volatility, VaR, CVaR and the worst peg
// excursion over the trailing year of daily closes.
func (f *MarketFetcher) history(ctx context.Context, asset *persistence.Asset, pr *domain.PriceRisk) ([]persistence.MetricSample, error) {
	tokenHistory, err := f.prices.History(ctx, pr.TokenPriceID, historyDays)
	if err != nil {
		return nil, wrapErr(domain.KindMarket, err)
	}
	tokenPrices := make([]float64, len(tokenHistory))
	for i, p := range tokenHistory {
		tokenPrices[i] = p.Price
	}

	returns := dailyReturns(tokenPrices)
	if len(returns) < 2 {
		return nil, terminalErr(domain.KindMarket, "price history too short: %d points", len(tokenPrices))
	}
	risk := computePriceRisk(returns)

	maxDeviation, err := f.maxDeviation(ctx, pr, tokenPrices)
	if err != nil {
		return nil, err
	}

	now := f.now()
	meta := map[string]interface{}{
		"days_analyzed": len(tokenPrices),
	}
	samples := []persistence.MetricSample{
		newSample(asset.Symbol, catalog.VolatilityAnnualized, risk.VolatilityPct, "", now, meta),
		newSample(asset.Symbol, catalog.VaR95Pct, risk.VaR95Pct, "", now, meta),
		newSample(asset.Symbol, catalog.CVaR95Pct, risk.CVaR95Pct, "", now, meta),
		newSample(asset.Symbol, catalog.PriceDeviation365dMax, maxDeviation, "", now, meta),
	}
	return samples, nil
}

// maxDeviation finds the worst absolute peg excursion in the lookback.
// Series are aligned from the front to the shorter length, matching how
// the two histories overlap.
func (f *MarketFetcher) maxDeviation(ctx context.Context, pr *domain.PriceRisk, tokenPrices []float64) (float64, error) {
	reference := func(i int) float64 { return 1.0 }
	n := len(tokenPrices)

	if pr.UnderlyingPriceID != "" && pr.UnderlyingPriceID != pr.TokenPriceID {
		underHistory, err := f.prices.History(ctx, pr.UnderlyingPriceID, historyDays)
		if err != nil {
			return 0, wrapErr(domain.KindMarket, err)
		}
		if len(underHistory) < n {
			n = len(underHistory)
		}
		reference = func(i int) float64 { return underHistory[i].Price }
	}

	var worst float64
	for i := 0; i < n; i++ {
		ref := reference(i)
		if ref <= 0 {
			continue
		}
		dev := math.Abs((tokenPrices[i] - ref) / ref * 100)
		if dev > worst {
			worst = dev
		}
	}
	return worst, nil
}
