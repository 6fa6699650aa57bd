package fetch

import (
	"context"
	"time"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// DistributionFetcher measures holder concentration per chain from
// explorer holder pages plus the on-chain supply.
type DistributionFetcher struct {
	holders HolderSource
	chain   ChainReader
	depth   int
	now     func() time.Time
}

func NewDistributionFetcher(holders HolderSource, chain ChainReader) *DistributionFetcher {
	return &DistributionFetcher{
		holders: holders,
		chain:   chain,
		depth:   explorer.DefaultDepth,
		now:     time.Now,
	}
}

func (f *DistributionFetcher) Kind() domain.FetcherKind { return domain.KindDistribution }

func (f *DistributionFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil || len(cfg.TokenAddresses) == 0 {
		return nil, nil
	}
	token := cfg.TokenAddresses[scope.Chain]
	if token == "" || !scope.Chain.EVM() {
		return nil, nil
	}
	if !f.holders.Supported(scope.Chain) {
		return nil, terminalErr(domain.KindDistribution, "no explorer configured for %s", scope.Chain)
	}

	holders, err := f.holders.TopHolders(ctx, scope.Chain, token, asset.Decimals, f.depth)
	if err != nil {
		return nil, wrapErr(domain.KindDistribution, err)
	}
	if len(holders) == 0 {
		return nil, terminalErr(domain.KindDistribution, "explorer returned no holders for %s on %s", token, scope.Chain)
	}

	supply, err := f.chain.TotalSupply(ctx, scope.Chain, token)
	if err != nil {
		return nil, wrapErr(domain.KindDistribution, err)
	}

	balances := make(map[string]float64, len(holders))
	amounts := make([]float64, 0, len(holders))
	for _, h := range holders {
		balances[h.Address] = h.Balance
		amounts = append(amounts, h.Balance)
	}

	now := f.now()
	meta := map[string]interface{}{
		"holders_analyzed": len(holders),
	}
	samples := []persistence.MetricSample{
		newSample(asset.Symbol, catalog.Gini, giniCoefficient(amounts), scope.Chain, now, meta),
		newSample(asset.Symbol, catalog.HHI, herfindahlIndex(balances), scope.Chain, now, meta),
		newSample(asset.Symbol, catalog.Top10LPConcentration, topShare(balances, 10), scope.Chain, now, meta),
		newSample(asset.Symbol, catalog.TotalSupply, supply.InexactFloat64(), scope.Chain, now, map[string]interface{}{
			"token_address": token,
		}),
	}
	return samples, nil
}
