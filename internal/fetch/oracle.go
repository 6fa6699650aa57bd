package fetch

import (
	"context"
	"time"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// maxFreshnessMinutes caps the staleness reported for a feed that exists
// but cannot be read. One week keeps the value finite for thresholds.
const maxFreshnessMinutes = 7 * 24 * 60

// OracleFetcher reads Chainlink-style aggregator feeds. Critical units
// cover one feed each; the medium unit compares update times across the
// cross-chain feed set.
type OracleFetcher struct {
	chain ChainReader
	now   func() time.Time
}

func NewOracleFetcher(chain ChainReader) *OracleFetcher {
	return &OracleFetcher{chain: chain, now: time.Now}
}

func (f *OracleFetcher) Kind() domain.FetcherKind { return domain.KindOracle }

func (f *OracleFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil {
		return nil, nil
	}
	if scope.Label == "cross_chain_lag" {
		return f.crossChainLag(ctx, asset, cfg)
	}
	return f.feedFreshness(ctx, asset, cfg, scope)
}

func (f *OracleFetcher) feedFreshness(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, scope Scope) ([]persistence.MetricSample, error) {
	if len(cfg.PriceFeeds) == 0 {
		return nil, nil
	}
	if scope.Index < 0 || scope.Index >= len(cfg.PriceFeeds) {
		return nil, terminalErr(domain.KindOracle, "price feed index %d out of range", scope.Index)
	}
	feed := cfg.PriceFeeds[scope.Index]
	now := f.now().UTC()

	round, err := f.chain.LatestRound(ctx, feed.Chain, feed.Address)
	if err != nil {
		wrapped := wrapErr(domain.KindOracle, err)
		if domain.IsRetriable(wrapped) {
			return nil, wrapped
		}
		// The feed is configured but unreadable. Report it pinned stale
		// so freshness thresholds fire instead of the read being lost.
		sample := newSample(asset.Symbol, catalog.OracleFreshnessMinutes, maxFreshnessMinutes, feed.Chain, now, map[string]interface{}{
			"feed":       feedLabel(feed),
			"unreadable": true,
		})
		return []persistence.MetricSample{sample}, nil
	}

	minutes := now.Sub(round.UpdatedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	sample := newSample(asset.Symbol, catalog.OracleFreshnessMinutes, minutes, feed.Chain, now, map[string]interface{}{
		"feed":       feedLabel(feed),
		"round_id":   round.RoundID.String(),
		"answer":     round.Answer.String(),
		"updated_at": round.UpdatedAt.Format(time.RFC3339),
	})
	return []persistence.MetricSample{sample}, nil
}

func (f *OracleFetcher) crossChainLag(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig) ([]persistence.MetricSample, error) {
	feeds := cfg.CrossChainFeeds
	if len(feeds) < 2 {
		return nil, nil
	}

	var newestChain, oldestChain domain.Chain
	var newest, oldest time.Time
	for _, feed := range feeds {
		round, err := f.chain.LatestRound(ctx, feed.Chain, feed.Address)
		if err != nil {
			return nil, wrapErr(domain.KindOracle, err)
		}
		if newest.IsZero() || round.UpdatedAt.After(newest) {
			newest, newestChain = round.UpdatedAt, feed.Chain
		}
		if oldest.IsZero() || round.UpdatedAt.Before(oldest) {
			oldest, oldestChain = round.UpdatedAt, feed.Chain
		}
	}

	lag := newest.Sub(oldest).Minutes()
	sample := newSample(asset.Symbol, catalog.CrossChainOracleLagMin, lag, "", f.now(), map[string]interface{}{
		"newest_chain":   string(newestChain),
		"oldest_chain":   string(oldestChain),
		"feeds_compared": len(feeds),
	})
	return []persistence.MetricSample{sample}, nil
}
