// Package fetch turns asset configuration sections into metric samples.
// Each fetcher kind owns one section; the dispatcher expands an asset
// into per-section work units and calls the matching fetcher. A unit
// either yields its full sample set or fails as a whole.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/evm"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/datasources/quotes"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// Scope narrows a fetch to one work unit of an asset's config.
type Scope struct {
	Class catalog.Class // frequency class being collected
	Chain domain.Chain  // chain context, empty for cross-chain units
	Index int           // section element index, -1 for section-wide units
	Label string        // unit tag for logs and run events
}

// Fetcher produces samples for one config section kind.
type Fetcher interface {
	Kind() domain.FetcherKind
	Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error)
}

// Unit is one dispatchable piece of collection work.
type Unit struct {
	Asset string
	Kind  domain.FetcherKind
	Scope Scope
}

func (u Unit) String() string {
	if u.Scope.Label != "" {
		return fmt.Sprintf("%s/%s/%s", u.Asset, u.Kind, u.Scope.Label)
	}
	return fmt.Sprintf("%s/%s", u.Asset, u.Kind)
}

// Units expands an asset into the work units collectable at class. An
// asset with no matching config sections expands to nothing.
func Units(asset *persistence.Asset, class catalog.Class) []Unit {
	cfg := asset.Config
	if cfg == nil || !asset.Enabled {
		return nil
	}

	var units []Unit
	add := func(kind domain.FetcherKind, scope Scope) {
		scope.Class = class
		units = append(units, Unit{Asset: asset.Symbol, Kind: kind, Scope: scope})
	}

	for _, kind := range catalog.KindsFor(class) {
		switch kind {
		case domain.KindOracle:
			if class == catalog.ClassCritical {
				for i, feed := range cfg.PriceFeeds {
					add(kind, Scope{Chain: feed.Chain, Index: i, Label: feedLabel(feed)})
				}
			}
			if class == catalog.ClassMedium && len(cfg.CrossChainFeeds) >= 2 {
				add(kind, Scope{Index: -1, Label: "cross_chain_lag"})
			}

		case domain.KindReserve:
			if cfg.ProofOfReserve != nil {
				add(kind, Scope{Index: -1, Label: string(cfg.ProofOfReserve.Kind)})
			}

		case domain.KindMarket:
			if cfg.PriceRisk == nil {
				continue
			}
			if class == catalog.ClassCritical {
				add(kind, Scope{Index: -1, Label: "peg"})
			}
			if class == catalog.ClassDaily {
				add(kind, Scope{Index: -1, Label: "history"})
			}

		case domain.KindLiquidity:
			for i, pool := range cfg.DexPools {
				add(kind, Scope{Chain: pool.Chain, Index: i, Label: poolLabel(pool)})
			}
			if class == catalog.ClassHigh {
				for _, chain := range slippageChains(cfg) {
					add(kind, Scope{Chain: chain, Index: -1, Label: "slippage"})
				}
			}

		case domain.KindLending:
			for i, market := range cfg.LendingConfigs {
				add(kind, Scope{Chain: market.Chain, Index: i, Label: marketLabel(market)})
			}

		case domain.KindDistribution:
			for _, chain := range cfg.TokenAddresses.Chains() {
				if !chain.EVM() {
					continue
				}
				add(kind, Scope{Chain: chain, Index: -1, Label: "holders"})
			}
		}
	}
	return units
}

// slippageChains lists pool chains where an aggregator quote context
// exists: the asset has an address there and USDC is mapped.
func slippageChains(cfg *domain.AssetConfig) []domain.Chain {
	seen := make(map[domain.Chain]bool)
	var chains []domain.Chain
	for _, pool := range cfg.DexPools {
		if seen[pool.Chain] {
			continue
		}
		seen[pool.Chain] = true
		if cfg.TokenAddresses[pool.Chain] == "" {
			continue
		}
		if _, ok := quotes.USDCAddress(pool.Chain); !ok {
			continue
		}
		chains = append(chains, pool.Chain)
	}
	return chains
}

func feedLabel(feed domain.PriceFeed) string {
	if feed.Name != "" {
		return feed.Name
	}
	return string(feed.Chain)
}

func poolLabel(pool domain.DexPool) string {
	if pool.PoolName != "" {
		return pool.PoolName
	}
	return fmt.Sprintf("%s_%s", pool.Protocol, pool.Chain)
}

func marketLabel(market domain.LendingMarket) string {
	if market.MarketName != "" {
		return market.MarketName
	}
	return fmt.Sprintf("%s_%s", market.Protocol, market.Chain)
}

// wrapErr normalizes source-layer failures into a fetch error carrying
// the retriable/terminal classification.
func wrapErr(kind domain.FetcherKind, err error) error {
	if err == nil {
		return nil
	}
	var fetchErr *domain.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	retriable := httpx.Retriable(err) || evm.Retriable(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	return domain.NewFetchError(kind, retriable, err)
}

// terminalErr marks a failure that retrying cannot fix.
func terminalErr(kind domain.FetcherKind, format string, args ...interface{}) error {
	return domain.NewFetchError(kind, false, fmt.Errorf(format, args...))
}

func newSample(asset, metric string, value float64, chain domain.Chain, at time.Time, meta map[string]interface{}) persistence.MetricSample {
	return persistence.MetricSample{
		AssetSymbol: asset,
		MetricName:  metric,
		Value:       value,
		Chain:       string(chain),
		Metadata:    meta,
		RecordedAt:  at.UTC(),
	}
}
