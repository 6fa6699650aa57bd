package fetch

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// ReserveFetcher establishes the backing ratio behind a wrapped or
// fiat-backed asset. The proof_of_reserve kind selects the path; every
// path emits a single por_ratio sample where 1.0 means fully backed.
type ReserveFetcher struct {
	chain ChainReader
	pages PageSource
	now   func() time.Time
}

func NewReserveFetcher(chain ChainReader, pages PageSource) *ReserveFetcher {
	return &ReserveFetcher{chain: chain, pages: pages, now: time.Now}
}

func (f *ReserveFetcher) Kind() domain.FetcherKind { return domain.KindReserve }

func (f *ReserveFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil || cfg.ProofOfReserve == nil {
		return nil, nil
	}
	por := cfg.ProofOfReserve
	switch por.Kind {
	case domain.PoRChainlink:
		return f.chainlink(ctx, asset, cfg, por)
	case domain.PoRLiquidStaking:
		return f.liquidStaking(ctx, asset, cfg, por)
	case domain.PoRFractional:
		return f.fractional(ctx, asset, cfg, por)
	case domain.PoRNAVBased:
		return f.navBased(ctx, asset, cfg, por)
	case domain.PoRScraper:
		return f.scraper(ctx, asset, por)
	}
	return nil, terminalErr(domain.KindReserve, "unsupported proof_of_reserve kind %q", por.Kind)
}

// chainlink sums attested reserves from PoR aggregator feeds and divides
// by the on-chain token supply across deployments.
func (f *ReserveFetcher) chainlink(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, por *domain.ProofOfReserve) ([]persistence.MetricSample, error) {
	if len(por.Aggregators) == 0 {
		return nil, terminalErr(domain.KindReserve, "chainlink_por needs at least one aggregator feed")
	}

	reserves := decimal.Zero
	feedChains := 0
	var feedChain domain.Chain
	for _, chain := range por.Aggregators.Chains() {
		if !chain.EVM() {
			continue
		}
		round, err := f.chain.LatestRound(ctx, chain, por.Aggregators[chain])
		if err != nil {
			return nil, wrapErr(domain.KindReserve, err)
		}
		reserves = reserves.Add(round.Answer)
		feedChains++
		feedChain = chain
	}
	if feedChains == 0 {
		return nil, terminalErr(domain.KindReserve, "chainlink_por has no EVM aggregator feeds")
	}

	supplyTokens := por.TokenAddresses
	if len(supplyTokens) == 0 {
		supplyTokens = cfg.TokenAddresses
	}
	supply := decimal.Zero
	for _, chain := range supplyTokens.Chains() {
		if !chain.EVM() || supplyTokens[chain] == "" {
			continue
		}
		s, err := f.chain.TotalSupply(ctx, chain, supplyTokens[chain])
		if err != nil {
			return nil, wrapErr(domain.KindReserve, err)
		}
		supply = supply.Add(s)
	}
	if supply.IsZero() {
		return nil, terminalErr(domain.KindReserve, "chainlink_por: token supply is zero")
	}

	sampleChain := feedChain
	if feedChains > 1 {
		sampleChain = ""
	}
	ratio := reserves.Div(supply)
	sample := newSample(asset.Symbol, catalog.PorRatio, ratio.InexactFloat64(), sampleChain, f.now(), map[string]interface{}{
		"kind":           string(domain.PoRChainlink),
		"total_reserves": reserves.InexactFloat64(),
		"total_supply":   supply.InexactFloat64(),
		"feeds_read":     feedChains,
	})
	return []persistence.MetricSample{sample}, nil
}

// liquidStaking compares the staked-token balance held by the wrapper
// contract against the wrapper's supply. Share-accounting LSTs rebase
// the held balance, so backing per wrapped token drifts upward.
func (f *ReserveFetcher) liquidStaking(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, por *domain.ProofOfReserve) ([]persistence.MetricSample, error) {
	home := homeChain(cfg.TokenAddresses)
	if por.StakedToken == "" || home == "" {
		return nil, terminalErr(domain.KindReserve, "liquid_staking needs staked_token and an EVM token address")
	}
	wrapped := cfg.TokenAddresses[home]

	held, err := f.chain.BalanceOf(ctx, home, por.StakedToken, wrapped)
	if err != nil {
		return nil, wrapErr(domain.KindReserve, err)
	}
	supply, err := f.chain.TotalSupply(ctx, home, wrapped)
	if err != nil {
		return nil, wrapErr(domain.KindReserve, err)
	}
	if supply.IsZero() {
		return nil, terminalErr(domain.KindReserve, "liquid_staking: wrapped supply is zero")
	}

	ratio := held.Div(supply)
	sample := newSample(asset.Symbol, catalog.PorRatio, ratio.InexactFloat64(), home, f.now(), map[string]interface{}{
		"kind":           string(domain.PoRLiquidStaking),
		"staked_held":    held.InexactFloat64(),
		"wrapped_supply": supply.InexactFloat64(),
	})
	return []persistence.MetricSample{sample}, nil
}

// fractional reads a JSON backing source published by the issuer. When
// the document omits total_supply the on-chain supply is used instead.
func (f *ReserveFetcher) fractional(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, por *domain.ProofOfReserve) ([]persistence.MetricSample, error) {
	if por.BackingSource == "" {
		return nil, terminalErr(domain.KindReserve, "fractional needs backing_source")
	}

	body, err := f.pages.Get(ctx, por.BackingSource)
	if err != nil {
		return nil, wrapErr(domain.KindReserve, err)
	}
	var payload struct {
		TotalReserves float64 `json:"total_reserves"`
		TotalSupply   float64 `json:"total_supply"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, terminalErr(domain.KindReserve, "fractional backing source returned invalid JSON: %v", err)
	}
	if payload.TotalReserves <= 0 {
		return nil, terminalErr(domain.KindReserve, "fractional backing source reports no reserves")
	}

	supply := payload.TotalSupply
	if supply <= 0 {
		chainSupply := decimal.Zero
		for _, chain := range cfg.TokenAddresses.Chains() {
			if !chain.EVM() || cfg.TokenAddresses[chain] == "" {
				continue
			}
			s, err := f.chain.TotalSupply(ctx, chain, cfg.TokenAddresses[chain])
			if err != nil {
				return nil, wrapErr(domain.KindReserve, err)
			}
			chainSupply = chainSupply.Add(s)
		}
		supply = chainSupply.InexactFloat64()
	}
	if supply <= 0 {
		return nil, terminalErr(domain.KindReserve, "fractional: token supply is zero")
	}

	sample := newSample(asset.Symbol, catalog.PorRatio, payload.TotalReserves/supply, "", f.now(), map[string]interface{}{
		"kind":           string(domain.PoRFractional),
		"total_reserves": payload.TotalReserves,
		"total_supply":   supply,
	})
	return []persistence.MetricSample{sample}, nil
}

// navBased treats the NAV oracle answer as the backing ratio directly.
func (f *ReserveFetcher) navBased(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, por *domain.ProofOfReserve) ([]persistence.MetricSample, error) {
	if por.Oracle == "" {
		return nil, terminalErr(domain.KindReserve, "nav_based needs an oracle address")
	}
	home := homeChain(cfg.TokenAddresses)
	if home == "" {
		return nil, terminalErr(domain.KindReserve, "nav_based needs an EVM token address")
	}

	round, err := f.chain.LatestRound(ctx, home, por.Oracle)
	if err != nil {
		return nil, wrapErr(domain.KindReserve, err)
	}
	sample := newSample(asset.Symbol, catalog.PorRatio, round.Answer.InexactFloat64(), home, f.now(), map[string]interface{}{
		"kind":       string(domain.PoRNAVBased),
		"oracle":     por.Oracle,
		"updated_at": round.UpdatedAt.Format(time.RFC3339),
	})
	return []persistence.MetricSample{sample}, nil
}

// scraper pulls an issuer dashboard and extracts the collateralization
// figure with the configured pattern. Percent-styled matches are
// converted to a plain ratio.
func (f *ReserveFetcher) scraper(ctx context.Context, asset *persistence.Asset, por *domain.ProofOfReserve) ([]persistence.MetricSample, error) {
	if por.URL == "" || por.Parser == "" {
		return nil, terminalErr(domain.KindReserve, "scraper needs url and parser")
	}
	re, err := regexp.Compile(por.Parser)
	if err != nil {
		return nil, terminalErr(domain.KindReserve, "scraper pattern does not compile: %v", err)
	}

	body, err := f.pages.Get(ctx, por.URL)
	if err != nil {
		return nil, wrapErr(domain.KindReserve, err)
	}
	match := re.FindStringSubmatch(string(body))
	if match == nil {
		return nil, terminalErr(domain.KindReserve, "scraper pattern matched nothing at %s", por.URL)
	}
	captured := match[0]
	if len(match) > 1 {
		captured = match[1]
	}

	cleaned := strings.TrimSpace(strings.TrimSuffix(strings.ReplaceAll(captured, ",", ""), "%"))
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, terminalErr(domain.KindReserve, "scraper captured %q, not a number", captured)
	}
	// Dashboards publish collateralization as a percentage; ratios live
	// near 1.0.
	if strings.Contains(match[0], "%") || value > 10 {
		value /= 100
	}

	sample := newSample(asset.Symbol, catalog.PorRatio, value, "", f.now(), map[string]interface{}{
		"kind":   string(domain.PoRScraper),
		"source": por.URL,
	})
	return []persistence.MetricSample{sample}, nil
}

// homeChain picks the canonical deployment chain: ethereum when declared,
// otherwise the first EVM chain in stable order.
func homeChain(addrs domain.ChainAddresses) domain.Chain {
	if addrs[domain.ChainEthereum] != "" {
		return domain.ChainEthereum
	}
	for _, c := range addrs.Chains() {
		if c.EVM() && addrs[c] != "" {
			return c
		}
	}
	return ""
}
