package fetch

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/evm"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// aavePoolABI covers the Aave V3 Pool reads used per market: the reserve
// record for token addresses and per-user account health.
const aavePoolABI = `[
	{"inputs":[{"name":"asset","type":"address"}],"name":"getReserveData","outputs":[{"components":[{"components":[{"name":"data","type":"uint256"}],"name":"configuration","type":"tuple"},{"name":"liquidityIndex","type":"uint128"},{"name":"currentLiquidityRate","type":"uint128"},{"name":"variableBorrowIndex","type":"uint128"},{"name":"currentVariableBorrowRate","type":"uint128"},{"name":"currentStableBorrowRate","type":"uint128"},{"name":"lastUpdateTimestamp","type":"uint40"},{"name":"id","type":"uint16"},{"name":"aTokenAddress","type":"address"},{"name":"stableDebtTokenAddress","type":"address"},{"name":"variableDebtTokenAddress","type":"address"},{"name":"interestRateStrategyAddress","type":"address"},{"name":"accruedToTreasury","type":"uint128"},{"name":"unbacked","type":"uint128"},{"name":"isolationModeTotalDebt","type":"uint128"}],"name":"","type":"tuple"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"name":"totalCollateralBase","type":"uint256"},{"name":"totalDebtBase","type":"uint256"},{"name":"availableBorrowsBase","type":"uint256"},{"name":"currentLiquidationThreshold","type":"uint256"},{"name":"ltv","type":"uint256"},{"name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// cometABI covers the Compound V3 Comet reads: base utilization, the
// base token identity and per-collateral totals.
const cometABI = `[
	{"inputs":[],"name":"getUtilization","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"baseToken","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"address"}],"name":"totalsCollateral","outputs":[{"name":"totalSupplyAsset","type":"uint128"},{"name":"_reserved","type":"uint128"}],"stateMutability":"view","type":"function"}
]`

// fluidResolverABI reads collateral and debt reserves of a Fluid DEX
// from the protocol's DexReservesResolver.
const fluidResolverABI = `[
	{"inputs":[{"name":"dex_","type":"address"}],"name":"getDexCollateralReserves","outputs":[{"components":[{"name":"token0RealReserves","type":"uint256"},{"name":"token1RealReserves","type":"uint256"},{"name":"token0ImaginaryReserves","type":"uint256"},{"name":"token1ImaginaryReserves","type":"uint256"}],"name":"reserves_","type":"tuple"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"dex_","type":"address"}],"name":"getDexDebtReserves","outputs":[{"components":[{"name":"token0Debt","type":"uint256"},{"name":"token0RealReserves","type":"uint256"},{"name":"token0ImaginaryReserves","type":"uint256"},{"name":"token1Debt","type":"uint256"},{"name":"token1RealReserves","type":"uint256"},{"name":"token1ImaginaryReserves","type":"uint256"}],"name":"reserves_","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

// fluidResolverAddress is the DexReservesResolver deployment on mainnet.
const fluidResolverAddress = "0x05Bd8269A20C472b148246De20E6852091BF16Ff"

// maxBorrowersAnalyzed bounds the account-health multicall per market.
const maxBorrowersAnalyzed = 100

// atRiskHealthFactor marks positions close enough to liquidation to
// count toward cascade risk.
const atRiskHealthFactor = 1.1

var (
	aavePool      = evm.MustParseABI(aavePoolABI)
	comet         = evm.MustParseABI(cometABI)
	fluidResolver = evm.MustParseABI(fluidResolverABI)
)

type aaveReserveData struct {
	Configuration               struct{ Data *big.Int }
	LiquidityIndex              *big.Int
	CurrentLiquidityRate        *big.Int
	VariableBorrowIndex         *big.Int
	CurrentVariableBorrowRate   *big.Int
	CurrentStableBorrowRate     *big.Int
	LastUpdateTimestamp         *big.Int
	Id                          uint16
	ATokenAddress               common.Address
	StableDebtTokenAddress      common.Address
	VariableDebtTokenAddress    common.Address
	InterestRateStrategyAddress common.Address
	AccruedToTreasury           *big.Int
	Unbacked                    *big.Int
	IsolationModeTotalDebt      *big.Int
}

type fluidCollateralReserves struct {
	Token0RealReserves      *big.Int
	Token1RealReserves      *big.Int
	Token0ImaginaryReserves *big.Int
	Token1ImaginaryReserves *big.Int
}

type fluidDebtReserves struct {
	Token0Debt              *big.Int
	Token0RealReserves      *big.Int
	Token0ImaginaryReserves *big.Int
	Token1Debt              *big.Int
	Token1RealReserves      *big.Int
	Token1ImaginaryReserves *big.Int
}

// LendingFetcher reads lending-market exposure per configured market.
// High-frequency units emit utilization; medium units walk the top
// borrower set for cascade and recursion ratios. Every sample carries
// the market anchor and supply weight so scoring can aggregate markets.
type LendingFetcher struct {
	chain   ChainReader
	holders HolderSource
	now     func() time.Time
}

func NewLendingFetcher(chain ChainReader, holders HolderSource) *LendingFetcher {
	return &LendingFetcher{chain: chain, holders: holders, now: time.Now}
}

func (f *LendingFetcher) Kind() domain.FetcherKind { return domain.KindLending }

func (f *LendingFetcher) Fetch(ctx context.Context, asset *persistence.Asset, scope Scope) ([]persistence.MetricSample, error) {
	cfg := asset.Config
	if cfg == nil || len(cfg.LendingConfigs) == 0 {
		return nil, nil
	}
	if scope.Index < 0 || scope.Index >= len(cfg.LendingConfigs) {
		return nil, terminalErr(domain.KindLending, "lending market index %d out of range", scope.Index)
	}
	market := cfg.LendingConfigs[scope.Index]
	switch market.Protocol {
	case domain.LendingAaveV3:
		return f.aave(ctx, asset, cfg, market, scope)
	case domain.LendingCompoundV3:
		return f.compound(ctx, asset, cfg, market, scope)
	case domain.LendingFluid:
		return f.fluid(ctx, asset, market, scope)
	}
	return nil, terminalErr(domain.KindLending, "unsupported lending protocol %q", market.Protocol)
}

func (f *LendingFetcher) aave(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, market domain.LendingMarket, scope Scope) ([]persistence.MetricSample, error) {
	if market.Pool == "" {
		return nil, terminalErr(domain.KindLending, "aave_v3 market needs a pool address")
	}
	underlying := resolveUnderlying(market, cfg)
	if underlying == "" {
		return nil, terminalErr(domain.KindLending, "aave_v3 market on %s has no token address", market.Chain)
	}

	vals, err := f.chain.Call(ctx, market.Chain, market.Pool, aavePool, "getReserveData", common.HexToAddress(underlying))
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	if len(vals) == 0 {
		return nil, terminalErr(domain.KindLending, "empty reserve data for %s", underlying)
	}
	reserve := abi.ConvertType(vals[0], new(aaveReserveData)).(*aaveReserveData)
	aToken := reserve.ATokenAddress.Hex()
	debtToken := reserve.VariableDebtTokenAddress.Hex()

	supply, err := f.chain.TotalSupply(ctx, market.Chain, aToken)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	borrow, err := f.chain.TotalSupply(ctx, market.Chain, debtToken)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	supplyFloat := supply.InexactFloat64()
	label := marketLabel(market)

	if scope.Class == catalog.ClassHigh {
		utilization := 0.0
		if !supply.IsZero() {
			utilization = borrow.Div(supply).InexactFloat64() * 100
		}
		sample := newSample(asset.Symbol, catalog.UtilizationRate, utilization, market.Chain, f.now(), map[string]interface{}{
			"protocol":     string(domain.LendingAaveV3),
			"market":       label,
			"total_supply": supplyFloat,
			"total_borrow": borrow.InexactFloat64(),
		})
		return []persistence.MetricSample{sample}, nil
	}

	// Medium class: cascade and recursion ratios over the top borrowers.
	if supply.IsZero() || !f.holders.Supported(market.Chain) {
		return nil, nil
	}
	suppliers, err := f.holders.TopHolders(ctx, market.Chain, aToken, asset.Decimals, maxBorrowersAnalyzed)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	borrowers, err := f.holders.TopHolders(ctx, market.Chain, debtToken, asset.Decimals, maxBorrowersAnalyzed)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}

	rlr, loopers := recursionRatio(suppliers, borrowers, supplyFloat)
	clr, analyzed, err := f.cascadeRatio(ctx, market, borrowers)
	if err != nil {
		return nil, err
	}

	now := f.now()
	samples := []persistence.MetricSample{
		newSample(asset.Symbol, catalog.CLRPct, clr, market.Chain, now, map[string]interface{}{
			"protocol":           string(domain.LendingAaveV3),
			"market":             label,
			"total_supply":       supplyFloat,
			"positions_analyzed": analyzed,
		}),
		newSample(asset.Symbol, catalog.RLRPct, rlr, market.Chain, now, map[string]interface{}{
			"protocol":      string(domain.LendingAaveV3),
			"market":        label,
			"total_supply":  supplyFloat,
			"loopers_count": loopers,
		}),
	}
	return samples, nil
}

// recursionRatio finds addresses supplying and borrowing the same asset
// with supply exceeding borrow, the signature of a leverage loop, and
// relates their borrow to the market supply.
func recursionRatio(suppliers, borrowers []explorer.Holder, totalSupply float64) (float64, int) {
	if totalSupply <= 0 {
		return 0, 0
	}
	supplied := make(map[string]float64, len(suppliers))
	for _, s := range suppliers {
		supplied[s.Address] = s.Balance
	}
	var looped float64
	loopers := 0
	for _, b := range borrowers {
		if s, ok := supplied[b.Address]; ok && s > b.Balance {
			looped += b.Balance
			loopers++
		}
	}
	return looped / totalSupply * 100, loopers
}

// cascadeRatio reads account health for the top borrowers in one
// multicall and weights the at-risk share by debt value.
func (f *LendingFetcher) cascadeRatio(ctx context.Context, market domain.LendingMarket, borrowers []explorer.Holder) (float64, int, error) {
	if len(borrowers) == 0 {
		return 0, 0, nil
	}
	pool := common.HexToAddress(market.Pool)
	requests := make([]evm.MulticallRequest, 0, len(borrowers))
	for _, b := range borrowers {
		data, err := aavePool.Pack("getUserAccountData", common.HexToAddress(b.Address))
		if err != nil {
			return 0, 0, terminalErr(domain.KindLending, "pack account data call: %v", err)
		}
		requests = append(requests, evm.MulticallRequest{Target: pool, CallData: data})
	}

	results, err := f.chain.Aggregate(ctx, market.Chain, requests)
	if err != nil {
		return 0, 0, wrapErr(domain.KindLending, err)
	}

	var atRisk, analyzedDebt float64
	analyzed := 0
	for _, ret := range results {
		vals, err := aavePool.Unpack("getUserAccountData", ret)
		if err != nil || len(vals) < 6 {
			continue
		}
		debtBase, ok := vals[1].(*big.Int)
		if !ok || debtBase.Sign() <= 0 {
			continue
		}
		hfRaw, ok := vals[5].(*big.Int)
		if !ok {
			continue
		}
		// Base currency has 8 decimals, health factor 18.
		debtUSD := bigToFloat(debtBase) / 1e8
		healthFactor := bigToFloat(hfRaw) / 1e18

		analyzed++
		analyzedDebt += debtUSD
		if healthFactor < atRiskHealthFactor {
			atRisk += debtUSD
		}
	}
	if analyzedDebt <= 0 {
		return 0, analyzed, nil
	}
	return atRisk / analyzedDebt * 100, analyzed, nil
}

func (f *LendingFetcher) compound(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, market domain.LendingMarket, scope Scope) ([]persistence.MetricSample, error) {
	if market.Comet == "" {
		return nil, terminalErr(domain.KindLending, "compound_v3 market needs a comet address")
	}
	// Position-level reads are not available on chain for Comet; only
	// the base utilization is collected.
	if scope.Class != catalog.ClassHigh {
		return nil, nil
	}

	vals, err := f.chain.Call(ctx, market.Chain, market.Comet, comet, "getUtilization")
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	utilRaw, ok := firstBig(vals)
	if !ok {
		return nil, terminalErr(domain.KindLending, "comet getUtilization returned no value")
	}
	utilization := bigToFloat(utilRaw) / 1e18 * 100

	supply, err := f.cometSupply(ctx, asset, cfg, market)
	if err != nil {
		return nil, err
	}

	sample := newSample(asset.Symbol, catalog.UtilizationRate, utilization, market.Chain, f.now(), map[string]interface{}{
		"protocol":     string(domain.LendingCompoundV3),
		"market":       marketLabel(market),
		"total_supply": supply,
	})
	return []persistence.MetricSample{sample}, nil
}

// cometSupply weights the market by base supply when the asset is the
// comet's base token, else by the asset's collateral total.
func (f *LendingFetcher) cometSupply(ctx context.Context, asset *persistence.Asset, cfg *domain.AssetConfig, market domain.LendingMarket) (float64, error) {
	underlying := resolveUnderlying(market, cfg)
	if underlying == "" {
		supply, err := f.chain.TotalSupply(ctx, market.Chain, market.Comet)
		if err != nil {
			return 0, wrapErr(domain.KindLending, err)
		}
		return supply.InexactFloat64(), nil
	}

	vals, err := f.chain.Call(ctx, market.Chain, market.Comet, comet, "baseToken")
	if err != nil {
		return 0, wrapErr(domain.KindLending, err)
	}
	var base common.Address
	if len(vals) > 0 {
		base, _ = vals[0].(common.Address)
	}
	if strings.EqualFold(base.Hex(), underlying) {
		supply, err := f.chain.TotalSupply(ctx, market.Chain, market.Comet)
		if err != nil {
			return 0, wrapErr(domain.KindLending, err)
		}
		return supply.InexactFloat64(), nil
	}

	vals, err = f.chain.Call(ctx, market.Chain, market.Comet, comet, "totalsCollateral", common.HexToAddress(underlying))
	if err != nil {
		return 0, wrapErr(domain.KindLending, err)
	}
	raw, ok := firstBig(vals)
	if !ok {
		return 0, terminalErr(domain.KindLending, "comet totalsCollateral returned no value")
	}
	return decimal.NewFromBigInt(raw, -int32(asset.Decimals)).InexactFloat64(), nil
}

// fluid reads both reserve sides of a Fluid DEX through the protocol
// resolver and reports the worse per-token utilization. The market's
// pool field overrides the resolver for non-mainnet deployments.
func (f *LendingFetcher) fluid(ctx context.Context, asset *persistence.Asset, market domain.LendingMarket, scope Scope) ([]persistence.MetricSample, error) {
	if market.TokenAddress == "" {
		return nil, terminalErr(domain.KindLending, "fluid market needs the dex token_address")
	}
	resolver := market.Pool
	if resolver == "" {
		if market.Chain != domain.ChainEthereum {
			return nil, terminalErr(domain.KindLending, "fluid market on %s needs a resolver address", market.Chain)
		}
		resolver = fluidResolverAddress
	}
	if scope.Class != catalog.ClassHigh {
		return nil, nil
	}

	dex := common.HexToAddress(market.TokenAddress)
	vals, err := f.chain.Call(ctx, market.Chain, resolver, fluidResolver, "getDexCollateralReserves", dex)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	if len(vals) == 0 {
		return nil, terminalErr(domain.KindLending, "empty collateral reserves for %s", market.TokenAddress)
	}
	collateral := abi.ConvertType(vals[0], new(fluidCollateralReserves)).(*fluidCollateralReserves)

	vals, err = f.chain.Call(ctx, market.Chain, resolver, fluidResolver, "getDexDebtReserves", dex)
	if err != nil {
		return nil, wrapErr(domain.KindLending, err)
	}
	if len(vals) == 0 {
		return nil, terminalErr(domain.KindLending, "empty debt reserves for %s", market.TokenAddress)
	}
	debt := abi.ConvertType(vals[0], new(fluidDebtReserves)).(*fluidDebtReserves)

	util0 := sideUtilization(debt.Token0Debt, collateral.Token0RealReserves, debt.Token0RealReserves)
	util1 := sideUtilization(debt.Token1Debt, collateral.Token1RealReserves, debt.Token1RealReserves)
	utilization := util0
	if util1 > utilization {
		utilization = util1
	}

	sample := newSample(asset.Symbol, catalog.UtilizationRate, utilization, market.Chain, f.now(), map[string]interface{}{
		"protocol":    string(domain.LendingFluid),
		"market":      marketLabel(market),
		"util_token0": util0,
		"util_token1": util1,
	})
	return []persistence.MetricSample{sample}, nil
}

// sideUtilization relates one token's borrowed amount to everything
// supplied on that side. Decimals cancel within a side.
func sideUtilization(borrowed, collateralReal, debtReal *big.Int) float64 {
	b := bigToFloat(borrowed)
	total := bigToFloat(collateralReal) + bigToFloat(debtReal) + b
	if total <= 0 {
		return 0
	}
	return b / total * 100
}

func resolveUnderlying(market domain.LendingMarket, cfg *domain.AssetConfig) string {
	if market.TokenAddress != "" {
		return market.TokenAddress
	}
	return cfg.TokenAddresses[market.Chain]
}

func firstBig(vals []interface{}) (*big.Int, bool) {
	if len(vals) == 0 {
		return nil, false
	}
	v, ok := vals[0].(*big.Int)
	return v, ok
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
