package fetch

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/datasources/evm"
	"github.com/vaultline/riskwatch/internal/datasources/explorer"
	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/datasources/pools"
	"github.com/vaultline/riskwatch/internal/datasources/prices"
	"github.com/vaultline/riskwatch/internal/datasources/quotes"
	"github.com/vaultline/riskwatch/internal/domain"
)

// ChainReader reads contract state from configured RPC endpoints.
// Implemented by evm.Reader.
type ChainReader interface {
	LatestRound(ctx context.Context, chain domain.Chain, feed string) (evm.RoundData, error)
	TotalSupply(ctx context.Context, chain domain.Chain, token string) (decimal.Decimal, error)
	BalanceOf(ctx context.Context, chain domain.Chain, token, holder string) (decimal.Decimal, error)
	Call(ctx context.Context, chain domain.Chain, contract string, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error)
	Aggregate(ctx context.Context, chain domain.Chain, requests []evm.MulticallRequest) ([][]byte, error)
}

// PriceSource serves spot and historical USD prices keyed by listing ID.
// Implemented by prices.Client.
type PriceSource interface {
	Spot(ctx context.Context, ids ...string) (map[string]float64, error)
	History(ctx context.Context, coinID string, days int) ([]prices.PricePoint, error)
}

// HolderSource lists top token holders through a block explorer.
// Implemented by explorer.Client.
type HolderSource interface {
	Supported(chain domain.Chain) bool
	TopHolders(ctx context.Context, chain domain.Chain, token string, decimals, max int) ([]explorer.Holder, error)
}

// PoolGraph reads DEX pool state from subgraph deployments.
// Implemented by pools.GraphClient.
type PoolGraph interface {
	PoolStats(ctx context.Context, subgraphID, pool string) (*pools.PoolStats, error)
	Positions(ctx context.Context, subgraphID, pool string) ([]pools.LPPosition, error)
}

// CurveRegistry locates Curve pools in the public registry API.
// Implemented by pools.CurveClient.
type CurveRegistry interface {
	FindPool(ctx context.Context, chain domain.Chain, poolAddress string) (*pools.CurvePool, error)
}

// QuoteSource fans a sell quote out to DEX aggregators.
// Implemented by quotes.Client.
type QuoteSource interface {
	Collect(ctx context.Context, req quotes.Request) []quotes.Quote
}

// PageSource fetches raw documents for backing sources and scraped
// reserve dashboards. Implemented by httpx.Client.
type PageSource interface {
	Get(ctx context.Context, url string, opts ...httpx.RequestOption) ([]byte, error)
}
