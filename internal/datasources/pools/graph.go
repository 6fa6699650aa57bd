// Package pools reads DEX pool composition from The Graph gateway and
// the Curve pools API.
package pools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

const (
	positionsPageSize = 1000
	maxPositionPages  = 5
)

// Default Uniswap V3 subgraph deployments per chain. Pools on other
// protocols or custom deployments set subgraph_id in their pool config.
var uniswapV3Subgraphs = map[domain.Chain]string{
	domain.ChainEthereum: "5zvR82QoaXYFyDEKLZ9t6v9adgnptxYpKpSbxtgVENFV",
	domain.ChainBase:     "43Hwfi3dJSoGpyas9VwNoDAv55yjgGrPpNSmbQZArzMG",
	domain.ChainArbitrum: "FbCGRftH4a3yZugY7TnbYgPJVEv2LvMT6oF1fxPe9aJM",
}

// UniswapV3SubgraphID returns the default subgraph for chain.
func UniswapV3SubgraphID(chain domain.Chain) (string, bool) {
	id, ok := uniswapV3Subgraphs[chain]
	return id, ok
}

// PoolStats is the headline state of one DEX pool.
type PoolStats struct {
	Pair       string
	FeeTierPct float64
	TVLUSD     float64
}

// LPPosition is one open liquidity position.
type LPPosition struct {
	Owner     string
	Liquidity float64
}

// GraphClient queries subgraphs through The Graph gateway.
type GraphClient struct {
	http    *httpx.Client
	gateway string
	apiKey  string
}

// NewGraph builds a gateway client.
func NewGraph(http *httpx.Client, gateway, apiKey string) *GraphClient {
	return &GraphClient{
		http:    http,
		gateway: strings.TrimRight(gateway, "/"),
		apiKey:  apiKey,
	}
}

// PoolStats reads TVL and pair info for one pool.
func (g *GraphClient) PoolStats(ctx context.Context, subgraphID, pool string) (*PoolStats, error) {
	query := fmt.Sprintf(`{
  pool(id: %q) {
    token0 { symbol }
    token1 { symbol }
    totalValueLockedUSD
    feeTier
  }
}`, strings.ToLower(pool))

	var payload struct {
		Pool *struct {
			Token0              struct{ Symbol string } `json:"token0"`
			Token1              struct{ Symbol string } `json:"token1"`
			TotalValueLockedUSD string                  `json:"totalValueLockedUSD"`
			FeeTier             string                  `json:"feeTier"`
		} `json:"pool"`
	}
	if err := g.query(ctx, subgraphID, query, &payload); err != nil {
		return nil, err
	}
	if payload.Pool == nil {
		return nil, fmt.Errorf("pool %s not found in subgraph %s", pool, subgraphID)
	}

	tvl, _ := strconv.ParseFloat(payload.Pool.TotalValueLockedUSD, 64)
	feeTier, _ := strconv.ParseFloat(payload.Pool.FeeTier, 64)
	return &PoolStats{
		Pair:       payload.Pool.Token0.Symbol + "/" + payload.Pool.Token1.Symbol,
		FeeTierPct: feeTier / 10000,
		TVLUSD:     tvl,
	}, nil
}

// Positions pages through the pool's open positions. The walk stops after
// maxPositionPages to bound worst-case pools.
func (g *GraphClient) Positions(ctx context.Context, subgraphID, pool string) ([]LPPosition, error) {
	var all []LPPosition
	for page := 0; page < maxPositionPages; page++ {
		query := fmt.Sprintf(`{
  positions(first: %d, skip: %d, where: {pool: %q, liquidity_gt: "0"}) {
    owner
    liquidity
  }
}`, positionsPageSize, page*positionsPageSize, strings.ToLower(pool))

		var payload struct {
			Positions []struct {
				Owner     string `json:"owner"`
				Liquidity string `json:"liquidity"`
			} `json:"positions"`
		}
		if err := g.query(ctx, subgraphID, query, &payload); err != nil {
			return nil, err
		}
		if len(payload.Positions) == 0 {
			break
		}

		for _, position := range payload.Positions {
			liquidity, err := strconv.ParseFloat(position.Liquidity, 64)
			if err != nil || liquidity <= 0 {
				continue
			}
			all = append(all, LPPosition{Owner: strings.ToLower(position.Owner), Liquidity: liquidity})
		}
		if len(payload.Positions) < positionsPageSize {
			break
		}
	}
	return all, nil
}

func (g *GraphClient) query(ctx context.Context, subgraphID, query string, out interface{}) error {
	if g.apiKey == "" {
		return fmt.Errorf("subgraph api key not configured")
	}
	endpoint := fmt.Sprintf("%s/%s/subgraphs/id/%s", g.gateway, g.apiKey, subgraphID)

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	payload := map[string]string{"query": query}
	if err := g.http.PostJSON(ctx, endpoint, payload, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("subgraph query failed: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("subgraph returned no data")
	}
	return json.Unmarshal(envelope.Data, out)
}
