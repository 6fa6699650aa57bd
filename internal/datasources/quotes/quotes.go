// Package quotes cross-checks swap quotes across five DEX aggregators.
// Each aggregator is queried for the same sell, and the spread against
// the best quote becomes the slippage estimate.
package quotes

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

var chainIDs = map[domain.Chain]int64{
	domain.ChainEthereum: 1,
	domain.ChainBase:     8453,
	domain.ChainArbitrum: 42161,
	domain.ChainOptimism: 10,
	domain.ChainPolygon:  137,
}

var cowNetworks = map[domain.Chain]string{
	domain.ChainEthereum: "mainnet",
	domain.ChainBase:     "base",
	domain.ChainArbitrum: "arbitrum_one",
}

// Native USDC per chain, used as the quote side of slippage checks.
var usdcAddresses = map[domain.Chain]string{
	domain.ChainEthereum: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
	domain.ChainBase:     "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
	domain.ChainArbitrum: "0xaf88d065e77c8cc2239327c5edb3a432268e5831",
	domain.ChainOptimism: "0x0b2c639c533813f4aa9d7837caecdcea3fc5701c",
	domain.ChainPolygon:  "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359",
}

// USDCAddress returns the chain's canonical USDC contract.
func USDCAddress(chain domain.Chain) (string, bool) {
	addr, ok := usdcAddresses[chain]
	return addr, ok
}

// Request is one sell to price across aggregators.
type Request struct {
	Chain      domain.Chain
	SellToken  string
	BuyToken   string
	SellAmount *big.Int
}

// Quote is one aggregator's answer.
type Quote struct {
	Aggregator string
	BuyAmount  *big.Int
}

// Client fans a request out to every reachable aggregator.
type Client struct {
	http       *httpx.Client
	oneInchKey string
	zeroExKey  string

	cowBase     string
	oneInchBase string
	zeroExBase  string
	kyberBase   string
	odosBase    string
}

// New builds a client. Aggregators whose API key is missing are skipped.
func New(http *httpx.Client, oneInchKey, zeroExKey string) *Client {
	return &Client{
		http:        http,
		oneInchKey:  oneInchKey,
		zeroExKey:   zeroExKey,
		cowBase:     "https://api.cow.fi",
		oneInchBase: "https://api.1inch.dev",
		zeroExBase:  "https://api.0x.org",
		kyberBase:   "https://aggregator-api.kyberswap.com",
		odosBase:    "https://api.odos.xyz",
	}
}

// Collect queries all aggregators concurrently and returns the successful
// quotes sorted by aggregator name. Individual failures are logged and
// dropped; an empty result means no venue answered.
func (c *Client) Collect(ctx context.Context, req Request) []Quote {
	type venue struct {
		name  string
		fetch func(context.Context, Request) (*big.Int, error)
	}
	venues := []venue{
		{name: "CowSwap", fetch: c.cowswap},
		{name: "1inch", fetch: c.oneInch},
		{name: "0x", fetch: c.zeroEx},
		{name: "KyberSwap", fetch: c.kyber},
		{name: "Odos", fetch: c.odos},
	}

	results := make(chan Quote, len(venues))
	var wg sync.WaitGroup
	for _, v := range venues {
		wg.Add(1)
		go func(v venue) {
			defer wg.Done()
			amount, err := v.fetch(ctx, req)
			if err != nil {
				log.Debug().Err(err).
					Str("aggregator", v.name).
					Str("chain", string(req.Chain)).
					Msg("quote unavailable")
				return
			}
			if amount == nil || amount.Sign() <= 0 {
				return
			}
			results <- Quote{Aggregator: v.name, BuyAmount: amount}
		}(v)
	}
	wg.Wait()
	close(results)

	var quotes []Quote
	for quote := range results {
		quotes = append(quotes, quote)
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Aggregator < quotes[j].Aggregator })
	return quotes
}

func (c *Client) cowswap(ctx context.Context, req Request) (*big.Int, error) {
	network, ok := cowNetworks[req.Chain]
	if !ok {
		return nil, fmt.Errorf("cowswap does not serve %s", req.Chain)
	}

	payload := map[string]interface{}{
		"sellToken":           req.SellToken,
		"buyToken":            req.BuyToken,
		"sellAmountBeforeFee": req.SellAmount.String(),
		"kind":                "sell",
		"from":                "0x0000000000000000000000000000000000000001",
		"priceQuality":        "verified",
	}
	var out struct {
		Quote struct {
			BuyAmount string `json:"buyAmount"`
		} `json:"quote"`
	}
	endpoint := fmt.Sprintf("%s/%s/api/v1/quote", c.cowBase, network)
	if err := c.http.PostJSON(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.Quote.BuyAmount)
}

func (c *Client) oneInch(ctx context.Context, req Request) (*big.Int, error) {
	if c.oneInchKey == "" {
		return nil, fmt.Errorf("1inch api key not configured")
	}
	chainID, ok := chainIDs[req.Chain]
	if !ok {
		return nil, fmt.Errorf("1inch does not serve %s", req.Chain)
	}

	endpoint := fmt.Sprintf("%s/swap/v6.0/%d/quote?src=%s&dst=%s&amount=%s",
		c.oneInchBase, chainID,
		url.QueryEscape(req.SellToken), url.QueryEscape(req.BuyToken), req.SellAmount.String())

	var out struct {
		DstAmount string `json:"dstAmount"`
	}
	err := c.http.GetJSON(ctx, endpoint, &out,
		httpx.WithoutCache(), httpx.WithHeader("Authorization", "Bearer "+c.oneInchKey))
	if err != nil {
		return nil, err
	}
	return parseAmount(out.DstAmount)
}

func (c *Client) zeroEx(ctx context.Context, req Request) (*big.Int, error) {
	if c.zeroExKey == "" {
		return nil, fmt.Errorf("0x api key not configured")
	}
	chainID, ok := chainIDs[req.Chain]
	if !ok {
		return nil, fmt.Errorf("0x does not serve %s", req.Chain)
	}

	endpoint := fmt.Sprintf("%s/swap/permit2/quote?chainId=%d&sellToken=%s&buyToken=%s&sellAmount=%s&taker=%s",
		c.zeroExBase, chainID,
		url.QueryEscape(req.SellToken), url.QueryEscape(req.BuyToken), req.SellAmount.String(),
		"0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")

	var out struct {
		BuyAmount string `json:"buyAmount"`
	}
	err := c.http.GetJSON(ctx, endpoint, &out,
		httpx.WithoutCache(),
		httpx.WithHeader("0x-api-key", c.zeroExKey),
		httpx.WithHeader("0x-version", "v2"))
	if err != nil {
		return nil, err
	}
	return parseAmount(out.BuyAmount)
}

func (c *Client) kyber(ctx context.Context, req Request) (*big.Int, error) {
	endpoint := fmt.Sprintf("%s/%s/api/v1/routes?tokenIn=%s&tokenOut=%s&amountIn=%s",
		c.kyberBase, req.Chain,
		url.QueryEscape(req.SellToken), url.QueryEscape(req.BuyToken), req.SellAmount.String())

	var out struct {
		Data struct {
			RouteSummary struct {
				AmountOut string `json:"amountOut"`
			} `json:"routeSummary"`
		} `json:"data"`
	}
	if err := c.http.GetJSON(ctx, endpoint, &out, httpx.WithoutCache()); err != nil {
		return nil, err
	}
	return parseAmount(out.Data.RouteSummary.AmountOut)
}

func (c *Client) odos(ctx context.Context, req Request) (*big.Int, error) {
	chainID, ok := chainIDs[req.Chain]
	if !ok {
		return nil, fmt.Errorf("odos does not serve %s", req.Chain)
	}

	payload := map[string]interface{}{
		"chainId": chainID,
		"inputTokens": []map[string]string{
			{"tokenAddress": req.SellToken, "amount": req.SellAmount.String()},
		},
		"outputTokens": []map[string]interface{}{
			{"tokenAddress": req.BuyToken, "proportion": 1},
		},
		"userAddr": "0x0000000000000000000000000000000000000001",
	}
	var out struct {
		OutAmounts []string `json:"outAmounts"`
	}
	endpoint := c.odosBase + "/sor/quote/v2"
	if err := c.http.PostJSON(ctx, endpoint, payload, &out); err != nil {
		return nil, err
	}
	if len(out.OutAmounts) == 0 {
		return nil, fmt.Errorf("odos returned no amounts")
	}
	return parseAmount(out.OutAmounts[0])
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty amount")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", raw)
	}
	return amount, nil
}
