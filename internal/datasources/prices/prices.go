// Package prices reads spot and historical USD quotes from a
// CoinGecko-compatible API.
package prices

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
)

const (
	spotCacheTTL    = 30 * time.Second
	historyCacheTTL = time.Hour
)

// Client talks to one prices API instance.
type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

// New builds a client. apiKey may be empty for the public tier.
func New(http *httpx.Client, baseURL, apiKey string) *Client {
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// PricePoint is one historical observation.
type PricePoint struct {
	Time  time.Time
	Price float64
}

// History returns up to days of daily USD prices for coinID, oldest first.
func (c *Client) History(ctx context.Context, coinID string, days int) ([]PricePoint, error) {
	endpoint := fmt.Sprintf("%s/coins/%s/market_chart?vs_currency=usd&days=%d&interval=daily",
		c.baseURL, url.PathEscape(coinID), days)

	var payload struct {
		Prices [][]float64 `json:"prices"`
	}
	if err := c.http.GetJSON(ctx, endpoint, &payload, c.options(httpx.WithCacheTTL(historyCacheTTL))...); err != nil {
		return nil, err
	}
	if len(payload.Prices) == 0 {
		return nil, fmt.Errorf("no price history for %q", coinID)
	}

	points := make([]PricePoint, 0, len(payload.Prices))
	for _, pair := range payload.Prices {
		if len(pair) != 2 {
			continue
		}
		points = append(points, PricePoint{
			Time:  time.UnixMilli(int64(pair[0])).UTC(),
			Price: pair[1],
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

// Spot returns current USD prices keyed by coin id. Ids unknown upstream
// are absent from the result.
func (c *Client) Spot(ctx context.Context, ids ...string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(strings.Join(ids, ",")))

	var payload map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := c.http.GetJSON(ctx, endpoint, &payload, c.options(httpx.WithCacheTTL(spotCacheTTL))...); err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(payload))
	for id, quote := range payload {
		out[id] = quote.USD
	}
	return out, nil
}

func (c *Client) options(extra ...httpx.RequestOption) []httpx.RequestOption {
	opts := extra
	if c.apiKey != "" {
		opts = append(opts, httpx.WithHeader("x-cg-demo-api-key", c.apiKey))
	}
	return opts
}
