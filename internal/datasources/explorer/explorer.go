// Package explorer reads token holder lists from Blockscout-compatible
// chain explorers. Holder pages are walked until the requested depth or
// the end of the list, whichever comes first.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

// DefaultDepth bounds how many holders a distribution read walks.
const DefaultDepth = 200

// Holder is one address and its balance in whole tokens.
type Holder struct {
	Address string
	Balance float64
}

// Client resolves holder lists per chain.
type Client struct {
	http   *httpx.Client
	bases  map[domain.Chain]string
	apiKey string
}

// New takes chain-name keyed explorer base URLs.
func New(http *httpx.Client, bases map[string]string, apiKey string) *Client {
	byChain := make(map[domain.Chain]string, len(bases))
	for name, base := range bases {
		chain := domain.Chain(name)
		if chain.Valid() && base != "" {
			byChain[chain] = strings.TrimRight(base, "/")
		}
	}
	return &Client{http: http, bases: byChain, apiKey: apiKey}
}

// Supported reports whether an explorer is configured for chain.
func (c *Client) Supported(chain domain.Chain) bool {
	_, ok := c.bases[chain]
	return ok
}

type holdersPage struct {
	Items []struct {
		Address struct {
			Hash string `json:"hash"`
		} `json:"address"`
		Value json.Number `json:"value"`
	} `json:"items"`
	NextPageParams map[string]interface{} `json:"next_page_params"`
}

// TopHolders returns up to max holders of token sorted by balance
// descending. Balances are scaled from atomic units by decimals.
func (c *Client) TopHolders(ctx context.Context, chain domain.Chain, token string, decimals, max int) ([]Holder, error) {
	base, ok := c.bases[chain]
	if !ok {
		return nil, fmt.Errorf("no explorer configured for chain %s", chain)
	}
	if max <= 0 {
		max = DefaultDepth
	}

	endpoint := fmt.Sprintf("%s/api/v2/tokens/%s/holders", base, url.PathEscape(token))
	holders := make([]Holder, 0, max)

	for endpoint != "" && len(holders) < max {
		var page holdersPage
		if err := c.http.GetJSON(ctx, endpoint, &page, c.options()...); err != nil {
			return nil, err
		}
		if len(page.Items) == 0 {
			break
		}

		for _, item := range page.Items {
			balance, err := scaleAtomic(item.Value.String(), decimals)
			if err != nil {
				continue
			}
			holders = append(holders, Holder{Address: strings.ToLower(item.Address.Hash), Balance: balance})
		}

		endpoint = nextPageURL(base, token, page.NextPageParams)
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].Balance > holders[j].Balance })
	if len(holders) > max {
		holders = holders[:max]
	}
	return holders, nil
}

func nextPageURL(base, token string, params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	values := url.Values{}
	for key, value := range params {
		switch v := value.(type) {
		case string:
			values.Set(key, v)
		case float64:
			values.Set(key, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			values.Set(key, fmt.Sprint(v))
		}
	}
	return fmt.Sprintf("%s/api/v2/tokens/%s/holders?%s", base, url.PathEscape(token), values.Encode())
}

func scaleAtomic(value string, decimals int) (float64, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return 0, err
	}
	return amount.Shift(int32(-decimals)).InexactFloat64(), nil
}

func (c *Client) options() []httpx.RequestOption {
	if c.apiKey == "" {
		return nil
	}
	return []httpx.RequestOption{httpx.WithHeader("Authorization", "Bearer "+c.apiKey)}
}
