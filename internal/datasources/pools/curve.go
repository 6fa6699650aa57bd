package pools

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaultline/riskwatch/internal/datasources/httpx"
	"github.com/vaultline/riskwatch/internal/domain"
)

// Registry endpoints are tried in order until the pool turns up.
var curvePoolTypes = []string{"factory-stable-ng", "factory-crypto", "main"}

// CurvePool is the registry view of one Curve pool.
type CurvePool struct {
	Name    string
	TVLUSD  float64
	LPToken string
}

// CurveClient reads the public Curve pools API.
type CurveClient struct {
	http    *httpx.Client
	baseURL string
}

// NewCurve builds a client against the given API base.
func NewCurve(http *httpx.Client, baseURL string) *CurveClient {
	return &CurveClient{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

type curvePoolsPayload struct {
	Data struct {
		PoolData []struct {
			Address        string  `json:"address"`
			Name           string  `json:"name"`
			USDTotal       float64 `json:"usdTotal"`
			LPTokenAddress string  `json:"lpTokenAddress"`
		} `json:"poolData"`
	} `json:"data"`
}

// FindPool locates poolAddress in the chain's registries.
func (c *CurveClient) FindPool(ctx context.Context, chain domain.Chain, poolAddress string) (*CurvePool, error) {
	needle := strings.ToLower(poolAddress)
	var lastErr error

	for _, poolType := range curvePoolTypes {
		endpoint := fmt.Sprintf("%s/getPools/%s/%s", c.baseURL, chain, poolType)

		var payload curvePoolsPayload
		if err := c.http.GetJSON(ctx, endpoint, &payload); err != nil {
			lastErr = err
			continue
		}
		for _, pool := range payload.Data.PoolData {
			if strings.ToLower(pool.Address) == needle {
				return &CurvePool{
					Name:    pool.Name,
					TVLUSD:  pool.USDTotal,
					LPToken: strings.ToLower(pool.LPTokenAddress),
				}, nil
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("pool %s not found in curve registries for %s", poolAddress, chain)
}
