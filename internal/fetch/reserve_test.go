package fetch

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/datasources/evm"
	"github.com/vaultline/riskwatch/internal/domain"
)

const cbbtcToken = "0xcbb7c0000ab88b473b1f5afd9ef808440eed33bf"

func newReserveUnderTest(chain *fakeChain, pages *fakePages) *ReserveFetcher {
	f := NewReserveFetcher(chain, pages)
	f.now = fixedNow
	return f
}

func TestReserveFetcher_ChainlinkPoR(t *testing.T) {
	chain := &fakeChain{
		rounds: map[string]evm.RoundData{
			readKey("ethereum", "0xpor0000000000000000000000000000000000001"): {
				Answer: decimal.NewFromFloat(1002.5), UpdatedAt: testClock,
			},
		},
		supplies: map[string]decimal.Decimal{
			readKey("ethereum", cbbtcToken): decimal.NewFromInt(600),
			readKey("base", cbbtcToken):     decimal.NewFromInt(400),
		},
	}
	f := newReserveUnderTest(chain, &fakePages{})

	samples, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{Index: -1, Label: "chainlink_por"})
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.Equal(t, catalog.PorRatio, s.MetricName)
	assert.InDelta(t, 1.0025, s.Value, 1e-9)
	assert.Equal(t, "ethereum", s.Chain)
	assert.Equal(t, "chainlink_por", s.Metadata["kind"])
	assert.InDelta(t, 1002.5, s.Metadata["total_reserves"].(float64), 1e-9)
	assert.InDelta(t, 1000.0, s.Metadata["total_supply"].(float64), 1e-9)
	assert.Equal(t, 1, s.Metadata["feeds_read"])
}

func TestReserveFetcher_ChainlinkZeroSupplyIsTerminal(t *testing.T) {
	chain := &fakeChain{
		rounds: map[string]evm.RoundData{
			readKey("ethereum", "0xpor0000000000000000000000000000000000001"): {
				Answer: decimal.NewFromFloat(1002.5), UpdatedAt: testClock,
			},
		},
		supplies: map[string]decimal.Decimal{
			readKey("ethereum", cbbtcToken): decimal.Zero,
			readKey("base", cbbtcToken):     decimal.Zero,
		},
	}
	f := newReserveUnderTest(chain, &fakePages{})

	_, err := f.Fetch(context.Background(), testAsset(fullConfig()), Scope{Index: -1, Label: "chainlink_por"})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}

func TestReserveFetcher_LiquidStaking(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:        domain.PoRLiquidStaking,
		StakedToken: "0x5taked00000000000000000000000000000000001",
	}
	chain := &fakeChain{
		balances: map[string]decimal.Decimal{
			readKey("ethereum", cfg.ProofOfReserve.StakedToken, cbbtcToken): decimal.NewFromInt(115500),
		},
		supplies: map[string]decimal.Decimal{
			readKey("ethereum", cbbtcToken): decimal.NewFromInt(110000),
		},
	}
	f := newReserveUnderTest(chain, &fakePages{})

	samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "liquid_staking"})
	require.NoError(t, err)
	require.Len(t, samples, 1)

	s := samples[0]
	assert.InDelta(t, 1.05, s.Value, 1e-9)
	assert.Equal(t, "ethereum", s.Chain)
	assert.Equal(t, "liquid_staking", s.Metadata["kind"])
	assert.InDelta(t, 115500.0, s.Metadata["staked_held"].(float64), 1e-9)
}

func TestReserveFetcher_FractionalUsesDocumentSupply(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:          domain.PoRFractional,
		BackingSource: "https://issuer.example/attestation.json",
	}
	pages := &fakePages{body: []byte(`{"total_reserves": 105.5, "total_supply": 100}`)}
	f := newReserveUnderTest(&fakeChain{}, pages)

	samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "fractional"})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 1.055, samples[0].Value, 1e-9)
	assert.Empty(t, samples[0].Chain)
	assert.Equal(t, []string{"https://issuer.example/attestation.json"}, pages.urls)
}

func TestReserveFetcher_FractionalFallsBackToChainSupply(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:          domain.PoRFractional,
		BackingSource: "https://issuer.example/attestation.json",
	}
	chain := &fakeChain{supplies: map[string]decimal.Decimal{
		readKey("ethereum", cbbtcToken): decimal.NewFromInt(30),
		readKey("base", cbbtcToken):     decimal.NewFromInt(10),
	}}
	pages := &fakePages{body: []byte(`{"total_reserves": 50}`)}
	f := newReserveUnderTest(chain, pages)

	samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "fractional"})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 1.25, samples[0].Value, 1e-9)
}

func TestReserveFetcher_FractionalRejectsBadJSON(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:          domain.PoRFractional,
		BackingSource: "https://issuer.example/attestation.json",
	}
	f := newReserveUnderTest(&fakeChain{}, &fakePages{body: []byte(`<html>maintenance</html>`)})

	_, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "fractional"})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}

func TestReserveFetcher_NAVBased(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:   domain.PoRNAVBased,
		Oracle: "0x0rac1e00000000000000000000000000000000001",
	}
	chain := &fakeChain{rounds: map[string]evm.RoundData{
		readKey("ethereum", cfg.ProofOfReserve.Oracle): {
			Answer: decimal.NewFromFloat(1.0022), UpdatedAt: testClock,
		},
	}}
	f := newReserveUnderTest(chain, &fakePages{})

	samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "nav_based"})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 1.0022, samples[0].Value, 1e-9)
	assert.Equal(t, "nav_based", samples[0].Metadata["kind"])
}

func TestReserveFetcher_Scraper(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		parser string
		want   float64
	}{
		{"percent_styled", `Collateralization Ratio: <b>105.22%</b>`, `Collateralization Ratio: <b>([\d.,]+%)`, 1.0522},
		{"plain_ratio", `backing ratio 1.04 as of today`, `backing ratio ([\d.]+)`, 1.04},
		{"percent_without_sign", `ratio value 105.22`, `ratio value ([\d.]+)`, 1.0522},
		{"thousands_separator", `Reserves held: 1,052.2% of supply`, `Reserves held: ([\d.,]+)%`, 10.522},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := fullConfig()
			cfg.ProofOfReserve = &domain.ProofOfReserve{
				Kind:   domain.PoRScraper,
				URL:    "https://issuer.example/transparency",
				Parser: tc.parser,
			}
			f := newReserveUnderTest(&fakeChain{}, &fakePages{body: []byte(tc.body)})

			samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "scraper"})
			require.NoError(t, err)
			require.Len(t, samples, 1)
			assert.InDelta(t, tc.want, samples[0].Value, 1e-9)
		})
	}
}

func TestReserveFetcher_ScraperNoMatchIsTerminal(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = &domain.ProofOfReserve{
		Kind:   domain.PoRScraper,
		URL:    "https://issuer.example/transparency",
		Parser: `Collateralization: ([\d.]+)`,
	}
	f := newReserveUnderTest(&fakeChain{}, &fakePages{body: []byte(`nothing useful here`)})

	_, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1, Label: "scraper"})
	require.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}

func TestReserveFetcher_MissingSection(t *testing.T) {
	cfg := fullConfig()
	cfg.ProofOfReserve = nil
	f := newReserveUnderTest(&fakeChain{}, &fakePages{})

	samples, err := f.Fetch(context.Background(), testAsset(cfg), Scope{Index: -1})
	assert.NoError(t, err)
	assert.Nil(t, samples)
}
