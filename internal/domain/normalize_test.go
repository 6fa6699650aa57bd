package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigCanonicalForm(t *testing.T) {
	raw := []byte(`{
		"token_addresses": {"ethereum": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"},
		"dex_pools": [
			{"protocol": "uniswap_v3", "chain": "ethereum", "pool_address": "0x99ac8cA7087fA4A2A1FB6357269965A2014ABc35", "pool_name": "wbtc_usdc"}
		],
		"price_feeds": [
			{"chain": "ethereum", "address": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c", "name": "BTC/USD"}
		],
		"governance": {
			"roles": [{"role_name": "owner", "authority_kind": "multisig", "threshold": 4, "signer_count": 7}]
		}
	}`)

	cfg, err := ParseConfig(raw)
	require.NoError(t, err)

	// EVM addresses normalize to lowercase.
	assert.Equal(t, "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599", cfg.TokenAddresses[ChainEthereum])
	assert.Equal(t, "0x99ac8ca7087fa4a2a1fb6357269965a2014abc35", cfg.DexPools[0].PoolAddress)

	// Unset role weight defaults.
	assert.Equal(t, float64(DefaultRoleWeight), cfg.Governance.Roles[0].RoleWeight)
}

func TestParseConfigLegacyForms(t *testing.T) {
	raw := []byte(`{
		"token_addresses": [
			{"chain": "ethereum", "address": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"},
			{"chain": "base", "address": "0x0555E30da8f98308EdB960aa94C0Db47230d2B9c"}
		],
		"lending_configs": {
			"aave_v3": {"chain": "ethereum", "pool": "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2", "token_address": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"},
			"compound_v3": {"chain": "ethereum", "comet": "0xc3d688B66703497DAA19211EEdff47f25384cdc3"}
		},
		"dex_pools": {
			"wbtc_usdc": {"protocol": "uniswap_v3", "chain": "ethereum", "pool_address": "0x99ac8cA7087fA4A2A1FB6357269965A2014ABc35"}
		},
		"price_feeds": {
			"BTC/USD": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c",
			"WBTC/BTC": {"chain": "ethereum", "address": "0xfdFD9C85aD200c506Cf9e21F1FD8dd01932FBB23"}
		}
	}`)

	cfg, err := ParseConfig(raw)
	require.NoError(t, err)

	assert.Len(t, cfg.TokenAddresses, 2)
	assert.Contains(t, cfg.TokenAddresses, ChainBase)

	// Object-form lending configs fold the key into the protocol, sorted.
	require.Len(t, cfg.LendingConfigs, 2)
	assert.Equal(t, LendingAaveV3, cfg.LendingConfigs[0].Protocol)
	assert.Equal(t, LendingCompoundV3, cfg.LendingConfigs[1].Protocol)

	require.Len(t, cfg.DexPools, 1)
	assert.Equal(t, "wbtc_usdc", cfg.DexPools[0].PoolName)

	require.Len(t, cfg.PriceFeeds, 2)
	assert.Equal(t, "BTC/USD", cfg.PriceFeeds[0].Name)
	assert.Equal(t, ChainEthereum, cfg.PriceFeeds[0].Chain)
	assert.Equal(t, "0xf4030086522a5beea4988f8ca5b36dbc97bee88c", cfg.PriceFeeds[0].Address)
	assert.Equal(t, "WBTC/BTC", cfg.PriceFeeds[1].Name)
}

func TestParseConfigRoundTripStaysCanonical(t *testing.T) {
	legacy := []byte(`{
		"token_addresses": [{"chain": "ethereum", "address": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"}],
		"price_feeds": {"BTC/USD": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c"}
	}`)

	cfg, err := ParseConfig(legacy)
	require.NoError(t, err)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)

	again, err := ParseConfig(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	// Canonical shape is object for addresses, array for feeds.
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &shape))
	assert.Equal(t, byte('{'), shape["token_addresses"][0])
	assert.Equal(t, byte('['), shape["price_feeds"][0])
}

func TestParseConfigMalformed(t *testing.T) {
	_, err := ParseConfig([]byte(`{"token_addresses": 42}`))
	require.Error(t, err)
	var ci *ConfigInvalid
	require.ErrorAs(t, err, &ci)
	assert.Equal(t, "(document)", ci.Path)
}

func TestHasSection(t *testing.T) {
	cfg := &AssetConfig{
		TokenAddresses: ChainAddresses{ChainEthereum: "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599"},
		PriceRisk:      &PriceRisk{TokenPriceID: "wrapped-bitcoin", UnderlyingPriceID: "bitcoin"},
	}

	assert.True(t, cfg.HasSection(KindDistribution))
	assert.True(t, cfg.HasSection(KindMarket))
	assert.False(t, cfg.HasSection(KindOracle))
	assert.False(t, cfg.HasSection(KindReserve))
	assert.False(t, cfg.HasSection(KindLiquidity))
	assert.False(t, cfg.HasSection(KindLending))
}
