package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/domain"
)

func TestThresholdRule_Scope(t *testing.T) {
	tests := []struct {
		name   string
		rule   ThresholdRule
		global bool
	}{
		{
			name: "global_rule",
			rule: ThresholdRule{
				MetricName:     "por_ratio",
				Operator:       domain.OpLT,
				ThresholdValue: 1.0,
				Severity:       domain.SeverityCritical,
			},
			global: true,
		},
		{
			name: "asset_scoped_rule",
			rule: ThresholdRule{
				AssetSymbol:    "WBTC",
				MetricName:     "peg_deviation_pct",
				Operator:       domain.OpGT,
				ThresholdValue: 2.0,
				Severity:       domain.SeverityWarning,
			},
			global: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.global, tt.rule.Global())
			assert.True(t, tt.rule.Operator.Valid())
			assert.True(t, tt.rule.Severity.Valid())
		})
	}
}

func TestAlert_Key(t *testing.T) {
	triggered := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	a := Alert{
		ID:             42,
		AssetSymbol:    "WBTC",
		MetricName:     "por_ratio",
		Value:          0.97,
		ThresholdValue: 1.0,
		Operator:       domain.OpLT,
		Severity:       domain.SeverityCritical,
		Message:        "WBTC por_ratio 0.9700 < 1.0000",
		TriggeredAt:    triggered,
	}
	b := a
	b.ID = 43
	b.Value = 0.96
	b.TriggeredAt = triggered.Add(time.Minute)

	// Observed value and trigger time do not change the suppression tuple.
	require.Equal(t, a.Key(), b.Key())

	c := a
	c.Severity = domain.SeverityWarning
	assert.NotEqual(t, a.Key(), c.Key())

	d := a
	d.ThresholdValue = 0.99
	assert.NotEqual(t, a.Key(), d.Key())
}

func TestAsset_ConfigDocument(t *testing.T) {
	asset := Asset{
		Symbol:     "WBTC",
		Name:       "Wrapped Bitcoin",
		Type:       domain.AssetWrapped,
		Underlying: "BTC",
		Decimals:   8,
		Enabled:    true,
		Config: &domain.AssetConfig{
			TokenAddresses: domain.ChainAddresses{
				domain.ChainEthereum: "0x2260fac5e5542a773aa44fbcfedf7c193bc2c599",
			},
		},
	}

	assert.True(t, asset.Type.Valid())
	require.NotNil(t, asset.Config)
	assert.True(t, asset.Config.HasSection(domain.KindDistribution))
	assert.False(t, asset.Config.HasSection(domain.KindReserve))
}
