package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vaultline/riskwatch/internal/domain"
)

func TestInterpolate(t *testing.T) {
	tests := []struct {
		name    string
		anchors []anchor
		x       float64
		want    float64
	}{
		{"exact_anchor_hit", maturityAnchors, 90, 50},
		{"midpoint_between_anchors", maturityAnchors, 60, 40},
		{"clamps_below_first_anchor", maturityAnchors, -10, 10},
		{"clamps_above_last_anchor", maturityAnchors, 5000, 100},
		{"descending_scores_midpoint", volatilityAnchors, 30, 90},
		{"descending_clamps_low_end", volatilityAnchors, 5, 100},
		{"descending_clamps_high_end", volatilityAnchors, 150, 20},
		{"uneven_spacing", hhiAnchors, 1250, 92.5},
		{"first_segment_fraction", timelockAnchors, 3, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, interpolate(tt.anchors, tt.x), 1e-9)
		})
	}
}

func TestPegScore_Bands(t *testing.T) {
	tests := []struct {
		name string
		dev  float64
		want float64
	}{
		{"tight_peg", 0.05, 100},
		{"negative_deviation_uses_abs", -0.05, 100},
		{"first_band_edge", 0.1, 90},
		{"half_percent", 0.5, 75},
		{"one_and_a_half", 1.5, 55},
		{"four_percent", 4.0, 30},
		{"deep_depeg", 12.0, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pegScore(tt.dev))
		})
	}
}

func TestReserveRatioScore(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  float64
	}{
		{"exactly_backed", 1.0, 95},
		{"small_surplus", 1.001, 95.1},
		{"surplus_bonus_capped", 1.2, 100},
		{"two_percent_shortfall", 0.98, 85},
		{"ten_percent_shortfall", 0.9, 45},
		{"deep_shortfall_floors_at_zero", 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, reserveRatioScore(tt.ratio), 1e-9)
		})
	}
}

func TestDAOSafeguardsScore(t *testing.T) {
	t.Run("nil_safeguards_score_base", func(t *testing.T) {
		assert.Equal(t, 50.0, daoSafeguardsScore(nil))
	})

	t.Run("each_safeguard_adds", func(t *testing.T) {
		assert.Equal(t, 65.0, daoSafeguardsScore(&domain.DAOSafeguards{HasVetoPower: true}))
		assert.Equal(t, 60.0, daoSafeguardsScore(&domain.DAOSafeguards{HasDualGovernance: true}))
		assert.Equal(t, 55.0, daoSafeguardsScore(&domain.DAOSafeguards{QuorumPct: 10}))
	})

	t.Run("quorum_below_ten_ignored", func(t *testing.T) {
		assert.Equal(t, 50.0, daoSafeguardsScore(&domain.DAOSafeguards{QuorumPct: 9.9}))
	})

	t.Run("capped_at_eighty", func(t *testing.T) {
		all := &domain.DAOSafeguards{HasVetoPower: true, HasDualGovernance: true, QuorumPct: 25}
		assert.Equal(t, 80.0, daoSafeguardsScore(all))
	})
}

func TestCustodyScore(t *testing.T) {
	assert.Equal(t, 100.0, custodyScore(domain.CustodyDecentralized))
	assert.Equal(t, 85.0, custodyScore(domain.CustodyRegulatedInsured))
	assert.Equal(t, 70.0, custodyScore(domain.CustodyRegulated))
	assert.Equal(t, 45.0, custodyScore(domain.CustodyUnregulated))
	assert.Equal(t, 20.0, custodyScore(domain.CustodyUnknown))
	assert.Equal(t, 20.0, custodyScore(domain.CustodyModel("")), "unrecognized model scores as unknown")
}

func TestBlacklistScore(t *testing.T) {
	assert.Equal(t, 100.0, blacklistScore(false, domain.BlacklistSingleEntity), "no blacklist beats any control model")
	assert.Equal(t, 100.0, blacklistScore(true, domain.BlacklistNone))
	assert.Equal(t, 75.0, blacklistScore(true, domain.BlacklistGovernance))
	assert.Equal(t, 55.0, blacklistScore(true, domain.BlacklistMultisig))
	assert.Equal(t, 30.0, blacklistScore(true, domain.BlacklistSingleEntity))
	assert.Equal(t, 30.0, blacklistScore(true, domain.BlacklistControl("")), "unrecognized control is conservative")
}
