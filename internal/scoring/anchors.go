package scoring

import (
	"math"

	"github.com/vaultline/riskwatch/internal/domain"
)

// anchor is one point of a piecewise-linear score mapping. Tables are
// declared in ascending x order; scores may run in either direction.
type anchor struct {
	x     float64
	score float64
}

var (
	maturityAnchors = []anchor{{0, 10}, {30, 30}, {90, 50}, {180, 70}, {365, 85}, {730, 100}}
	timelockAnchors = []anchor{{0, 30}, {6, 50}, {24, 70}, {48, 85}, {168, 100}}

	volatilityAnchors = []anchor{{20, 100}, {40, 80}, {60, 60}, {80, 40}, {100, 20}}
	var95Anchors      = []anchor{{3, 100}, {5, 85}, {8, 65}, {12, 45}, {15, 25}}

	slippage100kAnchors = []anchor{{0.1, 100}, {0.3, 90}, {0.5, 80}, {1.0, 65}, {2.0, 45}, {5.0, 20}}
	slippage500kAnchors = []anchor{{0.5, 100}, {1.0, 85}, {2.0, 65}, {5.0, 40}, {10.0, 15}}
	hhiAnchors          = []anchor{{1000, 100}, {1500, 85}, {2500, 65}, {4000, 45}, {6000, 25}, {10000, 5}}

	clrAnchors         = []anchor{{2, 100}, {5, 85}, {10, 65}, {20, 40}, {30, 20}}
	rlrAnchors         = []anchor{{5, 100}, {10, 80}, {20, 60}, {35, 40}, {50, 20}}
	utilizationAnchors = []anchor{{50, 100}, {70, 85}, {85, 65}, {95, 40}, {100, 15}}

	freshnessAnchors     = []anchor{{5, 100}, {30, 90}, {60, 75}, {180, 50}, {360, 25}, {720, 10}}
	crossChainLagAnchors = []anchor{{5, 100}, {15, 85}, {30, 70}, {60, 50}, {120, 30}}
)

// interpolate maps x through a piecewise-linear anchor table. Values
// outside the end anchors clamp to the end scores.
func interpolate(anchors []anchor, x float64) float64 {
	if x <= anchors[0].x {
		return anchors[0].score
	}
	last := anchors[len(anchors)-1]
	if x >= last.x {
		return last.score
	}
	for i := 1; i < len(anchors); i++ {
		lo, hi := anchors[i-1], anchors[i]
		if x <= hi.x {
			frac := (x - lo.x) / (hi.x - lo.x)
			return lo.score + frac*(hi.score-lo.score)
		}
	}
	return last.score
}

var custodyScores = map[domain.CustodyModel]float64{
	domain.CustodyDecentralized:    100,
	domain.CustodyRegulatedInsured: 85,
	domain.CustodyRegulated:        70,
	domain.CustodyUnregulated:      45,
	domain.CustodyUnknown:          20,
}

// custodyScore defaults to the unknown tier for unrecognized models.
func custodyScore(model domain.CustodyModel) float64 {
	if s, ok := custodyScores[model]; ok {
		return s
	}
	return custodyScores[domain.CustodyUnknown]
}

// blacklistScore rates who can freeze balances. No blacklist function at
// all is censorship resistant and scores best; a single-entity switch is
// the conservative default for unrecognized control values.
func blacklistScore(hasBlacklist bool, control domain.BlacklistControl) float64 {
	if !hasBlacklist {
		return 100
	}
	switch control {
	case domain.BlacklistNone:
		return 100
	case domain.BlacklistGovernance:
		return 75
	case domain.BlacklistMultisig:
		return 55
	default:
		return 30
	}
}

// pegScore is stepwise on the absolute deviation: peg quality degrades in
// bands, not linearly, and a sign flip means nothing for risk.
func pegScore(deviationPct float64) float64 {
	d := math.Abs(deviationPct)
	switch {
	case d < 0.1:
		return 100
	case d < 0.5:
		return 90
	case d < 1:
		return 75
	case d < 2:
		return 55
	case d < 5:
		return 30
	default:
		return 10
	}
}

// reserveRatioScore rewards full backing with a small bonus for surplus
// and punishes shortfalls steeply: every percent unbacked costs five
// points.
func reserveRatioScore(ratio float64) float64 {
	if ratio >= 1 {
		return 95 + math.Min(5, (ratio-1)*100)
	}
	return math.Max(0, 95-(1-ratio)*500)
}

// daoSafeguardsScore rates structural protections of a DAO-held role.
// Capped below the best multisig tiers: token voting stays exposed to a
// 51% attack no matter the safeguards.
func daoSafeguardsScore(s *domain.DAOSafeguards) float64 {
	score := 50.0
	if s != nil {
		if s.HasVetoPower {
			score += 15
		}
		if s.HasDualGovernance {
			score += 10
		}
		if s.QuorumPct >= 10 {
			score += 5
		}
	}
	return math.Min(score, 80)
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}
