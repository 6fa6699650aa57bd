package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/vaultline/riskwatch/internal/domain"
)

// Breaker names.
const (
	BreakerReserveUndercollateralized = "reserve_undercollateralized"
	BreakerCriticalAdminEOA           = "critical_admin_eoa"
	BreakerActiveIncident             = "active_security_incident"
	BreakerCriticalCategoryFailure    = "critical_category_failure"
	BreakerSevereCategoryWeakness     = "severe_category_weakness"
	BreakerNoAudit                    = "no_audit"
)

// criticalRoleWeight marks governance roles able to move user funds.
const criticalRoleWeight = 4

// BreakerHit records one triggered circuit breaker.
type BreakerHit struct {
	Name   string `json:"name"`
	Effect string `json:"effect"`
	Reason string `json:"reason"`
}

// Breakers is the score-adjustment stage outcome. ScoreAdjusted is true
// only when a breaker actually moved the number; a cap below an already
// low score triggers without adjusting.
type Breakers struct {
	Triggered     []BreakerHit `json:"triggered"`
	ScoreAdjusted bool         `json:"score_adjusted"`
}

// applyBreakers runs the breaker table over the raw weighted score. The
// category multiplier scales the raw score first, then every triggered
// cap clamps the result, so a capped score cannot dodge a multiplier and
// a multiplied score cannot exceed a cap.
func applyBreakers(raw float64, cats []CategoryScore, gov *domain.Governance, in Inputs, checks CheckReport) (float64, Breakers) {
	var hits []BreakerHit
	var caps []float64
	multiplier := 1.0

	if in.PoRRatio != nil && *in.PoRRatio < 1 {
		caps = append(caps, 69)
		hits = append(hits, BreakerHit{
			Name:   BreakerReserveUndercollateralized,
			Effect: "capped at 69",
			Reason: fmt.Sprintf("reserve ratio %.4f, asset is not fully backed", *in.PoRRatio),
		})
	}

	if role, ok := criticalEOARole(gov); ok {
		caps = append(caps, 54)
		hits = append(hits, BreakerHit{
			Name:   BreakerCriticalAdminEOA,
			Effect: "capped at 54",
			Reason: fmt.Sprintf("critical role %q held by a single externally owned key", role.RoleName),
		})
	}

	if checkFailed(checks, CheckNoActiveIncident) {
		caps = append(caps, 39)
		hits = append(hits, BreakerHit{
			Name:   BreakerActiveIncident,
			Effect: "capped at 39",
			Reason: "recent security incident with fund loss",
		})
	}

	if names := categoriesBelow(cats, 25); len(names) > 0 {
		multiplier = 0.5
		hits = append(hits, BreakerHit{
			Name:   BreakerCriticalCategoryFailure,
			Effect: "multiplied by 0.5",
			Reason: fmt.Sprintf("category score below 25: %s", strings.Join(names, ", ")),
		})
	} else if names := categoriesBelow(cats, 40); len(names) > 0 {
		multiplier = 0.7
		hits = append(hits, BreakerHit{
			Name:   BreakerSevereCategoryWeakness,
			Effect: "multiplied by 0.7",
			Reason: fmt.Sprintf("category score below 40: %s", strings.Join(names, ", ")),
		})
	}

	if checkFailed(checks, CheckHasAudit) {
		caps = append(caps, 54)
		hits = append(hits, BreakerHit{
			Name:   BreakerNoAudit,
			Effect: "capped at 54",
			Reason: "contracts have never been audited",
		})
	}

	adjusted := raw * multiplier
	for _, c := range caps {
		adjusted = math.Min(adjusted, c)
	}

	return adjusted, Breakers{Triggered: hits, ScoreAdjusted: adjusted != raw}
}

func criticalEOARole(gov *domain.Governance) (domain.GovernanceRole, bool) {
	if gov == nil {
		return domain.GovernanceRole{}, false
	}
	for _, role := range gov.Roles {
		w := role.RoleWeight
		if w <= 0 {
			w = domain.DefaultRoleWeight
		}
		if w >= criticalRoleWeight && role.AuthorityKind == domain.AuthorityEOA {
			return role, true
		}
	}
	return domain.GovernanceRole{}, false
}

func categoriesBelow(cats []CategoryScore, floor float64) []string {
	var names []string
	for _, c := range cats {
		if c.Score < floor {
			names = append(names, c.Name)
		}
	}
	return names
}

func checkFailed(report CheckReport, id string) bool {
	for _, f := range report.Failed {
		if f == id {
			return true
		}
	}
	return false
}

// GradeBand describes one letter grade of the scale.
type GradeBand struct {
	Grade       string  `json:"grade"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Label       string  `json:"label"`
	RiskLevel   string  `json:"risk_level"`
	Description string  `json:"description"`
}

// GradeScale is the published banding, best grade first.
var GradeScale = []GradeBand{
	{Grade: "A", Min: 85, Max: 100, Label: "Excellent", RiskLevel: "Minimal Risk",
		Description: "Strong fundamentals across all risk dimensions."},
	{Grade: "B", Min: 70, Max: 84, Label: "Good", RiskLevel: "Low Risk",
		Description: "Solid risk profile with minor concerns in some areas."},
	{Grade: "C", Min: 55, Max: 69, Label: "Adequate", RiskLevel: "Moderate Risk",
		Description: "Notable risk factors that require monitoring."},
	{Grade: "D", Min: 40, Max: 54, Label: "Below Average", RiskLevel: "Elevated Risk",
		Description: "Significant risk factors, suitable only with active management."},
	{Grade: "F", Min: 0, Max: 39, Label: "Poor", RiskLevel: "High Risk",
		Description: "Critical risk factors that could result in substantial loss."},
}

func gradeFor(score float64) GradeBand {
	for _, band := range GradeScale {
		if score >= band.Min {
			return band
		}
	}
	return GradeScale[len(GradeScale)-1]
}
