package scoring

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vaultline/riskwatch/internal/domain"
)

// Category identifiers.
const (
	CategorySmartContract = "smart_contract"
	CategoryCounterparty  = "counterparty"
	CategoryMarket        = "market"
	CategoryLiquidity     = "liquidity"
	CategoryCollateral    = "collateral"
	CategoryReserveOracle = "reserve_oracle"
)

// SubScore traces one component of a category. Weight is the effective
// within-category weight after any redistribution over absent siblings.
type SubScore struct {
	Name   string   `json:"name"`
	Score  float64  `json:"score"`
	Weight float64  `json:"weight"`
	Value  *float64 `json:"value,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// CategoryScore is one weighted risk dimension with its full trace.
type CategoryScore struct {
	Name    string     `json:"category"`
	Label   string     `json:"label"`
	Weight  float64    `json:"weight"`
	Score   float64    `json:"score"`
	Grade   string     `json:"grade"`
	Subs    []SubScore `json:"breakdown"`
	Missing []string   `json:"missing,omitempty"`
}

// buildCategories evaluates every category that has at least one input.
// Absent categories are returned by name so the overall aggregation can
// renormalize and the result can say why.
func buildCategories(cfg *domain.AssetConfig, in Inputs, now time.Time) ([]CategoryScore, []string) {
	var audit *domain.AuditData
	var gov *domain.Governance
	if cfg != nil {
		audit = cfg.AuditData
		gov = cfg.Governance
	}

	var cats []CategoryScore
	var absent []string
	add := func(cat CategoryScore, ok bool) {
		if ok {
			cats = append(cats, cat)
			return
		}
		absent = append(absent, cat.Name)
	}

	add(smartContractCategory(audit, now))
	add(counterpartyCategory(gov))
	add(marketCategory(in))
	add(liquidityCategory(in))
	add(collateralCategory(in))
	add(reserveOracleCategory(in))
	return cats, absent
}

// finishCategory redistributes weights over the present sub-scores and
// rolls them into the category score. Reports false when nothing was
// scorable, leaving only the name filled in.
func finishCategory(name, label string, weight float64, subs []SubScore, missing []string) (CategoryScore, bool) {
	cat := CategoryScore{Name: name, Label: label, Weight: weight, Missing: missing}
	if len(subs) == 0 {
		return cat, false
	}

	total := 0.0
	for _, s := range subs {
		total += s.Weight
	}
	score := 0.0
	for i := range subs {
		subs[i].Weight = subs[i].Weight * 100 / total
		score += subs[i].Score * subs[i].Weight / 100
	}

	cat.Score = clampScore(score)
	cat.Grade = gradeFor(cat.Score).Grade
	cat.Subs = subs
	return cat, true
}

func missingNote(sub string) string {
	return sub + " input missing, weight redistributed"
}

// --- Smart Contract ---

var topTierAuditors = map[string]bool{
	"OpenZeppelin":        true,
	"Trail of Bits":       true,
	"Consensys Diligence": true,
	"Spearbit":            true,
	"ChainSecurity":       true,
}

func smartContractCategory(audit *domain.AuditData, now time.Time) (CategoryScore, bool) {
	subs := []SubScore{
		auditSubScore(audit, now),
		maturitySubScore(audit, now),
		incidentSubScore(audit),
	}
	return finishCategory(CategorySmartContract, "Smart Contract Risk", 10, subs, nil)
}

func auditSubScore(audit *domain.AuditData, now time.Time) SubScore {
	sub := SubScore{Name: "audit_score", Weight: 40}
	if audit == nil || len(audit.Audits) == 0 {
		sub.Score = 20
		sub.Detail = "no completed audits"
		return sub
	}

	criticals, highs := 0, 0
	topTier := false
	var latest time.Time
	for _, a := range audit.Audits {
		criticals += a.CriticalIssuesUnresolved
		highs += a.HighIssuesUnresolved
		if topTierAuditors[a.Auditor] {
			topTier = true
		}
		if t, ok := domain.ParseConfigDate(a.Date); ok && t.After(latest) {
			latest = t
		}
	}

	score := 80.0
	notes := []string{fmt.Sprintf("%d audit(s)", len(audit.Audits))}
	switch {
	case criticals > 0:
		score *= 0.3
		notes = append(notes, fmt.Sprintf("%d unresolved critical(s)", criticals))
	case highs > 0:
		score *= 0.7
		notes = append(notes, fmt.Sprintf("%d unresolved high(s)", highs))
	}
	if !latest.IsZero() {
		months := now.Sub(latest).Hours() / (24 * 30.44)
		switch {
		case months > 24:
			score *= 0.6
			notes = append(notes, "most recent audit over 24 months old")
		case months > 12:
			score *= 0.8
			notes = append(notes, "most recent audit over 12 months old")
		}
	}
	if topTier {
		score *= 1.1
		notes = append(notes, "top-tier auditor")
	}

	sub.Score = clampScore(score)
	sub.Detail = strings.Join(notes, ", ")
	return sub
}

func maturitySubScore(audit *domain.AuditData, now time.Time) SubScore {
	days := 0.0
	detail := "deployment date unknown"
	if audit != nil && audit.DeploymentDate != "" {
		if t, ok := domain.ParseConfigDate(audit.DeploymentDate); ok {
			if d := now.Sub(t).Hours() / 24; d > 0 {
				days = d
			}
			detail = fmt.Sprintf("%.0f days since deployment", days)
		}
	}
	v := days
	return SubScore{
		Name:   "code_maturity",
		Weight: 30,
		Score:  interpolate(maturityAnchors, days),
		Value:  &v,
		Detail: detail,
	}
}

func incidentSubScore(audit *domain.AuditData) SubScore {
	sub := SubScore{Name: "incident_history", Weight: 30, Score: 100, Detail: "no recorded incidents"}
	if audit == nil || len(audit.Incidents) == 0 {
		return sub
	}

	score := 100.0
	withLoss := 0
	for _, inc := range audit.Incidents {
		if inc.FundsLostUSD > 0 {
			score -= 30 + math.Min(30, inc.FundsLostPctOfTVL)
			withLoss++
			continue
		}
		score -= 15
	}
	sub.Score = clampScore(score)
	sub.Detail = fmt.Sprintf("%d incident(s), %d with fund loss", len(audit.Incidents), withLoss)
	return sub
}

// --- Counterparty ---

func counterpartyCategory(gov *domain.Governance) (CategoryScore, bool) {
	if gov == nil {
		return CategoryScore{Name: CategoryCounterparty}, false
	}
	subs := []SubScore{
		adminKeySubScore(gov),
		{
			Name:   "custody_model",
			Weight: 30,
			Score:  custodyScore(gov.CustodyModel),
			Detail: fmt.Sprintf("custody model %s", custodyModelName(gov.CustodyModel)),
		},
		timelockSubScore(gov),
		blacklistSubScore(gov),
	}
	return finishCategory(CategoryCounterparty, "Counterparty Risk", 25, subs, nil)
}

func adminKeySubScore(gov *domain.Governance) SubScore {
	score := 100.0
	for _, role := range gov.Roles {
		w := role.RoleWeight
		if w <= 0 {
			w = domain.DefaultRoleWeight
		}
		score -= w * rolePenalty(role)
	}
	if !gov.HasTimelock {
		score *= 0.85
	}

	detail := fmt.Sprintf("%d privileged role(s)", len(gov.Roles))
	if !gov.HasTimelock {
		detail += ", no timelock"
	}
	return SubScore{Name: "admin_key_control", Weight: 40, Score: clampScore(score), Detail: detail}
}

// rolePenalty is the per-weight deduction for one governance role. A
// multisig with no recorded signers is treated as threshold zero.
func rolePenalty(role domain.GovernanceRole) float64 {
	switch role.AuthorityKind {
	case domain.AuthorityEOA:
		return 15
	case domain.AuthorityMultisig:
		ratio := 0.0
		if role.SignerCount > 0 {
			ratio = float64(role.Threshold) / float64(role.SignerCount)
		}
		return (1 - ratio) * 10
	case domain.AuthorityDAOVoting:
		return (100 - daoSafeguardsScore(role.DAOSafeguards)) / 100 * 10
	default:
		return 7
	}
}

func timelockSubScore(gov *domain.Governance) SubScore {
	sub := SubScore{Name: "timelock_presence", Weight: 15}
	if !gov.HasTimelock {
		sub.Score = 30
		sub.Detail = "no timelock"
		return sub
	}
	hours := gov.TimelockHours
	sub.Score = interpolate(timelockAnchors, hours)
	sub.Value = &hours
	sub.Detail = fmt.Sprintf("%.0fh timelock", hours)
	return sub
}

func blacklistSubScore(gov *domain.Governance) SubScore {
	sub := SubScore{Name: "blacklist", Weight: 15, Score: blacklistScore(gov.HasBlacklist, gov.BlacklistControl)}
	switch {
	case !gov.HasBlacklist:
		sub.Detail = "no blacklist function"
	default:
		sub.Detail = fmt.Sprintf("blacklist controlled by %s", blacklistControlName(gov.BlacklistControl))
	}
	return sub
}

func custodyModelName(m domain.CustodyModel) string {
	if m == "" {
		return string(domain.CustodyUnknown)
	}
	return string(m)
}

func blacklistControlName(c domain.BlacklistControl) string {
	if c == "" {
		return string(domain.BlacklistSingleEntity)
	}
	return string(c)
}

// --- Market ---

func marketCategory(in Inputs) (CategoryScore, bool) {
	var subs []SubScore
	var missing []string

	if in.PegDeviationPct != nil {
		subs = append(subs, SubScore{
			Name:   "peg_deviation",
			Weight: 40,
			Score:  pegScore(*in.PegDeviationPct),
			Value:  in.PegDeviationPct,
			Detail: fmt.Sprintf("peg deviation %.3f%%", *in.PegDeviationPct),
		})
	} else {
		missing = append(missing, missingNote("peg_deviation"))
	}
	if in.VolatilityPct != nil {
		subs = append(subs, SubScore{
			Name:   "volatility",
			Weight: 30,
			Score:  interpolate(volatilityAnchors, *in.VolatilityPct),
			Value:  in.VolatilityPct,
			Detail: fmt.Sprintf("annualized volatility %.1f%%", *in.VolatilityPct),
		})
	} else {
		missing = append(missing, missingNote("volatility"))
	}
	if in.VaR95Pct != nil {
		subs = append(subs, SubScore{
			Name:   "var95",
			Weight: 30,
			Score:  interpolate(var95Anchors, *in.VaR95Pct),
			Value:  in.VaR95Pct,
			Detail: fmt.Sprintf("daily VaR(95) %.1f%%", *in.VaR95Pct),
		})
	} else {
		missing = append(missing, missingNote("var95"))
	}
	return finishCategory(CategoryMarket, "Market Risk", 15, subs, missing)
}

// --- Liquidity ---

func liquidityCategory(in Inputs) (CategoryScore, bool) {
	var subs []SubScore
	var missing []string

	if in.Slippage100kPct != nil {
		subs = append(subs, SubScore{
			Name:   "slippage_100k",
			Weight: 40,
			Score:  interpolate(slippage100kAnchors, *in.Slippage100kPct),
			Value:  in.Slippage100kPct,
			Detail: fmt.Sprintf("slippage %.2f%% on $100k", *in.Slippage100kPct),
		})
	} else {
		missing = append(missing, missingNote("slippage_100k"))
	}
	if in.Slippage500kPct != nil {
		subs = append(subs, SubScore{
			Name:   "slippage_500k",
			Weight: 30,
			Score:  interpolate(slippage500kAnchors, *in.Slippage500kPct),
			Value:  in.Slippage500kPct,
			Detail: fmt.Sprintf("slippage %.2f%% on $500k", *in.Slippage500kPct),
		})
	} else {
		missing = append(missing, missingNote("slippage_500k"))
	}
	if in.PoolHHI != nil {
		subs = append(subs, SubScore{
			Name:   "hhi",
			Weight: 30,
			Score:  interpolate(hhiAnchors, *in.PoolHHI),
			Value:  in.PoolHHI,
			Detail: fmt.Sprintf("pool concentration HHI %.0f", *in.PoolHHI),
		})
	} else {
		missing = append(missing, missingNote("hhi"))
	}
	return finishCategory(CategoryLiquidity, "Liquidity Risk", 15, subs, missing)
}

// --- Collateral ---

func collateralCategory(in Inputs) (CategoryScore, bool) {
	var subs []SubScore
	var missing []string

	if in.CLRPct != nil {
		subs = append(subs, SubScore{
			Name:   "cascade_liquidation",
			Weight: 40,
			Score:  interpolate(clrAnchors, *in.CLRPct),
			Value:  in.CLRPct,
			Detail: fmt.Sprintf("%.1f%% of borrow value near liquidation", *in.CLRPct),
		})
	} else {
		missing = append(missing, missingNote("cascade_liquidation"))
	}
	if in.RLRPct != nil {
		subs = append(subs, SubScore{
			Name:   "recursive_lending",
			Weight: 35,
			Score:  interpolate(rlrAnchors, *in.RLRPct),
			Value:  in.RLRPct,
			Detail: fmt.Sprintf("%.1f%% of supply in leverage loops", *in.RLRPct),
		})
	} else {
		missing = append(missing, missingNote("recursive_lending"))
	}
	if in.UtilizationRate != nil {
		subs = append(subs, SubScore{
			Name:   "utilization",
			Weight: 25,
			Score:  interpolate(utilizationAnchors, *in.UtilizationRate),
			Value:  in.UtilizationRate,
			Detail: fmt.Sprintf("utilization %.1f%%", *in.UtilizationRate),
		})
	} else {
		missing = append(missing, missingNote("utilization"))
	}
	return finishCategory(CategoryCollateral, "Collateral Risk", 10, subs, missing)
}

// --- Reserve & Oracle ---

func reserveOracleCategory(in Inputs) (CategoryScore, bool) {
	var subs []SubScore
	var missing []string

	if in.PoRRatio != nil {
		subs = append(subs, SubScore{
			Name:   "proof_of_reserves",
			Weight: 50,
			Score:  reserveRatioScore(*in.PoRRatio),
			Value:  in.PoRRatio,
			Detail: fmt.Sprintf("reserve ratio %.4f", *in.PoRRatio),
		})
	} else {
		missing = append(missing, missingNote("proof_of_reserves"))
	}
	if in.OracleFreshnessMin != nil {
		subs = append(subs, SubScore{
			Name:   "oracle_freshness",
			Weight: 25,
			Score:  interpolate(freshnessAnchors, *in.OracleFreshnessMin),
			Value:  in.OracleFreshnessMin,
			Detail: fmt.Sprintf("oracle updated %.0f minutes ago", *in.OracleFreshnessMin),
		})
	} else {
		missing = append(missing, missingNote("oracle_freshness"))
	}
	if in.CrossChainLagMin != nil {
		subs = append(subs, SubScore{
			Name:   "cross_chain_lag",
			Weight: 25,
			Score:  interpolate(crossChainLagAnchors, *in.CrossChainLagMin),
			Value:  in.CrossChainLagMin,
			Detail: fmt.Sprintf("cross-chain oracle lag %.0f minutes", *in.CrossChainLagMin),
		})
	} else {
		missing = append(missing, missingNote("cross_chain_lag"))
	}
	return finishCategory(CategoryReserveOracle, "Reserve & Oracle Risk", 25, subs, missing)
}
