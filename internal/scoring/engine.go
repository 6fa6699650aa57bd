// Package scoring turns an asset's static configuration and its latest
// metric snapshot into a point-in-time risk score. Evaluation is a
// two-stage pipeline: three binary qualification gates, then six weighted
// risk categories with circuit breakers over the composite. Everything
// after the snapshot read is pure compute, so a given (config, snapshot)
// pair always yields the same score, grade and breaker list.
package scoring

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// Result status values.
const (
	StatusQualified    = "QUALIFIED"
	StatusDisqualified = "DISQUALIFIED"
)

// Overall is the composite outcome for a qualified asset. BaseScore and
// BaseGrade describe the weighted sum before circuit breakers.
type Overall struct {
	Score       float64 `json:"score"`
	Grade       string  `json:"grade"`
	Label       string  `json:"label"`
	RiskLevel   string  `json:"risk_level"`
	Description string  `json:"description"`
	BaseScore   float64 `json:"base_score"`
	BaseGrade   string  `json:"base_grade"`
}

// Result is one full scoring evaluation. Disqualified assets carry the
// check report only; Overall, Categories and CircuitBreakers stay nil.
type Result struct {
	Asset             string          `json:"asset"`
	Status            string          `json:"status"`
	Qualified         bool            `json:"qualified"`
	EvaluatedAt       time.Time       `json:"evaluated_at"`
	Cutoff            time.Time       `json:"cutoff"`
	PrimaryChecks     CheckReport     `json:"primary_checks"`
	Overall           *Overall        `json:"overall,omitempty"`
	Categories        []CategoryScore `json:"categories,omitempty"`
	MissingCategories []string        `json:"missing_categories,omitempty"`
	CircuitBreakers   *Breakers       `json:"circuit_breakers,omitempty"`
}

// Engine scores registry assets against the metric store.
type Engine struct {
	metrics persistence.MetricsRepo
	tel     *telemetry.Metrics
	now     func() time.Time
}

// NewEngine returns an engine reading snapshots from the given store.
func NewEngine(metrics persistence.MetricsRepo, tel *telemetry.Metrics) *Engine {
	return &Engine{metrics: metrics, tel: tel, now: time.Now}
}

// Score evaluates one asset at the given cutoff; a zero cutoff means now.
// The snapshot read is the only blocking step, and it is skipped entirely
// when the qualification gates already fail on configuration alone.
func (e *Engine) Score(ctx context.Context, asset *persistence.Asset, cutoff time.Time) (*Result, error) {
	evaluatedAt := e.now().UTC()
	if cutoff.IsZero() {
		cutoff = evaluatedAt
	}

	cfg := asset.Config
	checks := RunPrimaryChecks(cfg, evaluatedAt)
	if !checks.Qualified {
		result := Evaluate(asset.Symbol, cfg, Inputs{}, checks, evaluatedAt, cutoff)
		e.tel.ScoreComputed("disqualified")
		log.Warn().
			Str("asset", asset.Symbol).
			Strs("failed_checks", checks.Failed).
			Msg("asset disqualified from scoring")
		return result, nil
	}

	samples, err := e.metrics.Snapshot(ctx, asset.Symbol, cutoff)
	if err != nil {
		return nil, err
	}

	result := Evaluate(asset.Symbol, cfg, BuildInputs(samples), checks, evaluatedAt, cutoff)
	e.tel.ScoreComputed(result.Overall.Grade)
	log.Info().
		Str("asset", asset.Symbol).
		Float64("score", result.Overall.Score).
		Str("grade", result.Overall.Grade).
		Int("breakers", len(result.CircuitBreakers.Triggered)).
		Msg("asset scored")
	return result, nil
}

// Evaluate is the pure second stage: category scores, breakers and grade
// over already assembled inputs. Exposed so callers holding their own
// snapshot can score without a store round trip.
func Evaluate(symbol string, cfg *domain.AssetConfig, in Inputs, checks CheckReport, evaluatedAt, cutoff time.Time) *Result {
	result := &Result{
		Asset:         symbol,
		PrimaryChecks: checks,
		EvaluatedAt:   evaluatedAt,
		Cutoff:        cutoff,
	}
	if !checks.Qualified {
		result.Status = StatusDisqualified
		return result
	}

	cats, absent := buildCategories(cfg, in, evaluatedAt)
	raw := overallScore(cats)

	var gov *domain.Governance
	if cfg != nil {
		gov = cfg.Governance
	}
	adjusted, breakers := applyBreakers(raw, cats, gov, in, checks)

	band := gradeFor(adjusted)
	result.Status = StatusQualified
	result.Qualified = true
	result.Categories = cats
	result.MissingCategories = absent
	result.CircuitBreakers = &breakers
	result.Overall = &Overall{
		Score:       adjusted,
		Grade:       band.Grade,
		Label:       band.Label,
		RiskLevel:   band.RiskLevel,
		Description: band.Description,
		BaseScore:   raw,
		BaseGrade:   gradeFor(raw).Grade,
	}
	return result
}

// overallScore is the category-weighted mean, renormalized over the
// categories that were actually scorable.
func overallScore(cats []CategoryScore) float64 {
	total, sum := 0.0, 0.0
	for _, c := range cats {
		total += c.Weight
		sum += c.Score * c.Weight
	}
	if total == 0 {
		return 0
	}
	return clampScore(sum / total)
}
