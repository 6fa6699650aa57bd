// Package alerting evaluates threshold rules against incoming samples,
// writes the alert log, and delivers pending alerts over the configured
// notification transports.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
	"github.com/vaultline/riskwatch/internal/telemetry"
)

// rulesCacheTTL bounds how stale the in-memory threshold set may get.
// Seeded or toggled rules apply within this horizon without a restart.
const rulesCacheTTL = 30 * time.Second

// Engine checks every appended sample against the enabled threshold rules
// and records breaches in the alert log. It implements the dispatcher's
// evaluation sink.
type Engine struct {
	thresholds persistence.ThresholdsRepo
	alerts     persistence.AlertsRepo
	window     time.Duration
	tel        *telemetry.Metrics
	now        func() time.Time

	mu        sync.Mutex
	rules     []persistence.ThresholdRule
	refreshed time.Time
}

// NewEngine builds an engine with the configured suppression window.
func NewEngine(thresholds persistence.ThresholdsRepo, alerts persistence.AlertsRepo, cfg config.AlertingConfig, tel *telemetry.Metrics) *Engine {
	return &Engine{
		thresholds: thresholds,
		alerts:     alerts,
		window:     cfg.SuppressionWindow(),
		tel:        tel,
		now:        time.Now,
	}
}

// Evaluate checks one sample against every enabled rule scoped to its
// asset or globally, writing an alert row per breached rule. A breach
// whose suppression tuple already fired within the window is not written
// again; its count accumulates on the pending alert of that tuple.
//
// Evaluation failures never block the sample write: the caller logs the
// returned error and moves on.
func (e *Engine) Evaluate(ctx context.Context, sample persistence.MetricSample) error {
	rules, err := e.rulesFor(ctx, sample)
	if err != nil {
		return &domain.ThresholdEvaluationError{
			Asset:  sample.AssetSymbol,
			Metric: sample.MetricName,
			Cause:  err,
		}
	}

	var errs []error
	for _, rule := range rules {
		if !rule.Operator.Evaluate(sample.Value, rule.ThresholdValue) {
			continue
		}
		if err := e.fire(ctx, sample, rule); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &domain.ThresholdEvaluationError{
			Asset:  sample.AssetSymbol,
			Metric: sample.MetricName,
			Cause:  errors.Join(errs...),
		}
	}
	return nil
}

// fire records one breached rule, applying the suppression window.
func (e *Engine) fire(ctx context.Context, sample persistence.MetricSample, rule persistence.ThresholdRule) error {
	alert := persistence.Alert{
		AssetSymbol:    sample.AssetSymbol,
		MetricName:     sample.MetricName,
		Value:          sample.Value,
		ThresholdValue: rule.ThresholdValue,
		Operator:       rule.Operator,
		Severity:       rule.Severity,
		Message:        alertMessage(sample, rule),
		Chain:          sample.Chain,
		TriggeredAt:    e.now().UTC(),
	}

	key := alert.Key()
	last, err := e.alerts.LastMatching(ctx, key)
	if err != nil {
		return fmt.Errorf("last matching alert: %w", err)
	}
	if last != nil && e.window > 0 && alert.TriggeredAt.Sub(last.TriggeredAt) < e.window {
		if err := e.alerts.AccumulateSuppressed(ctx, key); err != nil {
			return fmt.Errorf("accumulate suppressed: %w", err)
		}
		e.tel.AlertSuppressed()
		log.Debug().
			Str("asset", alert.AssetSymbol).
			Str("metric", alert.MetricName).
			Str("severity", string(alert.Severity)).
			Time("last_fired", last.TriggeredAt).
			Msg("alert suppressed within window")
		return nil
	}

	written, err := e.alerts.Insert(ctx, alert)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	e.tel.AlertFired(string(alert.Severity))
	log.Info().
		Int64("alert_id", written.ID).
		Str("asset", alert.AssetSymbol).
		Str("metric", alert.MetricName).
		Str("severity", string(alert.Severity)).
		Float64("value", alert.Value).
		Str("rule", fmt.Sprintf("%s %s", alert.Operator, formatThreshold(alert.ThresholdValue))).
		Msg("alert fired")
	return nil
}

// rulesFor returns the enabled rules matching the sample's metric, scoped
// to its asset or global. Rules match as a union; a per-asset rule never
// shadows a global one.
func (e *Engine) rulesFor(ctx context.Context, sample persistence.MetricSample) ([]persistence.ThresholdRule, error) {
	all, err := e.enabledRules(ctx)
	if err != nil {
		return nil, err
	}
	var matched []persistence.ThresholdRule
	for _, rule := range all {
		if rule.MetricName != sample.MetricName {
			continue
		}
		if !rule.Global() && rule.AssetSymbol != sample.AssetSymbol {
			continue
		}
		matched = append(matched, rule)
	}
	return matched, nil
}

func (e *Engine) enabledRules(ctx context.Context) ([]persistence.ThresholdRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.refreshed.IsZero() && e.now().Sub(e.refreshed) < rulesCacheTTL {
		return e.rules, nil
	}
	rules, err := e.thresholds.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled thresholds: %w", err)
	}
	e.rules = rules
	e.refreshed = e.now()
	return rules, nil
}

// InvalidateRules drops the cached rule set so the next sample re-reads
// from storage. Called after seeding or toggling thresholds.
func (e *Engine) InvalidateRules() {
	e.mu.Lock()
	e.rules = nil
	e.refreshed = time.Time{}
	e.mu.Unlock()
}

// alertMessage renders the human-readable alert line, e.g.
// "wstETH oracle_freshness_minutes (ethereum): 45.5000 > 30 [warning]".
func alertMessage(sample persistence.MetricSample, rule persistence.ThresholdRule) string {
	msg := sample.AssetSymbol + " " + sample.MetricName
	if sample.Chain != "" {
		msg += " (" + sample.Chain + ")"
	}
	return fmt.Sprintf("%s: %.4f %s %s [%s]",
		msg, sample.Value, rule.Operator, formatThreshold(rule.ThresholdValue), rule.Severity)
}

// formatThreshold renders a threshold without trailing zeros, so a rule
// against 30 reads "> 30" rather than "> 30.0000".
func formatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
