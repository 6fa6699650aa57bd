package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vaultline/riskwatch/internal/persistence"
)

// thresholdsRepo implements ThresholdsRepo for PostgreSQL
type thresholdsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewThresholdsRepo creates a new PostgreSQL threshold rule repository
func NewThresholdsRepo(db *sqlx.DB, timeout time.Duration) persistence.ThresholdsRepo {
	return &thresholdsRepo{db: db, timeout: timeout}
}

const ruleColumns = `id, COALESCE(asset_symbol, ''), metric_name, operator, threshold_value, severity, enabled, created_at`

// Upsert inserts or updates a rule by its (scope, metric, operator, value)
// uniqueness tuple. Severity and enabled are refreshed on conflict.
func (r *thresholdsRepo) Upsert(ctx context.Context, rule persistence.ThresholdRule) (*persistence.ThresholdRule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := validateRule(rule); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO morpho.rm_alert_thresholds (asset_symbol, metric_name, operator, threshold_value, severity, enabled)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
		ON CONFLICT (COALESCE(asset_symbol, ''), metric_name, operator, threshold_value) DO UPDATE SET
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled
		RETURNING ` + ruleColumns

	row := r.db.QueryRowxContext(ctx, query,
		strings.ToUpper(rule.AssetSymbol), rule.MetricName, rule.Operator,
		rule.ThresholdValue, rule.Severity, rule.Enabled)

	stored, err := scanRule(row)
	if err != nil {
		return nil, wrapStoreErr("threshold upsert", err)
	}
	return stored, nil
}

// List returns all rules, global first then per-asset
func (r *thresholdsRepo) List(ctx context.Context) ([]persistence.ThresholdRule, error) {
	return r.list(ctx, `
		SELECT `+ruleColumns+`
		FROM morpho.rm_alert_thresholds
		ORDER BY COALESCE(asset_symbol, ''), metric_name, threshold_value`)
}

// ListEnabled returns enabled rules only
func (r *thresholdsRepo) ListEnabled(ctx context.Context) ([]persistence.ThresholdRule, error) {
	return r.list(ctx, `
		SELECT `+ruleColumns+`
		FROM morpho.rm_alert_thresholds
		WHERE enabled
		ORDER BY COALESCE(asset_symbol, ''), metric_name, threshold_value`)
}

func (r *thresholdsRepo) list(ctx context.Context, query string) ([]persistence.ThresholdRule, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, wrapStoreErr("threshold list", err)
	}
	defer rows.Close()

	var rules []persistence.ThresholdRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, wrapStoreErr("threshold list", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("threshold list", err)
	}
	return rules, nil
}

// SetEnabled toggles one rule
func (r *thresholdsRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE morpho.rm_alert_thresholds SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return wrapStoreErr("threshold toggle", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown threshold rule: %d", id)
	}
	return nil
}

// Seed inserts rules that are not yet present, leaving existing rows
// untouched so operator edits survive restarts. Returns inserted count.
func (r *thresholdsRepo) Seed(ctx context.Context, rules []persistence.ThresholdRule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, wrapStoreErr("threshold seed", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO morpho.rm_alert_thresholds (asset_symbol, metric_name, operator, threshold_value, severity, enabled)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6)
		ON CONFLICT (COALESCE(asset_symbol, ''), metric_name, operator, threshold_value) DO NOTHING`)
	if err != nil {
		return 0, wrapStoreErr("threshold seed", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			strings.ToUpper(rule.AssetSymbol), rule.MetricName, rule.Operator,
			rule.ThresholdValue, rule.Severity, rule.Enabled)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue
			}
			return 0, wrapStoreErr("threshold seed", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapStoreErr("threshold seed", err)
	}
	return inserted, nil
}

func validateRule(rule persistence.ThresholdRule) error {
	if rule.MetricName == "" {
		return fmt.Errorf("threshold rule requires a metric name")
	}
	if !rule.Operator.Valid() {
		return fmt.Errorf("threshold rule has unknown operator %q", rule.Operator)
	}
	if !rule.Severity.Valid() {
		return fmt.Errorf("threshold rule has unknown severity %q", rule.Severity)
	}
	return nil
}

func scanRule(row rowScanner) (*persistence.ThresholdRule, error) {
	var rule persistence.ThresholdRule
	err := row.Scan(
		&rule.ID, &rule.AssetSymbol, &rule.MetricName, &rule.Operator,
		&rule.ThresholdValue, &rule.Severity, &rule.Enabled, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}
