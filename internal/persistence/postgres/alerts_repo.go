package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vaultline/riskwatch/internal/persistence"
)

// alertsRepo implements AlertsRepo for PostgreSQL
type alertsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlertsRepo creates a new PostgreSQL alert log repository
func NewAlertsRepo(db *sqlx.DB, timeout time.Duration) persistence.AlertsRepo {
	return &alertsRepo{db: db, timeout: timeout}
}

const alertColumns = `id, asset_symbol, metric_name, value, threshold_value, operator, severity,
	message, COALESCE(chain, ''), notified, COALESCE(notification_channel, ''),
	suppressed_count, notify_attempts, COALESCE(failure_code, ''), triggered_at`

// Insert writes a new pending alert and returns it with its ID
func (r *alertsRepo) Insert(ctx context.Context, alert persistence.Alert) (*persistence.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = time.Now().UTC()
	}

	query := `
		INSERT INTO morpho.rm_alerts_log
			(asset_symbol, metric_name, value, threshold_value, operator, severity, message, chain, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		RETURNING id`

	err := r.db.QueryRowxContext(ctx, query,
		alert.AssetSymbol, alert.MetricName, alert.Value, alert.ThresholdValue,
		alert.Operator, alert.Severity, alert.Message, alert.Chain, alert.TriggeredAt).
		Scan(&alert.ID)
	if err != nil {
		return nil, wrapStoreErr("alert insert", err)
	}
	return &alert, nil
}

// LastMatching returns the newest alert for the suppression tuple
// regardless of notification state; nil when none exists.
func (r *alertsRepo) LastMatching(ctx context.Context, key persistence.AlertKey) (*persistence.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + alertColumns + `
		FROM morpho.rm_alerts_log
		WHERE asset_symbol = $1 AND metric_name = $2 AND operator = $3
			AND threshold_value = $4 AND severity = $5
		ORDER BY triggered_at DESC, id DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query,
		key.AssetSymbol, key.MetricName, key.Operator, key.ThresholdValue, key.Severity)

	alert, err := scanAlert(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStoreErr("alert last matching", err)
	}
	return alert, nil
}

// AccumulateSuppressed bumps suppressed_count on the newest unnotified
// alert of the tuple. When every alert of the tuple is already notified
// or failed, the suppressed firing leaves no trace beyond the log line.
func (r *alertsRepo) AccumulateSuppressed(ctx context.Context, key persistence.AlertKey) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE morpho.rm_alerts_log SET suppressed_count = suppressed_count + 1
		WHERE id = (
			SELECT id FROM morpho.rm_alerts_log
			WHERE asset_symbol = $1 AND metric_name = $2 AND operator = $3
				AND threshold_value = $4 AND severity = $5
				AND NOT notified AND failure_code IS NULL
			ORDER BY triggered_at DESC, id DESC
			LIMIT 1)`

	_, err := r.db.ExecContext(ctx, query,
		key.AssetSymbol, key.MetricName, key.Operator, key.ThresholdValue, key.Severity)
	if err != nil {
		return wrapStoreErr("alert accumulate suppressed", err)
	}
	return nil
}

// ListPending returns unnotified, unfailed alerts, most severe first so a
// full batch never starves criticals, oldest first within a severity.
func (r *alertsRepo) ListPending(ctx context.Context, limit int) ([]persistence.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM morpho.rm_alerts_log
		WHERE NOT notified AND failure_code IS NULL
		ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END,
			triggered_at ASC, id ASC
		LIMIT $1`
	return r.list(ctx, "alert list pending", query, limit)
}

// RecordAttempt increments notify_attempts and returns the new count
func (r *alertsRepo) RecordAttempt(ctx context.Context, id int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var attempts int
	err := r.db.QueryRowxContext(ctx,
		`UPDATE morpho.rm_alerts_log SET notify_attempts = notify_attempts + 1
		 WHERE id = $1 RETURNING notify_attempts`, id).
		Scan(&attempts)
	if err != nil {
		return 0, wrapStoreErr("alert record attempt", err)
	}
	return attempts, nil
}

// MarkNotified finalizes delivery. Already-notified rows stay untouched;
// the alert log is immutable after notification.
func (r *alertsRepo) MarkNotified(ctx context.Context, id int64, channel string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE morpho.rm_alerts_log SET notified = true, notification_channel = $2
		 WHERE id = $1 AND NOT notified`, id, channel)
	if err != nil {
		return wrapStoreErr("alert mark notified", err)
	}
	return nil
}

// MarkFailed marks an alert permanently undeliverable with a reason code
func (r *alertsRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE morpho.rm_alerts_log SET failure_code = $2
		 WHERE id = $1 AND NOT notified`, id, reason)
	if err != nil {
		return wrapStoreErr("alert mark failed", err)
	}
	return nil
}

// Active returns alerts triggered within the trailing window, newest first
func (r *alertsRepo) Active(ctx context.Context, window time.Duration) ([]persistence.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM morpho.rm_alerts_log
		WHERE triggered_at > $1
		ORDER BY triggered_at DESC, id DESC`
	return r.list(ctx, "alert list active", query, time.Now().UTC().Add(-window))
}

// ListByAsset returns recent alerts for one asset, newest first
func (r *alertsRepo) ListByAsset(ctx context.Context, asset string, limit int) ([]persistence.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM morpho.rm_alerts_log
		WHERE asset_symbol = $1
		ORDER BY triggered_at DESC, id DESC
		LIMIT $2`
	return r.list(ctx, "alert list by asset", query, asset, limit)
}

func (r *alertsRepo) list(ctx context.Context, op, query string, args ...interface{}) ([]persistence.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	defer rows.Close()

	var alerts []persistence.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, wrapStoreErr(op, err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return alerts, nil
}

func scanAlert(row rowScanner) (*persistence.Alert, error) {
	var alert persistence.Alert
	err := row.Scan(
		&alert.ID, &alert.AssetSymbol, &alert.MetricName, &alert.Value,
		&alert.ThresholdValue, &alert.Operator, &alert.Severity, &alert.Message,
		&alert.Chain, &alert.Notified, &alert.NotificationChannel,
		&alert.SuppressedCount, &alert.NotifyAttempts, &alert.FailureCode,
		&alert.TriggeredAt)
	if err != nil {
		return nil, err
	}
	return &alert, nil
}
