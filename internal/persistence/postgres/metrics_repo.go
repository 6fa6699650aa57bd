package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vaultline/riskwatch/internal/persistence"
)

// metricsRepo implements MetricsRepo for PostgreSQL
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a new PostgreSQL metric history repository
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{db: db, timeout: timeout}
}

const sampleColumns = `id, asset_symbol, metric_name, value, chain, metadata, recorded_at`

// Append persists one sample. The history is append-only; rows are never
// updated or deleted by the core.
func (r *metricsRepo) Append(ctx context.Context, sample persistence.MetricSample) (*persistence.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	metadataJSON, err := marshalMetadata(sample.Metadata)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO morpho.rm_metrics_history (asset_symbol, metric_name, value, chain, metadata, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING id`

	err = r.db.QueryRowxContext(ctx, query,
		sample.AssetSymbol, sample.MetricName, sample.Value,
		sample.Chain, metadataJSON, sample.RecordedAt).
		Scan(&sample.ID)
	if err != nil {
		return nil, wrapStoreErr("metrics append", err)
	}
	return &sample, nil
}

// AppendBatch persists the samples of one fetch unit atomically. A unit
// either lands completely or not at all.
func (r *metricsRepo) AppendBatch(ctx context.Context, samples []persistence.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapStoreErr("metrics append batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO morpho.rm_metrics_history (asset_symbol, metric_name, value, chain, metadata, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`)
	if err != nil {
		return wrapStoreErr("metrics append batch", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, sample := range samples {
		if sample.RecordedAt.IsZero() {
			sample.RecordedAt = now
		}
		metadataJSON, err := marshalMetadata(sample.Metadata)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			sample.AssetSymbol, sample.MetricName, sample.Value,
			sample.Chain, metadataJSON, sample.RecordedAt); err != nil {
			return wrapStoreErr("metrics append batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapStoreErr("metrics append batch", err)
	}
	return nil
}

// Latest returns the max-recorded_at sample for (asset, metric); nil when
// no sample exists. Ties on recorded_at break by insertion order.
func (r *metricsRepo) Latest(ctx context.Context, asset, metric string) (*persistence.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + sampleColumns + `
		FROM morpho.rm_metrics_history
		WHERE asset_symbol = $1 AND metric_name = $2
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	row := r.db.QueryRowxContext(ctx, query, asset, metric)
	sample, err := scanSample(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStoreErr("metrics latest", err)
	}
	return sample, nil
}

// LatestAll returns the latest sample per metric for one asset
func (r *metricsRepo) LatestAll(ctx context.Context, asset string) (map[string]persistence.MetricSample, error) {
	query := `
		SELECT DISTINCT ON (metric_name) ` + sampleColumns + `
		FROM morpho.rm_metrics_history
		WHERE asset_symbol = $1
		ORDER BY metric_name, recorded_at DESC, id DESC`
	return r.latestMap(ctx, "metrics latest all", query, asset)
}

// Snapshot returns the latest sample per (metric, chain, market anchor) at
// or before cutoff, giving scoring a consistent point-in-time view. Lending
// and pool metrics keep one row per market so the caller can weight them.
func (r *metricsRepo) Snapshot(ctx context.Context, asset string, cutoff time.Time) ([]persistence.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (metric_name, chain, COALESCE(metadata->>'market', metadata->>'pool_name', metadata->>'feed', '')) ` + sampleColumns + `
		FROM morpho.rm_metrics_history
		WHERE asset_symbol = $1 AND recorded_at <= $2
		ORDER BY metric_name, chain, COALESCE(metadata->>'market', metadata->>'pool_name', metadata->>'feed', ''), recorded_at DESC, id DESC`

	rows, err := r.db.QueryxContext(ctx, query, asset, cutoff)
	if err != nil {
		return nil, wrapStoreErr("metrics snapshot", err)
	}
	defer rows.Close()

	var samples []persistence.MetricSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, wrapStoreErr("metrics snapshot", err)
		}
		samples = append(samples, *sample)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("metrics snapshot", err)
	}
	return samples, nil
}

func (r *metricsRepo) latestMap(ctx context.Context, op, query string, args ...interface{}) (map[string]persistence.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	defer rows.Close()

	out := make(map[string]persistence.MetricSample)
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, wrapStoreErr(op, err)
		}
		out[sample.MetricName] = *sample
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return out, nil
}

// Range returns samples within the time range, oldest first
func (r *metricsRepo) Range(ctx context.Context, asset, metric string, tr persistence.TimeRange) ([]persistence.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + sampleColumns + `
		FROM morpho.rm_metrics_history
		WHERE asset_symbol = $1 AND metric_name = $2 AND recorded_at >= $3 AND recorded_at <= $4
		ORDER BY recorded_at ASC, id ASC`

	rows, err := r.db.QueryxContext(ctx, query, asset, metric, tr.From, tr.To)
	if err != nil {
		return nil, wrapStoreErr("metrics range", err)
	}
	defer rows.Close()

	var samples []persistence.MetricSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, wrapStoreErr("metrics range", err)
		}
		samples = append(samples, *sample)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("metrics range", err)
	}
	return samples, nil
}

func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return b, nil
}

func scanSample(row rowScanner) (*persistence.MetricSample, error) {
	var sample persistence.MetricSample
	var chain sql.NullString
	var metadataJSON []byte

	err := row.Scan(
		&sample.ID, &sample.AssetSymbol, &sample.MetricName, &sample.Value,
		&chain, &metadataJSON, &sample.RecordedAt)
	if err != nil {
		return nil, err
	}

	sample.Chain = chain.String
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sample.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &sample, nil
}
