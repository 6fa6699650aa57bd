package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// registryRepo implements RegistryRepo for PostgreSQL
type registryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegistryRepo creates a new PostgreSQL asset registry repository
func NewRegistryRepo(db *sqlx.DB, timeout time.Duration) persistence.RegistryRepo {
	return &registryRepo{db: db, timeout: timeout}
}

const assetColumns = `symbol, name, asset_type, underlying_symbol, decimals, config, enabled, created_at, updated_at`

// Upsert inserts or updates an asset after normalizing and validating its
// config document. Concurrent upserts of the same symbol serialize on the
// registry row.
func (r *registryRepo) Upsert(ctx context.Context, asset persistence.Asset) (*persistence.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
	if asset.Symbol == "" {
		return nil, domain.NewConfigInvalid("symbol", "required")
	}
	if asset.Type == "" {
		asset.Type = domain.AssetOther
	}
	if !asset.Type.Valid() {
		return nil, domain.NewConfigInvalid("asset_type", "unknown type %q", asset.Type)
	}
	if asset.Config == nil {
		asset.Config = &domain.AssetConfig{}
	}
	domain.Normalize(asset.Config)
	if err := domain.Validate(asset.Config); err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(asset.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	query := `
		INSERT INTO morpho.rm_asset_registry (symbol, name, asset_type, underlying_symbol, decimals, config, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			name = EXCLUDED.name,
			asset_type = EXCLUDED.asset_type,
			underlying_symbol = EXCLUDED.underlying_symbol,
			decimals = EXCLUDED.decimals,
			config = EXCLUDED.config,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING ` + assetColumns

	row := r.db.QueryRowxContext(ctx, query,
		asset.Symbol, asset.Name, asset.Type, asset.Underlying,
		asset.Decimals, configJSON, asset.Enabled)

	stored, err := scanAsset(row)
	if err != nil {
		return nil, wrapStoreErr("registry upsert", err)
	}
	return stored, nil
}

// Get retrieves one asset by symbol; nil when absent
func (r *registryRepo) Get(ctx context.Context, symbol string) (*persistence.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + assetColumns + ` FROM morpho.rm_asset_registry WHERE symbol = $1`
	row := r.db.QueryRowxContext(ctx, query, strings.ToUpper(symbol))

	asset, err := scanAsset(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapStoreErr("registry get", err)
	}
	return asset, nil
}

// ListEnabled returns all enabled assets ordered by symbol
func (r *registryRepo) ListEnabled(ctx context.Context) ([]persistence.Asset, error) {
	return r.list(ctx, `SELECT `+assetColumns+` FROM morpho.rm_asset_registry WHERE enabled ORDER BY symbol`)
}

// List returns all registered assets ordered by symbol
func (r *registryRepo) List(ctx context.Context) ([]persistence.Asset, error) {
	return r.list(ctx, `SELECT `+assetColumns+` FROM morpho.rm_asset_registry ORDER BY symbol`)
}

func (r *registryRepo) list(ctx context.Context, query string) ([]persistence.Asset, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, wrapStoreErr("registry list", err)
	}
	defer rows.Close()

	var assets []persistence.Asset
	for rows.Next() {
		asset, err := scanAssetRows(rows)
		if err != nil {
			return nil, wrapStoreErr("registry list", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr("registry list", err)
	}
	return assets, nil
}

// SetEnabled flips the collection flag without touching history
func (r *registryRepo) SetEnabled(ctx context.Context, symbol string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE morpho.rm_asset_registry SET enabled = $2, updated_at = now() WHERE symbol = $1`,
		strings.ToUpper(symbol), enabled)
	if err != nil {
		return wrapStoreErr("registry set enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown asset: %s", symbol)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAsset(row rowScanner) (*persistence.Asset, error) {
	var asset persistence.Asset
	var configJSON []byte

	err := row.Scan(
		&asset.Symbol, &asset.Name, &asset.Type, &asset.Underlying,
		&asset.Decimals, &configJSON, &asset.Enabled,
		&asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return nil, err
	}

	asset.Config = &domain.AssetConfig{}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, asset.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config for %s: %w", asset.Symbol, err)
		}
	}
	return &asset, nil
}

func scanAssetRows(rows *sqlx.Rows) (*persistence.Asset, error) {
	return scanAsset(rows)
}
