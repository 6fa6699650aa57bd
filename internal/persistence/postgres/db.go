package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string, maxOpen, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// NewRepository wires all PostgreSQL-backed repositories.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Registry:   NewRegistryRepo(db, timeout),
		Metrics:    NewMetricsRepo(db, timeout),
		Thresholds: NewThresholdsRepo(db, timeout),
		Alerts:     NewAlertsRepo(db, timeout),
	}
}

// health implements persistence.RepositoryHealth over the shared pool.
type health struct {
	db *sqlx.DB
}

// NewHealth returns a health monitor for the given pool.
func NewHealth(db *sqlx.DB) persistence.RepositoryHealth {
	return &health{db: db}
}

func (h *health) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

func (h *health) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	check := persistence.HealthCheck{Healthy: true, LastCheck: start}

	if err := h.db.PingContext(ctx); err != nil {
		check.Healthy = false
		check.Errors = append(check.Errors, err.Error())
	}

	stats := h.db.Stats()
	check.ConnectionPool = map[string]int{
		"open":    stats.OpenConnections,
		"in_use":  stats.InUse,
		"idle":    stats.Idle,
		"max":     stats.MaxOpenConnections,
		"waiting": int(stats.WaitCount),
	}
	check.ResponseTimeMS = time.Since(start).Milliseconds()
	return check
}

// wrapStoreErr classifies a driver error. Integrity and data errors stay
// ordinary errors; everything else (dial failures, timeouts, bad conns)
// surfaces as StorageUnavailable so callers can abort the tick's writes.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		class := pqErr.Code.Class()
		if class == "22" || class == "23" {
			return fmt.Errorf("%s rejected: %w", op, err)
		}
	}
	return &domain.StorageUnavailable{Op: op, Cause: err}
}
