package persistence

import (
	"context"
	"time"

	"github.com/vaultline/riskwatch/internal/domain"
)

// TimeRange bounds a history query, inclusive on both ends.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Asset is one registered monitored asset and its collection config.
type Asset struct {
	Symbol     string              `json:"symbol" db:"symbol"`
	Name       string              `json:"name" db:"name"`
	Type       domain.AssetType    `json:"asset_type" db:"asset_type"`
	Underlying string              `json:"underlying_symbol" db:"underlying_symbol"`
	Decimals   int                 `json:"decimals" db:"decimals"`
	Enabled    bool                `json:"enabled" db:"enabled"`
	Config     *domain.AssetConfig `json:"config" db:"config"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at" db:"updated_at"`
}

// MetricSample is one immutable time-series point for (asset, metric).
type MetricSample struct {
	ID          int64                  `json:"id" db:"id"`
	AssetSymbol string                 `json:"asset_symbol" db:"asset_symbol"`
	MetricName  string                 `json:"metric_name" db:"metric_name"`
	Value       float64                `json:"value" db:"value"`
	Chain       string                 `json:"chain,omitempty" db:"chain"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	RecordedAt  time.Time              `json:"recorded_at" db:"recorded_at"`
}

// ThresholdRule is one alerting rule. An empty AssetSymbol means global
// scope; a sample is checked against the union of global rules and rules
// scoped to its asset.
type ThresholdRule struct {
	ID             int64           `json:"id" db:"id"`
	AssetSymbol    string          `json:"asset_symbol,omitempty" db:"asset_symbol"`
	MetricName     string          `json:"metric_name" db:"metric_name"`
	Operator       domain.Operator `json:"operator" db:"operator"`
	ThresholdValue float64         `json:"threshold_value" db:"threshold_value"`
	Severity       domain.Severity `json:"severity" db:"severity"`
	Enabled        bool            `json:"enabled" db:"enabled"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Global reports whether the rule applies to every asset.
func (r ThresholdRule) Global() bool { return r.AssetSymbol == "" }

// Alert is one row of the alert log. Rows are immutable once notified.
type Alert struct {
	ID                  int64           `json:"id" db:"id"`
	AssetSymbol         string          `json:"asset_symbol" db:"asset_symbol"`
	MetricName          string          `json:"metric_name" db:"metric_name"`
	Value               float64         `json:"value" db:"value"`
	ThresholdValue      float64         `json:"threshold_value" db:"threshold_value"`
	Operator            domain.Operator `json:"operator" db:"operator"`
	Severity            domain.Severity `json:"severity" db:"severity"`
	Message             string          `json:"message" db:"message"`
	Chain               string          `json:"chain,omitempty" db:"chain"`
	Notified            bool            `json:"notified" db:"notified"`
	NotificationChannel string          `json:"notification_channel,omitempty" db:"notification_channel"`
	SuppressedCount     int             `json:"suppressed_count" db:"suppressed_count"`
	NotifyAttempts      int             `json:"notify_attempts" db:"notify_attempts"`
	FailureCode         string          `json:"failure_code,omitempty" db:"failure_code"`
	TriggeredAt         time.Time       `json:"triggered_at" db:"triggered_at"`
}

// AlertKey identifies the de-duplication tuple for suppression.
type AlertKey struct {
	AssetSymbol    string
	MetricName     string
	Operator       domain.Operator
	ThresholdValue float64
	Severity       domain.Severity
}

// Key returns the alert's suppression tuple.
func (a Alert) Key() AlertKey {
	return AlertKey{
		AssetSymbol:    a.AssetSymbol,
		MetricName:     a.MetricName,
		Operator:       a.Operator,
		ThresholdValue: a.ThresholdValue,
		Severity:       a.Severity,
	}
}

// RegistryRepo stores monitored assets. Upserts validate the config
// document before accepting and are serialized per symbol by the store.
type RegistryRepo interface {
	// Upsert inserts or updates an asset; rejects invalid configs
	Upsert(ctx context.Context, asset Asset) (*Asset, error)

	// Get retrieves one asset by symbol; nil when absent
	Get(ctx context.Context, symbol string) (*Asset, error)

	// ListEnabled returns all enabled assets ordered by symbol
	ListEnabled(ctx context.Context) ([]Asset, error)

	// List returns all registered assets ordered by symbol
	List(ctx context.Context) ([]Asset, error)

	// SetEnabled flips the collection flag without touching history
	SetEnabled(ctx context.Context, symbol string, enabled bool) error
}

// MetricsRepo is the append-only sample store. The latest view never
// regresses: out-of-order appends are accepted but max-recorded_at wins.
type MetricsRepo interface {
	// Append persists one sample and returns it with its assigned ID
	Append(ctx context.Context, sample MetricSample) (*MetricSample, error)

	// AppendBatch persists samples from one fetch unit atomically
	AppendBatch(ctx context.Context, samples []MetricSample) error

	// Latest returns the max-recorded_at sample; nil when none exists
	Latest(ctx context.Context, asset, metric string) (*MetricSample, error)

	// LatestAll returns the latest sample per metric for one asset
	LatestAll(ctx context.Context, asset string) (map[string]MetricSample, error)

	// Range returns samples within the time range, oldest first
	Range(ctx context.Context, asset, metric string, tr TimeRange) ([]MetricSample, error)

	// Snapshot returns the latest sample per (metric, chain, market anchor)
	// at or before cutoff. Metrics collected from several markets or pools
	// keep one row per anchor so scoring can weight them.
	Snapshot(ctx context.Context, asset string, cutoff time.Time) ([]MetricSample, error)
}

// ThresholdsRepo stores alerting rules keyed by (scope, metric, operator, value).
type ThresholdsRepo interface {
	// Upsert inserts or updates a rule by its uniqueness tuple
	Upsert(ctx context.Context, rule ThresholdRule) (*ThresholdRule, error)

	// List returns all rules, global first then per-asset
	List(ctx context.Context) ([]ThresholdRule, error)

	// ListEnabled returns enabled rules only
	ListEnabled(ctx context.Context) ([]ThresholdRule, error)

	// SetEnabled toggles one rule
	SetEnabled(ctx context.Context, id int64, enabled bool) error

	// Seed inserts rules that are not yet present; returns inserted count
	Seed(ctx context.Context, rules []ThresholdRule) (int, error)
}

// AlertsRepo stores the alert log and drives the notification lifecycle.
type AlertsRepo interface {
	// Insert writes a new pending alert and returns it with its ID
	Insert(ctx context.Context, alert Alert) (*Alert, error)

	// LastMatching returns the newest alert for the tuple regardless of
	// notification state; nil when none exists
	LastMatching(ctx context.Context, key AlertKey) (*Alert, error)

	// AccumulateSuppressed bumps suppressed_count on the newest
	// unnotified alert of the tuple; no-op when none is pending
	AccumulateSuppressed(ctx context.Context, key AlertKey) error

	// ListPending returns unnotified, unfailed alerts, most severe first,
	// oldest first within a severity
	ListPending(ctx context.Context, limit int) ([]Alert, error)

	// RecordAttempt increments notify_attempts and returns the new count
	RecordAttempt(ctx context.Context, id int64) (int, error)

	// MarkNotified finalizes delivery and records the channel
	MarkNotified(ctx context.Context, id int64, channel string) error

	// MarkFailed marks an alert permanently undeliverable with a reason code
	MarkFailed(ctx context.Context, id int64, reason string) error

	// Active returns alerts triggered within the trailing window, newest first
	Active(ctx context.Context, window time.Duration) ([]Alert, error)

	// ListByAsset returns recent alerts for one asset, newest first
	ListByAsset(ctx context.Context, asset string, limit int) ([]Alert, error)
}

// Repository aggregates all persistence interfaces.
type Repository struct {
	Registry   RegistryRepo
	Metrics    MetricsRepo
	Thresholds ThresholdsRepo
	Alerts     AlertsRepo
}

// HealthCheck represents repository health status.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer.
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database
	Ping(ctx context.Context) error
}
