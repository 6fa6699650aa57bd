package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/config"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

type fakeThresholds struct {
	mu    sync.Mutex
	rules []persistence.ThresholdRule
	err   error
	calls int
}

func (f *fakeThresholds) Upsert(ctx context.Context, rule persistence.ThresholdRule) (*persistence.ThresholdRule, error) {
	return &rule, nil
}

func (f *fakeThresholds) List(ctx context.Context) ([]persistence.ThresholdRule, error) {
	return f.rules, nil
}

func (f *fakeThresholds) ListEnabled(ctx context.Context) ([]persistence.ThresholdRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func (f *fakeThresholds) SetEnabled(ctx context.Context, id int64, enabled bool) error { return nil }

func (f *fakeThresholds) Seed(ctx context.Context, rules []persistence.ThresholdRule) (int, error) {
	return len(rules), nil
}

type fakeAlertLog struct {
	mu         sync.Mutex
	nextID     int64
	inserted   []persistence.Alert
	last       map[persistence.AlertKey]persistence.Alert
	suppressed map[persistence.AlertKey]int
	insertErr  error
}

func newFakeAlertLog() *fakeAlertLog {
	return &fakeAlertLog{
		last:       make(map[persistence.AlertKey]persistence.Alert),
		suppressed: make(map[persistence.AlertKey]int),
	}
}

func (f *fakeAlertLog) Insert(ctx context.Context, alert persistence.Alert) (*persistence.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.nextID++
	alert.ID = f.nextID
	f.inserted = append(f.inserted, alert)
	f.last[alert.Key()] = alert
	return &alert, nil
}

func (f *fakeAlertLog) LastMatching(ctx context.Context, key persistence.AlertKey) (*persistence.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if alert, ok := f.last[key]; ok {
		return &alert, nil
	}
	return nil, nil
}

func (f *fakeAlertLog) AccumulateSuppressed(ctx context.Context, key persistence.AlertKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suppressed[key]++
	return nil
}

func (f *fakeAlertLog) ListPending(ctx context.Context, limit int) ([]persistence.Alert, error) {
	return nil, nil
}

func (f *fakeAlertLog) RecordAttempt(ctx context.Context, id int64) (int, error) { return 0, nil }

func (f *fakeAlertLog) MarkNotified(ctx context.Context, id int64, channel string) error { return nil }

func (f *fakeAlertLog) MarkFailed(ctx context.Context, id int64, reason string) error { return nil }

func (f *fakeAlertLog) Active(ctx context.Context, window time.Duration) ([]persistence.Alert, error) {
	return nil, nil
}

func (f *fakeAlertLog) ListByAsset(ctx context.Context, asset string, limit int) ([]persistence.Alert, error) {
	return nil, nil
}

func testEngine(thresholds *fakeThresholds, alerts *fakeAlertLog) *Engine {
	cfg := config.AlertingConfig{SuppressionWindowMins: 15}
	engine := NewEngine(thresholds, alerts, cfg, nil)
	base := time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return base }
	return engine
}

func globalRule(id int64, metric string, op domain.Operator, threshold float64, severity domain.Severity) persistence.ThresholdRule {
	return persistence.ThresholdRule{
		ID:             id,
		MetricName:     metric,
		Operator:       op,
		ThresholdValue: threshold,
		Severity:       severity,
		Enabled:        true,
	}
}

func TestEngine_FiresOnBreach(t *testing.T) {
	tests := []struct {
		name    string
		rule    persistence.ThresholdRule
		sample  persistence.MetricSample
		message string
	}{
		{
			name:    "reserve_ratio_below_floor",
			rule:    globalRule(1, "por_ratio", domain.OpLT, 0.98, domain.SeverityCritical),
			sample:  persistence.MetricSample{AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 0.95},
			message: "RWBTC por_ratio: 0.9500 < 0.98 [critical]",
		},
		{
			name: "chain_tag_rendered",
			rule: globalRule(2, "oracle_freshness_minutes", domain.OpGT, 30, domain.SeverityWarning),
			sample: persistence.MetricSample{
				AssetSymbol: "WSTETH",
				MetricName:  "oracle_freshness_minutes",
				Value:       45.5,
				Chain:       "ethereum",
			},
			message: "WSTETH oracle_freshness_minutes (ethereum): 45.5000 > 30 [warning]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := newFakeAlertLog()
			engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{tt.rule}}, alerts)

			err := engine.Evaluate(context.Background(), tt.sample)
			require.NoError(t, err)

			require.Len(t, alerts.inserted, 1)
			written := alerts.inserted[0]
			assert.Equal(t, tt.message, written.Message)
			assert.Equal(t, tt.sample.AssetSymbol, written.AssetSymbol)
			assert.Equal(t, tt.rule.Severity, written.Severity)
			assert.Equal(t, tt.rule.ThresholdValue, written.ThresholdValue)
			assert.Equal(t, tt.sample.Chain, written.Chain)
			assert.False(t, written.Notified)
		})
	}
}

func TestEngine_CleanSampleWritesNothing(t *testing.T) {
	alerts := newFakeAlertLog()
	thresholds := &fakeThresholds{rules: []persistence.ThresholdRule{
		globalRule(1, "por_ratio", domain.OpLT, 0.98, domain.SeverityCritical),
	}}
	engine := testEngine(thresholds, alerts)

	err := engine.Evaluate(context.Background(), persistence.MetricSample{
		AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 1.01,
	})
	require.NoError(t, err)
	assert.Empty(t, alerts.inserted)
}

func TestEngine_WarningAndCriticalBothWritten(t *testing.T) {
	alerts := newFakeAlertLog()
	thresholds := &fakeThresholds{rules: []persistence.ThresholdRule{
		globalRule(1, "utilization_rate", domain.OpGT, 85, domain.SeverityWarning),
		globalRule(2, "utilization_rate", domain.OpGT, 95, domain.SeverityCritical),
	}}
	engine := testEngine(thresholds, alerts)

	err := engine.Evaluate(context.Background(), persistence.MetricSample{
		AssetSymbol: "RWBTC", MetricName: "utilization_rate", Value: 97.2,
	})
	require.NoError(t, err)

	require.Len(t, alerts.inserted, 2)
	severities := []domain.Severity{alerts.inserted[0].Severity, alerts.inserted[1].Severity}
	assert.Contains(t, severities, domain.SeverityWarning)
	assert.Contains(t, severities, domain.SeverityCritical)
}

func TestEngine_AssetScopedRules(t *testing.T) {
	scoped := globalRule(1, "peg_deviation_pct", domain.OpGT, 0.5, domain.SeverityCritical)
	scoped.AssetSymbol = "WSTETH"
	global := globalRule(2, "peg_deviation_pct", domain.OpGT, 2.0, domain.SeverityCritical)

	t.Run("union_of_asset_and_global", func(t *testing.T) {
		alerts := newFakeAlertLog()
		engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{scoped, global}}, alerts)

		err := engine.Evaluate(context.Background(), persistence.MetricSample{
			AssetSymbol: "WSTETH", MetricName: "peg_deviation_pct", Value: 3.1,
		})
		require.NoError(t, err)
		assert.Len(t, alerts.inserted, 2)
	})

	t.Run("scoped_rule_skips_other_assets", func(t *testing.T) {
		alerts := newFakeAlertLog()
		engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{scoped}}, alerts)

		err := engine.Evaluate(context.Background(), persistence.MetricSample{
			AssetSymbol: "RWBTC", MetricName: "peg_deviation_pct", Value: 3.1,
		})
		require.NoError(t, err)
		assert.Empty(t, alerts.inserted)
	})
}

func TestEngine_SuppressionWindow(t *testing.T) {
	rule := globalRule(1, "por_ratio", domain.OpLT, 0.98, domain.SeverityCritical)
	sample := persistence.MetricSample{AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 0.95}

	t.Run("repeat_within_window_suppressed", func(t *testing.T) {
		alerts := newFakeAlertLog()
		engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{rule}}, alerts)

		require.NoError(t, engine.Evaluate(context.Background(), sample))
		require.Len(t, alerts.inserted, 1)

		require.NoError(t, engine.Evaluate(context.Background(), sample))
		assert.Len(t, alerts.inserted, 1, "second firing should not insert")
		assert.Equal(t, 1, alerts.suppressed[alerts.inserted[0].Key()])
	})

	t.Run("refires_after_window_expires", func(t *testing.T) {
		alerts := newFakeAlertLog()
		engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{rule}}, alerts)

		require.NoError(t, engine.Evaluate(context.Background(), sample))

		later := engine.now().Add(16 * time.Minute)
		engine.now = func() time.Time { return later }
		require.NoError(t, engine.Evaluate(context.Background(), sample))

		assert.Len(t, alerts.inserted, 2)
		assert.Empty(t, alerts.suppressed)
	})

	t.Run("distinct_severity_not_suppressed", func(t *testing.T) {
		alerts := newFakeAlertLog()
		warning := globalRule(2, "por_ratio", domain.OpLT, 0.99, domain.SeverityWarning)
		engine := testEngine(&fakeThresholds{rules: []persistence.ThresholdRule{rule, warning}}, alerts)

		require.NoError(t, engine.Evaluate(context.Background(), sample))

		// Both tuples fired once; neither suppresses the other.
		assert.Len(t, alerts.inserted, 2)
		assert.Empty(t, alerts.suppressed)
	})
}

func TestEngine_RulesCache(t *testing.T) {
	thresholds := &fakeThresholds{rules: []persistence.ThresholdRule{
		globalRule(1, "por_ratio", domain.OpLT, 0.98, domain.SeverityCritical),
	}}
	alerts := newFakeAlertLog()
	engine := testEngine(thresholds, alerts)

	sample := persistence.MetricSample{AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 1.02}
	require.NoError(t, engine.Evaluate(context.Background(), sample))
	require.NoError(t, engine.Evaluate(context.Background(), sample))
	assert.Equal(t, 1, thresholds.calls, "second evaluate should hit the cache")

	engine.InvalidateRules()
	require.NoError(t, engine.Evaluate(context.Background(), sample))
	assert.Equal(t, 2, thresholds.calls)
}

func TestEngine_LookupFailure(t *testing.T) {
	thresholds := &fakeThresholds{err: errors.New("connection refused")}
	engine := testEngine(thresholds, newFakeAlertLog())

	err := engine.Evaluate(context.Background(), persistence.MetricSample{
		AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 0.95,
	})
	require.Error(t, err)

	var evalErr *domain.ThresholdEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "RWBTC", evalErr.Asset)
	assert.Equal(t, "por_ratio", evalErr.Metric)
}

func TestEngine_InsertFailureReported(t *testing.T) {
	alerts := newFakeAlertLog()
	alerts.insertErr = errors.New("disk full")
	thresholds := &fakeThresholds{rules: []persistence.ThresholdRule{
		globalRule(1, "por_ratio", domain.OpLT, 0.98, domain.SeverityCritical),
	}}
	engine := testEngine(thresholds, alerts)

	err := engine.Evaluate(context.Background(), persistence.MetricSample{
		AssetSymbol: "RWBTC", MetricName: "por_ratio", Value: 0.95,
	})

	var evalErr *domain.ThresholdEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorContains(t, err, "disk full")
}
