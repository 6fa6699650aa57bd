package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

type fakeMetricsRepo struct {
	samples       []persistence.MetricSample
	snapshotErr   error
	snapshotCalls int
	lastCutoff    time.Time
}

func (f *fakeMetricsRepo) Append(_ context.Context, sample persistence.MetricSample) (*persistence.MetricSample, error) {
	return &sample, nil
}

func (f *fakeMetricsRepo) AppendBatch(context.Context, []persistence.MetricSample) error {
	return nil
}

func (f *fakeMetricsRepo) Latest(context.Context, string, string) (*persistence.MetricSample, error) {
	return nil, nil
}

func (f *fakeMetricsRepo) LatestAll(context.Context, string) (map[string]persistence.MetricSample, error) {
	return nil, nil
}

func (f *fakeMetricsRepo) Range(context.Context, string, string, persistence.TimeRange) ([]persistence.MetricSample, error) {
	return nil, nil
}

func (f *fakeMetricsRepo) Snapshot(_ context.Context, _ string, cutoff time.Time) ([]persistence.MetricSample, error) {
	f.snapshotCalls++
	f.lastCutoff = cutoff
	return f.samples, f.snapshotErr
}

func newTestEngine(repo *fakeMetricsRepo) *Engine {
	e := NewEngine(repo, nil)
	e.now = func() time.Time { return checksNow }
	return e
}

func qualifiedConfig() *domain.AssetConfig {
	return &domain.AssetConfig{
		AuditData: &domain.AuditData{
			Audits:         []domain.Audit{{Auditor: "Trail of Bits", Date: "2025-01-15"}},
			DeploymentDate: "2022-06-01",
		},
		Governance: &domain.Governance{
			Roles: []domain.GovernanceRole{
				{RoleName: "owner", AuthorityKind: domain.AuthorityMultisig, RoleWeight: 3, Threshold: 4, SignerCount: 7},
			},
			HasTimelock:   true,
			TimelockHours: 72,
			CustodyModel:  domain.CustodyRegulatedInsured,
		},
	}
}

// healthySnapshot pins every metric to its best anchor except the audit
// and governance derived scores, so category arithmetic stays exact.
func healthySnapshot() []persistence.MetricSample {
	pool := map[string]interface{}{"pool_name": "main/usdc"}
	return []persistence.MetricSample{
		metricRow(catalog.PegDeviationPct, 0.05, "ethereum", nil),
		metricRow(catalog.VolatilityAnnualized, 20, "", nil),
		metricRow(catalog.VaR95Pct, 3, "", nil),
		metricRow(catalog.Slippage100kPct, 0.1, "ethereum", nil),
		metricRow(catalog.Slippage500kPct, 0.5, "ethereum", nil),
		metricRow(catalog.HHI, 1000, "ethereum", pool),
		metricRow(catalog.PoolTVLUSD, 5_000_000, "ethereum", pool),
		metricRow(catalog.CLRPct, 2, "ethereum", map[string]interface{}{"total_supply": 1_000_000.0}),
		metricRow(catalog.RLRPct, 5, "ethereum", map[string]interface{}{"total_supply": 1_000_000.0}),
		metricRow(catalog.UtilizationRate, 50, "ethereum", map[string]interface{}{"total_supply": 1_000_000.0}),
		metricRow(catalog.PorRatio, 1.02, "", nil),
		metricRow(catalog.OracleFreshnessMinutes, 5, "ethereum", nil),
		metricRow(catalog.CrossChainOracleLagMin, 5, "base", nil),
	}
}

func testAsset(cfg *domain.AssetConfig) *persistence.Asset {
	return &persistence.Asset{Symbol: "RWBTC", Name: "Risk Wrapped BTC", Config: cfg, Enabled: true}
}

func TestEngine_Score_HealthyAsset(t *testing.T) {
	repo := &fakeMetricsRepo{samples: healthySnapshot()}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(qualifiedConfig()), time.Time{})

	require.NoError(t, err)
	assert.Equal(t, StatusQualified, result.Status)
	assert.True(t, result.Qualified)
	assert.True(t, result.PrimaryChecks.Qualified)
	assert.Equal(t, checksNow, result.EvaluatedAt)
	assert.Equal(t, checksNow, result.Cutoff, "zero cutoff defaults to evaluation time")
	assert.Equal(t, checksNow, repo.lastCutoff)

	require.NotNil(t, result.Overall)
	// sc 95.2, cp 88.557, market/liquidity/collateral 100, reserve 98.5
	assert.InDelta(t, 96.284, result.Overall.Score, 0.01)
	assert.Equal(t, "A", result.Overall.Grade)
	assert.Equal(t, "Excellent", result.Overall.Label)
	assert.Equal(t, result.Overall.Score, result.Overall.BaseScore)

	require.Len(t, result.Categories, 6)
	assert.Empty(t, result.MissingCategories)
	require.NotNil(t, result.CircuitBreakers)
	assert.Empty(t, result.CircuitBreakers.Triggered)
	assert.False(t, result.CircuitBreakers.ScoreAdjusted)
}

func TestEngine_Score_UndercollateralizedCapsAtC(t *testing.T) {
	samples := healthySnapshot()
	for i := range samples {
		if samples[i].MetricName == catalog.PorRatio {
			samples[i].Value = 0.97
		}
	}
	repo := &fakeMetricsRepo{samples: samples}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(qualifiedConfig()), time.Time{})

	require.NoError(t, err)
	require.NotNil(t, result.Overall)
	assert.Equal(t, 69.0, result.Overall.Score)
	assert.Equal(t, "C", result.Overall.Grade)
	assert.InDelta(t, 94.159, result.Overall.BaseScore, 0.01)
	assert.Equal(t, "A", result.Overall.BaseGrade)

	require.NotNil(t, result.CircuitBreakers)
	require.Len(t, result.CircuitBreakers.Triggered, 1)
	assert.Equal(t, BreakerReserveUndercollateralized, result.CircuitBreakers.Triggered[0].Name)
	assert.True(t, result.CircuitBreakers.ScoreAdjusted)
}

func TestEngine_Score_CriticalEOACapsAtD(t *testing.T) {
	cfg := qualifiedConfig()
	cfg.Governance.Roles = []domain.GovernanceRole{
		{RoleName: "proxy_admin", AuthorityKind: domain.AuthorityEOA, RoleWeight: 5},
	}
	repo := &fakeMetricsRepo{samples: healthySnapshot()}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(cfg), time.Time{})

	require.NoError(t, err)
	require.NotNil(t, result.Overall)
	assert.Equal(t, 54.0, result.Overall.Score)
	assert.Equal(t, "D", result.Overall.Grade)
	assert.InDelta(t, 90.07, result.Overall.BaseScore, 0.01)

	require.NotNil(t, result.CircuitBreakers)
	require.Len(t, result.CircuitBreakers.Triggered, 1)
	assert.Equal(t, BreakerCriticalAdminEOA, result.CircuitBreakers.Triggered[0].Name)
}

func TestEngine_Score_DisqualifiedSkipsSnapshot(t *testing.T) {
	cfg := qualifiedConfig()
	cfg.AuditData.Audits[0].CriticalIssuesUnresolved = 1
	repo := &fakeMetricsRepo{samples: healthySnapshot()}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(cfg), time.Time{})

	require.NoError(t, err)
	assert.Equal(t, StatusDisqualified, result.Status)
	assert.False(t, result.Qualified)
	assert.Equal(t, []string{CheckNoCriticalIssues}, result.PrimaryChecks.Failed)
	assert.Nil(t, result.Overall)
	assert.Nil(t, result.Categories)
	assert.Nil(t, result.CircuitBreakers)
	assert.Zero(t, repo.snapshotCalls, "disqualification must not read the store")
}

func TestEngine_Score_SnapshotErrorPropagates(t *testing.T) {
	repo := &fakeMetricsRepo{snapshotErr: errors.New("connection refused")}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(qualifiedConfig()), time.Time{})

	require.Error(t, err)
	assert.Nil(t, result)
}

func TestEngine_Score_MissingMetricsRenormalize(t *testing.T) {
	repo := &fakeMetricsRepo{} // config only, no samples at all
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(qualifiedConfig()), time.Time{})

	require.NoError(t, err)
	require.NotNil(t, result.Overall)
	require.Len(t, result.Categories, 2)
	assert.Equal(t, []string{
		CategoryMarket,
		CategoryLiquidity,
		CategoryCollateral,
		CategoryReserveOracle,
	}, result.MissingCategories)
	// (95.2*10 + 88.557*25) / 35
	assert.InDelta(t, 90.455, result.Overall.Score, 0.01)
	assert.Equal(t, "A", result.Overall.Grade)
}

func TestEngine_Score_ExplicitCutoffPassedThrough(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeMetricsRepo{samples: healthySnapshot()}
	engine := newTestEngine(repo)

	result, err := engine.Score(context.Background(), testAsset(qualifiedConfig()), cutoff)

	require.NoError(t, err)
	assert.Equal(t, cutoff, repo.lastCutoff)
	assert.Equal(t, cutoff, result.Cutoff)
	assert.Equal(t, checksNow, result.EvaluatedAt)
}

func TestEngine_Score_Deterministic(t *testing.T) {
	repo := &fakeMetricsRepo{samples: healthySnapshot()}
	engine := newTestEngine(repo)
	asset := testAsset(qualifiedConfig())

	first, err := engine.Score(context.Background(), asset, time.Time{})
	require.NoError(t, err)
	second, err := engine.Score(context.Background(), asset, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEvaluate_DisqualifiedWithoutInputs(t *testing.T) {
	checks := CheckReport{Failed: []string{CheckHasAudit}, Total: 3}

	result := Evaluate("RWBTC", nil, Inputs{}, checks, checksNow, checksNow)

	assert.Equal(t, StatusDisqualified, result.Status)
	assert.Nil(t, result.Overall)
}
