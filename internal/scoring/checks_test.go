package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/riskwatch/internal/domain"
)

var checksNow = time.Date(2025, 6, 12, 10, 0, 0, 0, time.UTC)

func auditedConfig() *domain.AssetConfig {
	return &domain.AssetConfig{
		AuditData: &domain.AuditData{
			Audits: []domain.Audit{{Auditor: "Trail of Bits", Date: "2025-01-15"}},
		},
	}
}

func TestRunPrimaryChecks_AllPass(t *testing.T) {
	report := RunPrimaryChecks(auditedConfig(), checksNow)

	assert.True(t, report.Qualified)
	assert.Equal(t, 3, report.Passed)
	assert.Equal(t, 3, report.Total)
	assert.Empty(t, report.Failed)
	require.Len(t, report.Checks, 3)
	assert.Equal(t, CheckHasAudit, report.Checks[0].ID)
	assert.Equal(t, CheckNoCriticalIssues, report.Checks[1].ID)
	assert.Equal(t, CheckNoActiveIncident, report.Checks[2].ID)
	for _, c := range report.Checks {
		assert.Equal(t, CheckPass, c.Status)
		assert.NotEmpty(t, c.Reason)
	}
}

func TestRunPrimaryChecks_NoAudit(t *testing.T) {
	tests := []struct {
		name string
		cfg  *domain.AssetConfig
	}{
		{"nil_config", nil},
		{"nil_audit_data", &domain.AssetConfig{}},
		{"empty_audit_list", &domain.AssetConfig{AuditData: &domain.AuditData{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := RunPrimaryChecks(tt.cfg, checksNow)

			assert.False(t, report.Qualified)
			assert.Equal(t, []string{CheckHasAudit}, report.Failed)
			assert.Equal(t, CheckFail, report.Checks[0].Status)
			assert.Contains(t, report.Checks[0].Reason, "no security audit")
		})
	}
}

func TestRunPrimaryChecks_UnresolvedCritical(t *testing.T) {
	cfg := &domain.AssetConfig{
		AuditData: &domain.AuditData{
			Audits: []domain.Audit{
				{Auditor: "Trail of Bits", Date: "2025-01-15"},
				{Auditor: "Halborn", Date: "2025-03-01", CriticalIssuesUnresolved: 1},
			},
		},
	}

	report := RunPrimaryChecks(cfg, checksNow)

	assert.False(t, report.Qualified)
	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, []string{CheckNoCriticalIssues}, report.Failed)
	assert.Contains(t, report.Checks[1].Reason, "1 unresolved critical")
}

func TestRunPrimaryChecks_ActiveIncident(t *testing.T) {
	withIncident := func(inc domain.Incident) *domain.AssetConfig {
		cfg := auditedConfig()
		cfg.AuditData.Incidents = []domain.Incident{inc}
		return cfg
	}

	tests := []struct {
		name      string
		incident  domain.Incident
		qualified bool
	}{
		{
			"funds_lost_within_window_unresolved",
			domain.Incident{Date: "2025-06-01", FundsLostUSD: 2_000_000},
			false,
		},
		{
			"funds_lost_recently_resolved_still_active",
			domain.Incident{Date: "2025-06-01", FundsLostUSD: 2_000_000, ResolvedAt: "2025-06-05"},
			false,
		},
		{
			"funds_lost_outside_window",
			domain.Incident{Date: "2025-04-01", FundsLostUSD: 2_000_000},
			true,
		},
		{
			"no_funds_lost_within_window",
			domain.Incident{Date: "2025-06-01"},
			true,
		},
		{
			"unparseable_date_ignored",
			domain.Incident{Date: "last tuesday", FundsLostUSD: 500_000},
			true,
		},
		{
			"just_inside_window",
			domain.Incident{Date: "2025-05-14", FundsLostUSD: 100_000},
			false,
		},
		{
			"just_outside_window",
			domain.Incident{Date: "2025-05-13", FundsLostUSD: 100_000},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := RunPrimaryChecks(withIncident(tt.incident), checksNow)

			assert.Equal(t, tt.qualified, report.Qualified)
			if !tt.qualified {
				assert.Equal(t, []string{CheckNoActiveIncident}, report.Failed)
				assert.Contains(t, report.Checks[2].Reason, "fund loss")
			}
		})
	}
}

func TestRunPrimaryChecks_MultipleFailures(t *testing.T) {
	cfg := &domain.AssetConfig{
		AuditData: &domain.AuditData{
			Audits: []domain.Audit{{Auditor: "Halborn", Date: "2024-11-01", CriticalIssuesUnresolved: 2}},
			Incidents: []domain.Incident{
				{Date: "2025-06-10", FundsLostUSD: 1_000_000},
			},
		},
	}

	report := RunPrimaryChecks(cfg, checksNow)

	assert.False(t, report.Qualified)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, []string{CheckNoCriticalIssues, CheckNoActiveIncident}, report.Failed)
}
