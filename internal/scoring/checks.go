package scoring

import (
	"fmt"
	"time"

	"github.com/vaultline/riskwatch/internal/domain"
)

// CheckStatus is the outcome of one qualification gate.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
)

// Check identifiers, in evaluation order.
const (
	CheckHasAudit         = "has_security_audit"
	CheckNoCriticalIssues = "no_critical_audit_issues"
	CheckNoActiveIncident = "no_active_security_incident"
)

// incidentActiveWindow is how long a funds-loss incident keeps an asset
// out of scoring.
const incidentActiveWindow = 30 * 24 * time.Hour

// CheckResult records one qualification gate outcome.
type CheckResult struct {
	ID     string      `json:"id"`
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Reason string      `json:"reason"`
}

// CheckReport aggregates the qualification stage. All gates must pass
// before an asset receives a numeric score.
type CheckReport struct {
	Qualified bool          `json:"qualified"`
	Passed    int           `json:"passed"`
	Total     int           `json:"total"`
	Failed    []string      `json:"failed_checks,omitempty"`
	Checks    []CheckResult `json:"checks"`
}

// RunPrimaryChecks evaluates the three binary gates against the asset's
// static configuration. A nil config fails the audit gate and therefore
// disqualifies.
func RunPrimaryChecks(cfg *domain.AssetConfig, now time.Time) CheckReport {
	var audit *domain.AuditData
	if cfg != nil {
		audit = cfg.AuditData
	}

	checks := []CheckResult{
		checkHasAudit(audit),
		checkNoCriticalIssues(audit),
		checkNoActiveIncident(audit, now),
	}

	report := CheckReport{Total: len(checks), Checks: checks}
	for _, c := range checks {
		if c.Status == CheckPass {
			report.Passed++
			continue
		}
		report.Failed = append(report.Failed, c.ID)
	}
	report.Qualified = len(report.Failed) == 0
	return report
}

func checkHasAudit(audit *domain.AuditData) CheckResult {
	result := CheckResult{ID: CheckHasAudit, Name: "Has Security Audit"}
	if audit == nil || len(audit.Audits) == 0 {
		result.Status = CheckFail
		result.Reason = "no security audit found, unaudited code is unacceptable"
		return result
	}
	result.Status = CheckPass
	result.Reason = fmt.Sprintf("%d audit(s) on record", len(audit.Audits))
	return result
}

func checkNoCriticalIssues(audit *domain.AuditData) CheckResult {
	result := CheckResult{ID: CheckNoCriticalIssues, Name: "No Critical Audit Issues"}
	unresolved := 0
	if audit != nil {
		for _, a := range audit.Audits {
			unresolved += a.CriticalIssuesUnresolved
		}
	}
	if unresolved > 0 {
		result.Status = CheckFail
		result.Reason = fmt.Sprintf("%d unresolved critical issue(s), immediate exploit risk", unresolved)
		return result
	}
	result.Status = CheckPass
	result.Reason = "no unresolved critical issues"
	return result
}

// checkNoActiveIncident fails on any funds-loss incident dated inside the
// active window that has not been resolved longer ago than the window.
func checkNoActiveIncident(audit *domain.AuditData, now time.Time) CheckResult {
	result := CheckResult{ID: CheckNoActiveIncident, Name: "No Active Security Incident"}
	active := 0
	if audit != nil {
		for _, inc := range audit.Incidents {
			if incidentActive(inc, now) {
				active++
			}
		}
	}
	if active > 0 {
		result.Status = CheckFail
		result.Reason = fmt.Sprintf("%d recent incident(s) with fund loss, avoid until resolved", active)
		return result
	}
	result.Status = CheckPass
	result.Reason = "no recent incidents with fund loss"
	return result
}

func incidentActive(inc domain.Incident, now time.Time) bool {
	if inc.FundsLostUSD <= 0 {
		return false
	}
	occurred, ok := domain.ParseConfigDate(inc.Date)
	if !ok || now.Sub(occurred) >= incidentActiveWindow {
		return false
	}
	if inc.ResolvedAt == "" {
		return true
	}
	resolved, ok := domain.ParseConfigDate(inc.ResolvedAt)
	if !ok {
		return true
	}
	return now.Sub(resolved) < incidentActiveWindow
}
