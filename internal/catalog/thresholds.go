package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	yaml "gopkg.in/yaml.v2"

	"github.com/vaultline/riskwatch/internal/domain"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// SeedRules returns the built-in global threshold rules. They are written
// into the rule store on first start; operator edits take precedence
// afterwards.
func SeedRules() []persistence.ThresholdRule {
	seed := []struct {
		metric   string
		op       domain.Operator
		value    float64
		severity domain.Severity
	}{
		{PorRatio, domain.OpLT, 1.0, domain.SeverityCritical},
		{PorRatio, domain.OpLT, 0.99, domain.SeverityCritical},
		{OracleFreshnessMinutes, domain.OpGT, 30, domain.SeverityWarning},
		{OracleFreshnessMinutes, domain.OpGT, 60, domain.SeverityCritical},
		{PegDeviationPct, domain.OpGT, 2.0, domain.SeverityWarning},
		{PegDeviationPct, domain.OpGT, 5.0, domain.SeverityCritical},
		{UtilizationRate, domain.OpGT, 90, domain.SeverityWarning},
		{UtilizationRate, domain.OpGT, 95, domain.SeverityCritical},
		{PoolTVLUSD, domain.OpLT, 100000, domain.SeverityWarning},
		{Slippage100kPct, domain.OpGT, 2.0, domain.SeverityWarning},
		{Slippage100kPct, domain.OpGT, 5.0, domain.SeverityCritical},
		{HHI, domain.OpGT, 4000, domain.SeverityWarning},
		{HHI, domain.OpGT, 6000, domain.SeverityCritical},
		{Gini, domain.OpGT, 0.8, domain.SeverityWarning},
		{Gini, domain.OpGT, 0.9, domain.SeverityCritical},
		{CLRPct, domain.OpGT, 10, domain.SeverityWarning},
		{CLRPct, domain.OpGT, 20, domain.SeverityCritical},
		{RLRPct, domain.OpGT, 20, domain.SeverityWarning},
		{RLRPct, domain.OpGT, 35, domain.SeverityCritical},
	}

	rules := make([]persistence.ThresholdRule, 0, len(seed))
	for _, s := range seed {
		rules = append(rules, persistence.ThresholdRule{
			MetricName:     s.metric,
			Operator:       s.op,
			ThresholdValue: s.value,
			Severity:       s.severity,
			Enabled:        true,
		})
	}
	return rules
}

// seedFile is the on-disk shape of a threshold seed document.
type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedRule struct {
	Asset    string  `yaml:"asset,omitempty"`
	Metric   string  `yaml:"metric"`
	Op       string  `yaml:"op"`
	Value    float64 `yaml:"value"`
	Severity string  `yaml:"severity"`
	Disabled bool    `yaml:"disabled,omitempty"`
}

// LoadSeedFile reads additional threshold rules from a YAML document.
// Rules referencing metrics outside the catalog are rejected.
func LoadSeedFile(path string) ([]persistence.ThresholdRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read threshold seed file: %w", err)
	}

	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse threshold seed file: %w", err)
	}

	rules := make([]persistence.ThresholdRule, 0, len(doc.Rules))
	for i, s := range doc.Rules {
		if !Known(s.Metric) {
			return nil, fmt.Errorf("rules[%d]: unknown metric %q", i, s.Metric)
		}
		op := domain.Operator(s.Op)
		if !op.Valid() {
			return nil, fmt.Errorf("rules[%d]: unknown operator %q", i, s.Op)
		}
		sev := domain.Severity(s.Severity)
		if !sev.Valid() {
			return nil, fmt.Errorf("rules[%d]: unknown severity %q", i, s.Severity)
		}
		rules = append(rules, persistence.ThresholdRule{
			AssetSymbol:    strings.ToUpper(s.Asset),
			MetricName:     s.Metric,
			Operator:       op,
			ThresholdValue: s.Value,
			Severity:       sev,
			Enabled:        !s.Disabled,
		})
	}
	return rules, nil
}

// ruleIndex is one immutable snapshot of the enabled rule set.
type ruleIndex struct {
	global  map[string][]persistence.ThresholdRule
	byAsset map[string]map[string][]persistence.ThresholdRule
}

// ThresholdSet is the read-mostly rule set consulted on every sample.
// Reloads swap the whole snapshot atomically; readers never block.
type ThresholdSet struct {
	v atomic.Value // *ruleIndex
}

// NewThresholdSet indexes the given rules.
func NewThresholdSet(rules []persistence.ThresholdRule) *ThresholdSet {
	s := &ThresholdSet{}
	s.Replace(rules)
	return s
}

// Replace swaps in a new rule snapshot. Disabled rules are dropped.
func (s *ThresholdSet) Replace(rules []persistence.ThresholdRule) {
	idx := &ruleIndex{
		global:  make(map[string][]persistence.ThresholdRule),
		byAsset: make(map[string]map[string][]persistence.ThresholdRule),
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Global() {
			idx.global[r.MetricName] = append(idx.global[r.MetricName], r)
			continue
		}
		asset := strings.ToUpper(r.AssetSymbol)
		if idx.byAsset[asset] == nil {
			idx.byAsset[asset] = make(map[string][]persistence.ThresholdRule)
		}
		idx.byAsset[asset][r.MetricName] = append(idx.byAsset[asset][r.MetricName], r)
	}
	s.v.Store(idx)
}

// Match returns the enabled rules applying to (asset, metric). Per-asset
// rules override the global ones for the same metric entirely.
func (s *ThresholdSet) Match(asset, metric string) []persistence.ThresholdRule {
	idx := s.v.Load().(*ruleIndex)
	if perAsset, ok := idx.byAsset[strings.ToUpper(asset)]; ok {
		if rules, ok := perAsset[metric]; ok {
			return rules
		}
	}
	return idx.global[metric]
}

// Len returns the number of indexed enabled rules.
func (s *ThresholdSet) Len() int {
	idx := s.v.Load().(*ruleIndex)
	n := 0
	for _, rules := range idx.global {
		n += len(rules)
	}
	for _, metrics := range idx.byAsset {
		for _, rules := range metrics {
			n += len(rules)
		}
	}
	return n
}
