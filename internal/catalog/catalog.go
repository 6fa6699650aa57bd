// Package catalog holds the closed set of monitored metrics, their
// collection frequency classes, and the built-in alerting thresholds.
package catalog

import (
	"sort"

	"github.com/vaultline/riskwatch/internal/domain"
)

// Class groups metrics by collection cadence.
type Class string

const (
	ClassCritical Class = "critical"
	ClassHigh     Class = "high"
	ClassMedium   Class = "medium"
	ClassDaily    Class = "daily"
)

// Classes returns all frequency classes in cadence order.
func Classes() []Class {
	return []Class{ClassCritical, ClassHigh, ClassMedium, ClassDaily}
}

// Valid reports whether c is a recognized class.
func (c Class) Valid() bool {
	switch c {
	case ClassCritical, ClassHigh, ClassMedium, ClassDaily:
		return true
	}
	return false
}

// Direction states whether larger values indicate better or worse health.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
	Informational  Direction = "informational"
)

// Metric is one immutable catalog entry. Kinds lists every fetcher able
// to produce the metric; some metrics have both a pool and a holder
// variant and therefore two producers.
type Metric struct {
	Name      string
	Class     Class
	Kinds     []domain.FetcherKind
	Unit      string
	Direction Direction
}

// Metric names. The set is closed: fetchers must not emit names outside it.
const (
	PorRatio               = "por_ratio"
	OracleFreshnessMinutes = "oracle_freshness_minutes"
	PegDeviationPct        = "peg_deviation_pct"
	PoolTVLUSD             = "pool_tvl_usd"
	UtilizationRate        = "utilization_rate"
	Slippage100kPct        = "slippage_100k_pct"
	Slippage500kPct        = "slippage_500k_pct"
	HHI                    = "hhi"
	Gini                   = "gini"
	CLRPct                 = "clr_pct"
	RLRPct                 = "rlr_pct"
	TotalSupply            = "total_supply"
	Top10LPConcentration   = "top10_lp_concentration_pct"
	CrossChainOracleLagMin = "cross_chain_oracle_lag_minutes"
	VolatilityAnnualized   = "volatility_annualized_pct"
	VaR95Pct               = "var95_pct"
	CVaR95Pct              = "cvar95_pct"
	PriceDeviation365dMax  = "price_deviation_365d_max_pct"
)

var metrics = []Metric{
	{PorRatio, ClassCritical, []domain.FetcherKind{domain.KindReserve}, "ratio", HigherIsBetter},
	{OracleFreshnessMinutes, ClassCritical, []domain.FetcherKind{domain.KindOracle}, "minutes", LowerIsBetter},
	{PegDeviationPct, ClassCritical, []domain.FetcherKind{domain.KindMarket}, "%", LowerIsBetter},

	{PoolTVLUSD, ClassHigh, []domain.FetcherKind{domain.KindLiquidity}, "USD", HigherIsBetter},
	{UtilizationRate, ClassHigh, []domain.FetcherKind{domain.KindLending}, "%", LowerIsBetter},
	{Slippage100kPct, ClassHigh, []domain.FetcherKind{domain.KindLiquidity}, "%", LowerIsBetter},
	{Slippage500kPct, ClassHigh, []domain.FetcherKind{domain.KindLiquidity}, "%", LowerIsBetter},

	{HHI, ClassMedium, []domain.FetcherKind{domain.KindLiquidity, domain.KindDistribution}, "index", LowerIsBetter},
	{Gini, ClassMedium, []domain.FetcherKind{domain.KindDistribution}, "coefficient", LowerIsBetter},
	{CLRPct, ClassMedium, []domain.FetcherKind{domain.KindLending}, "%", LowerIsBetter},
	{RLRPct, ClassMedium, []domain.FetcherKind{domain.KindLending}, "%", LowerIsBetter},
	{TotalSupply, ClassMedium, []domain.FetcherKind{domain.KindDistribution}, "tokens", Informational},
	{Top10LPConcentration, ClassMedium, []domain.FetcherKind{domain.KindLiquidity, domain.KindDistribution}, "%", LowerIsBetter},
	{CrossChainOracleLagMin, ClassMedium, []domain.FetcherKind{domain.KindOracle}, "minutes", LowerIsBetter},

	{VolatilityAnnualized, ClassDaily, []domain.FetcherKind{domain.KindMarket}, "%", LowerIsBetter},
	{VaR95Pct, ClassDaily, []domain.FetcherKind{domain.KindMarket}, "%", LowerIsBetter},
	{CVaR95Pct, ClassDaily, []domain.FetcherKind{domain.KindMarket}, "%", LowerIsBetter},
	{PriceDeviation365dMax, ClassDaily, []domain.FetcherKind{domain.KindMarket}, "%", LowerIsBetter},
}

var byName = func() map[string]Metric {
	m := make(map[string]Metric, len(metrics))
	for _, def := range metrics {
		m[def.Name] = def
	}
	return m
}()

// Lookup returns the catalog entry for name.
func Lookup(name string) (Metric, bool) {
	m, ok := byName[name]
	return m, ok
}

// Known reports whether name belongs to the catalog.
func Known(name string) bool {
	_, ok := byName[name]
	return ok
}

// Names returns every catalog metric name, sorted.
func Names() []string {
	out := make([]string, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, m.Name)
	}
	sort.Strings(out)
	return out
}

// MetricsFor returns the catalog entries collected at the given class.
func MetricsFor(class Class) []Metric {
	var out []Metric
	for _, m := range metrics {
		if m.Class == class {
			out = append(out, m)
		}
	}
	return out
}

// KindsFor returns the fetcher kinds that produce samples at the given
// class, sorted for deterministic work-unit expansion.
func KindsFor(class Class) []domain.FetcherKind {
	seen := make(map[domain.FetcherKind]bool)
	for _, m := range metrics {
		if m.Class != class {
			continue
		}
		for _, k := range m.Kinds {
			seen[k] = true
		}
	}
	out := make([]domain.FetcherKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassOf returns the frequency class of a metric name; empty when the
// name is outside the catalog.
func ClassOf(name string) Class {
	if m, ok := byName[name]; ok {
		return m.Class
	}
	return ""
}
