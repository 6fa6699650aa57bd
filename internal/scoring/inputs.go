package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/vaultline/riskwatch/internal/catalog"
	"github.com/vaultline/riskwatch/internal/persistence"
)

// Inputs are the metric-derived scoring inputs assembled from one store
// snapshot. A nil field means the metric was absent at the cutoff and its
// sub-score is omitted with the weight redistributed inside the category.
type Inputs struct {
	PegDeviationPct    *float64
	VolatilityPct      *float64
	VaR95Pct           *float64
	Slippage100kPct    *float64
	Slippage500kPct    *float64
	PoolHHI            *float64
	UtilizationRate    *float64
	CLRPct             *float64
	RLRPct             *float64
	PoRRatio           *float64
	OracleFreshnessMin *float64
	CrossChainLagMin   *float64
}

// BuildInputs collapses the per-series snapshot rows into scoring inputs.
// Multi-row metrics aggregate conservatively: worst case for deviations,
// freshness and slippage, lowest backing ratio, supply-weighted means for
// lending metrics, TVL-weighted mean for pool concentration.
func BuildInputs(samples []persistence.MetricSample) Inputs {
	byMetric := make(map[string][]persistence.MetricSample)
	for _, s := range samples {
		byMetric[s.MetricName] = append(byMetric[s.MetricName], s)
	}

	return Inputs{
		PegDeviationPct:    widestAbs(byMetric[catalog.PegDeviationPct]),
		VolatilityPct:      highest(byMetric[catalog.VolatilityAnnualized]),
		VaR95Pct:           highest(byMetric[catalog.VaR95Pct]),
		Slippage100kPct:    highest(byMetric[catalog.Slippage100kPct]),
		Slippage500kPct:    highest(byMetric[catalog.Slippage500kPct]),
		PoolHHI:            poolWeightedHHI(byMetric[catalog.HHI], byMetric[catalog.PoolTVLUSD]),
		UtilizationRate:    supplyWeighted(byMetric[catalog.UtilizationRate]),
		CLRPct:             supplyWeighted(byMetric[catalog.CLRPct]),
		RLRPct:             supplyWeighted(byMetric[catalog.RLRPct]),
		PoRRatio:           lowest(byMetric[catalog.PorRatio]),
		OracleFreshnessMin: highest(byMetric[catalog.OracleFreshnessMinutes]),
		CrossChainLagMin:   highest(byMetric[catalog.CrossChainOracleLagMin]),
	}
}

func highest(rows []persistence.MetricSample) *float64 {
	if len(rows) == 0 {
		return nil
	}
	v := rows[0].Value
	for _, r := range rows[1:] {
		if r.Value > v {
			v = r.Value
		}
	}
	return &v
}

func lowest(rows []persistence.MetricSample) *float64 {
	if len(rows) == 0 {
		return nil
	}
	v := rows[0].Value
	for _, r := range rows[1:] {
		if r.Value < v {
			v = r.Value
		}
	}
	return &v
}

// widestAbs keeps the signed value furthest from zero, so a negative
// depeg is never masked by a small positive reading on another venue.
func widestAbs(rows []persistence.MetricSample) *float64 {
	if len(rows) == 0 {
		return nil
	}
	v := rows[0].Value
	for _, r := range rows[1:] {
		if math.Abs(r.Value) > math.Abs(v) {
			v = r.Value
		}
	}
	return &v
}

// supplyWeighted averages per-market lending rows weighted by the market
// supply recorded alongside each sample. Falls back to an equal-weight
// mean when any row lacks a positive weight.
func supplyWeighted(rows []persistence.MetricSample) *float64 {
	if len(rows) == 0 {
		return nil
	}
	values := make([]float64, len(rows))
	weights := make([]float64, len(rows))
	weighted := true
	for i, r := range rows {
		values[i] = r.Value
		w, ok := metaFloat(r, "total_supply")
		if !ok || w <= 0 {
			weighted = false
		}
		weights[i] = w
	}
	if !weighted {
		weights = nil
	}
	v := stat.Mean(values, weights)
	return &v
}

// poolWeightedHHI averages the pool-scoped concentration rows weighted by
// pool TVL. Holder-distribution rows carry no pool name and are excluded;
// they describe the token at large, not its trading liquidity. Pools
// without a TVL row drop the weighting for the whole set.
func poolWeightedHHI(hhiRows, tvlRows []persistence.MetricSample) *float64 {
	tvlByPool := make(map[string]float64, len(tvlRows))
	for _, r := range tvlRows {
		if name := metaString(r, "pool_name"); name != "" {
			tvlByPool[poolKey(name, r.Chain)] = r.Value
		}
	}

	var values, weights []float64
	weighted := true
	for _, r := range hhiRows {
		name := metaString(r, "pool_name")
		if name == "" {
			continue
		}
		values = append(values, r.Value)
		w := tvlByPool[poolKey(name, r.Chain)]
		if w <= 0 {
			weighted = false
		}
		weights = append(weights, w)
	}
	if len(values) == 0 {
		return nil
	}
	if !weighted {
		weights = nil
	}
	v := stat.Mean(values, weights)
	return &v
}

func poolKey(name, chain string) string {
	return name + "|" + chain
}

func metaString(s persistence.MetricSample, key string) string {
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func metaFloat(s persistence.MetricSample, key string) (float64, bool) {
	switch v := s.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
