package fetch

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// giniCoefficient measures holder inequality on [0, 1). Uses the
// mean-difference form over the sorted balance vector.
func giniCoefficient(amounts []float64) float64 {
	n := len(amounts)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), amounts...)
	sort.Float64s(sorted)

	var total, weighted float64
	for i, amount := range sorted {
		total += amount
		weighted += float64(i+1) * amount
	}
	if total == 0 {
		return 0
	}
	fn := float64(n)
	return (2*weighted)/(fn*total) - (fn+1)/fn
}

// herfindahlIndex sums squared percentage shares, so a single holder
// scores 10000.
func herfindahlIndex(balances map[string]float64) float64 {
	var total float64
	for _, balance := range balances {
		total += balance
	}
	if total == 0 {
		return 0
	}
	var hhi float64
	for _, balance := range balances {
		share := balance / total * 100
		hhi += share * share
	}
	return hhi
}

// topShare returns the combined percentage share of the n largest holders.
func topShare(balances map[string]float64, n int) float64 {
	var total float64
	amounts := make([]float64, 0, len(balances))
	for _, balance := range balances {
		total += balance
		amounts = append(amounts, balance)
	}
	if total == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(amounts)))
	if n > len(amounts) {
		n = len(amounts)
	}
	var top float64
	for _, amount := range amounts[:n] {
		top += amount
	}
	return top / total * 100
}

// dailyReturns converts a price series into simple returns.
func dailyReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			continue
		}
		returns = append(returns, (prices[i]-prices[i-1])/prices[i-1])
	}
	return returns
}

// priceRiskStats derives the daily market metrics from a return series.
type priceRiskStats struct {
	VolatilityPct float64 // annualized
	VaR95Pct      float64 // reported as positive loss
	CVaR95Pct     float64
}

func computePriceRisk(returns []float64) priceRiskStats {
	if len(returns) == 0 {
		return priceRiskStats{}
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	vol := stat.StdDev(returns, nil) * math.Sqrt(365) * 100
	p5 := quantile(sorted, 0.05)

	var tailSum float64
	var tailN int
	for _, r := range sorted {
		if r <= p5 {
			tailSum += r
			tailN++
		}
	}
	cvar := 0.0
	if tailN > 0 {
		cvar = -tailSum / float64(tailN) * 100
	}
	return priceRiskStats{
		VolatilityPct: vol,
		VaR95Pct:      -p5 * 100,
		CVaR95Pct:     cvar,
	}
}

// quantile interpolates linearly between order statistics.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// median matches the convention of averaging the two middle values for
// even-length input.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return quantile(sorted, 0.5)
}
