// Package stats holds the empirical tail and distribution helpers shared by
// the Monte Carlo simulator and the metrics service.
package stats

import (
	"math"
	"sort"
)

// TailRisk returns VaR and ES for the given tail (0.05 for 95%) as positive
// losses. The k = max(1, ceil(tail*n)) worst observations form the tail, so
// VaR <= ES always holds.
func TailRisk(returns []float64, tail float64) (valueAtRisk, expectedShortfall float64) {
	n := len(returns)
	if n == 0 {
		return 0, 0
	}
	sorted := SortedCopy(returns)
	k := int(math.Ceil(tail * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	sum := 0.0
	for _, r := range sorted[:k] {
		sum += r
	}
	return -sorted[k-1], -sum / float64(k)
}

// Percentile uses linear interpolation between closest ranks; sorted must be ascending
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// MeanStd returns the mean and the sample standard deviation
func MeanStd(values []float64) (mean, std float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(n-1))
}

func SortedCopy(values []float64) []float64 {
	out := append([]float64(nil), values...)
	sort.Float64s(out)
	return out
}

// Finite maps NaN and ±Inf to zero
func Finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
