package indicators

import (
	"math"

	"backtest/services/market"
)

// Batch versions of the rolling indicators. They are used to cross-check the
// streaming engine (parity) and by tooling that works on whole series.

// SMA returns the simple moving average; entries before the first full window are 0
func SMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return result
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA returns an SMA-seeded exponential moving average
func EMA(values []float64, period int) []float64 {
	result := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		return result
	}
	alpha := 2.0 / (float64(period) + 1.0)
	result[period-1] = mean(values[:period])
	for i := period; i < len(values); i++ {
		result[i] = alpha*values[i] + (1-alpha)*result[i-1]
	}
	return result
}

// TrueRange returns the per-bar true range; the first bar uses high-low
func TrueRange(bars []market.Bar) []float64 {
	result := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		result[i] = tr
	}
	return result
}

// ATR is the simple moving average of the true range
func ATR(bars []market.Bar, period int) []float64 {
	return SMA(TrueRange(bars), period)
}
