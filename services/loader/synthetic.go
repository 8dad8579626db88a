package loader

import (
	"math"
	"math/rand/v2"
	"time"

	"backtest/services/market"
)

// SyntheticConfig shapes a random-walk bar series with trending stretches
type SyntheticConfig struct {
	Symbol     string
	Start      time.Time
	Step       time.Duration
	Bars       int
	StartPrice float64
	Seed       uint64
}

// Synthetic generates a deterministic OHLCV series: the same config always
// yields the same bars. Every bar satisfies the consistency rules of ReadCSV.
func Synthetic(cfg SyntheticConfig) []market.Bar {
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 50_000
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Minute
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0))
	floor, ceiling := cfg.StartPrice/5, cfg.StartPrice*2

	out := make([]market.Bar, 0, cfg.Bars)
	price := cfg.StartPrice
	for i := 0; i < cfg.Bars; i++ {
		// regimes repeat every 1000 bars: up, down, gentle up
		trend := 0.0
		switch phase := i % 1000; {
		case phase > 100 && phase < 300:
			trend = 0.001
		case phase > 400 && phase < 600:
			trend = -0.001
		case phase > 700 && phase < 900:
			trend = 0.0005
		}
		change := (rng.Float64()-0.5)*0.02 + trend
		price = min(max(price*(1+change), floor), ceiling)

		open := price
		vol := 0.005 + rng.Float64()*0.01
		high := open * (1 + vol*rng.Float64())
		low := open * (1 - vol*rng.Float64())
		closePx := open + (high-low)*(rng.Float64()-0.5)*0.8
		high = max(high, open, closePx)
		low = min(low, open, closePx)

		out = append(out, market.Bar{
			Symbol:    cfg.Symbol,
			Timestamp: cfg.Start.Add(time.Duration(i) * cfg.Step).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    1000 + rng.Float64()*5000 + math.Abs(change)*100_000,
		})
		price = closePx
	}
	return out
}
