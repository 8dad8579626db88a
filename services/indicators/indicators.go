// Package indicators maintains rolling EMA(fast), EMA(slow) and ATR values per
// symbol from bounded close and true-range windows.
package indicators

import (
	"math"

	"backtest/services/market"
)

// State is the per-symbol indicator snapshot after the latest bar.
// Zero values mean the indicator has not warmed up yet.
type State struct {
	Symbol    string
	EmaFast   float64
	EmaSlow   float64
	ATR       float64
	LastClose float64
	Bars      int
}

// Ready reports whether every indicator has a value
func (s State) Ready() bool {
	return s.EmaFast > 0 && s.EmaSlow > 0 && s.ATR > 0
}

type window struct {
	closes    []float64
	trs       []float64
	prevClose float64
	count     int
	emaFast   float64
	emaSlow   float64
	atr       float64
}

// Engine keeps one window per symbol; windows are never shared.
// An Engine is not safe for concurrent use; each backtest run owns its own.
type Engine struct {
	fast, slow, atrPeriod int
	capacity              int
	windows               map[string]*window
}

// NewEngine builds an indicator engine for the given periods
func NewEngine(emaFast, emaSlow, atrPeriod int) *Engine {
	capacity := emaSlow
	if atrPeriod > capacity {
		capacity = atrPeriod
	}
	if emaFast > capacity {
		capacity = emaFast
	}
	return &Engine{
		fast:      emaFast,
		slow:      emaSlow,
		atrPeriod: atrPeriod,
		capacity:  capacity + 1,
		windows:   make(map[string]*window),
	}
}

// Capacity is the bound on each rolling buffer
func (e *Engine) Capacity() int { return e.capacity }

// Update feeds one bar for symbol. Bars must arrive in non-decreasing time order per symbol.
func (e *Engine) Update(symbol string, bar market.Bar) State {
	w, ok := e.windows[symbol]
	if !ok {
		w = &window{
			closes: make([]float64, 0, e.capacity),
			trs:    make([]float64, 0, e.capacity),
		}
		e.windows[symbol] = w
	}

	tr := bar.High - bar.Low
	if w.count > 0 {
		tr = math.Max(tr, math.Max(math.Abs(bar.High-w.prevClose), math.Abs(bar.Low-w.prevClose)))
	}
	w.closes = push(w.closes, bar.Close, e.capacity)
	w.trs = push(w.trs, tr, e.capacity)
	w.prevClose = bar.Close
	w.count++

	w.emaFast = nextEMA(w.emaFast, w.closes, w.count, e.fast, bar.Close)
	w.emaSlow = nextEMA(w.emaSlow, w.closes, w.count, e.slow, bar.Close)
	if w.count >= e.atrPeriod {
		w.atr = mean(w.trs[len(w.trs)-e.atrPeriod:])
	}

	return State{
		Symbol:    symbol,
		EmaFast:   w.emaFast,
		EmaSlow:   w.emaSlow,
		ATR:       w.atr,
		LastClose: bar.Close,
		Bars:      w.count,
	}
}

// Snapshot returns the current state for symbol without feeding a bar
func (e *Engine) Snapshot(symbol string) (State, bool) {
	w, ok := e.windows[symbol]
	if !ok {
		return State{}, false
	}
	return State{Symbol: symbol, EmaFast: w.emaFast, EmaSlow: w.emaSlow, ATR: w.atr, LastClose: w.prevClose, Bars: w.count}, true
}

// nextEMA seeds with the SMA of the first period closes, then smooths with 2/(period+1)
func nextEMA(prev float64, closes []float64, count, period int, close float64) float64 {
	switch {
	case count < period:
		return 0
	case count == period:
		return mean(closes[len(closes)-period:])
	default:
		alpha := 2.0 / (float64(period) + 1.0)
		return alpha*close + (1-alpha)*prev
	}
}

func push(buf []float64, v float64, capacity int) []float64 {
	if len(buf) < capacity {
		return append(buf, v)
	}
	copy(buf, buf[1:])
	buf[len(buf)-1] = v
	return buf
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
