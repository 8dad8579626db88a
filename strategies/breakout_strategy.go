// Breakout strategy
//
// EMA(fast)/EMA(slow) trend filter with an ATR-scaled breakout trigger, risk
// based sizing, a stop-loss, two take-profit legs and a trailing stop armed by
// the first take-profit.

package strategies

import (
	"math"
	"time"

	"backtest/services/indicators"
	"backtest/services/market"
)

// Skip explains why CheckEntry produced no position
type Skip string

const (
	SkipNone          Skip = ""
	SkipWarmingUp     Skip = "warming_up"
	SkipNoSignal      Skip = "no_signal"
	SkipLowVolatility Skip = "low_volatility"
	SkipClusterCap    Skip = "cluster_cap"
	SkipZeroSize      Skip = "zero_size"
)

// tp1Fraction of the live quantity closed at the first take-profit
const tp1Fraction = 0.5

// Position is the live state of one open trade. It is treated as a value:
// CheckExit returns a new Position instead of mutating the one passed in.
type Position struct {
	Symbol    string
	Cluster   string
	Side      market.Side
	EntryTime time.Time

	EntryPrice float64
	Quantity   float64
	Notional   float64

	StopLoss    float64
	TakeProfit1 float64
	TakeProfit2 float64
	// TrailingStop is zero until the first take-profit arms it
	TrailingStop float64
	Extreme      float64
	Tp1Hit       bool

	EntryATR       float64
	EntryEmaFast   float64
	EntryEmaSlow   float64
	SignalStrength float64
}

// Breakout evaluates entries and exits for one parameter set. It holds no
// per-run state and is safe to share between runs.
type Breakout struct {
	strategy market.StrategyParams
	risk     market.RiskParams
	costs    market.CostParams
}

func NewBreakout(sp market.StrategyParams, rp market.RiskParams, cp market.CostParams) *Breakout {
	return &Breakout{strategy: sp, risk: rp, costs: cp}
}

// Signal returns the breakout direction for the bar, if any. The ATR distance
// test is exclusive: a close exactly breakoutAtr*atr away does not trigger.
func (b *Breakout) Signal(bar market.Bar, ind indicators.State) (market.Side, float64, bool) {
	if !ind.Ready() {
		return "", 0, false
	}
	px := bar.Close
	switch {
	case px > ind.EmaFast && px-ind.EmaFast > b.strategy.BreakoutLongAtr*ind.ATR && ind.EmaFast > ind.EmaSlow:
		return market.SideLong, (px - ind.EmaFast) / ind.ATR, true
	case px < ind.EmaFast && ind.EmaFast-px > b.strategy.BreakoutShortAtr*ind.ATR && ind.EmaFast < ind.EmaSlow:
		return market.SideShort, (ind.EmaFast - px) / ind.ATR, true
	}
	return "", 0, false
}

// PositionNotional sizes an entry so that a stop-out plus round-trip costs loses
// riskPerTradeBps of equity.
func (b *Breakout) PositionNotional(equity, entry, atr float64) float64 {
	if equity <= 0 || entry <= 0 {
		return 0
	}
	denom := b.strategy.SlAtr*atr/entry + b.costs.FeeRoundtripPct + b.costs.SlippageRoundtripPct
	if denom <= 0 {
		return 0
	}
	return b.risk.RiskPerTradeBps / 10000 * equity / denom
}

// CheckEntry opens a position at the bar close when the breakout fires.
// clusterOpen is the notional already open in the symbol's cluster.
// Breaker gating is the caller's job.
func (b *Breakout) CheckEntry(symbol, cluster string, bar market.Bar, ind indicators.State, equity, clusterOpen float64) (Position, Skip) {
	if !ind.Ready() {
		return Position{}, SkipWarmingUp
	}
	side, strength, ok := b.Signal(bar, ind)
	if !ok {
		return Position{}, SkipNoSignal
	}
	if bar.Close <= 0 || ind.ATR/bar.Close < b.costs.MinAtrDailyPct {
		return Position{}, SkipLowVolatility
	}

	entry := bar.Close
	notional := b.PositionNotional(equity, entry, ind.ATR)
	if b.risk.ClusterCapPct > 0 {
		room := b.risk.ClusterCapPct*equity - clusterOpen
		if room <= 0 {
			return Position{}, SkipClusterCap
		}
		notional = math.Min(notional, room)
	}
	if notional <= 0 || math.IsNaN(notional) || math.IsInf(notional, 0) {
		return Position{}, SkipZeroSize
	}

	sign := side.Sign()
	atr := ind.ATR
	return Position{
		Symbol:         symbol,
		Cluster:        cluster,
		Side:           side,
		EntryTime:      bar.Timestamp,
		EntryPrice:     entry,
		Quantity:       notional / entry,
		Notional:       notional,
		StopLoss:       entry - sign*b.strategy.SlAtr*atr,
		TakeProfit1:    entry + sign*b.strategy.Tp1Atr*atr,
		TakeProfit2:    entry + sign*b.strategy.Tp2Atr*atr,
		Extreme:        entry,
		EntryATR:       atr,
		EntryEmaFast:   ind.EmaFast,
		EntryEmaSlow:   ind.EmaSlow,
		SignalStrength: strength,
	}, SkipNone
}

// CheckExit resolves one bar against the position. Inside a bar the active
// stop is checked first, then TP1, then TP2. It returns the position that
// remains (open == false once fully closed) and the ledger entries produced.
func (b *Breakout) CheckExit(pos Position, bar market.Bar) (Position, bool, []market.TradeResult) {
	var trades []market.TradeResult

	if stop, reason := b.activeStop(pos); touched(pos.Side, bar, stop, true) {
		trades = append(trades, b.closeSlice(pos, pos.Quantity, stop, bar.Timestamp, reason, false))
		return Position{}, false, trades
	}

	if !pos.Tp1Hit && touched(pos.Side, bar, pos.TakeProfit1, false) {
		qty := pos.Quantity * tp1Fraction
		trades = append(trades, b.closeSlice(pos, qty, pos.TakeProfit1, bar.Timestamp, market.ExitTakeProfit1, true))
		pos = b.afterPartial(pos, qty, favourable(pos.Side, bar))
	}

	if touched(pos.Side, bar, pos.TakeProfit2, false) {
		trades = append(trades, b.closeSlice(pos, pos.Quantity, pos.TakeProfit2, bar.Timestamp, market.ExitTakeProfit2, false))
		return Position{}, false, trades
	}

	if pos.Tp1Hit {
		pos = b.ratchet(pos, favourable(pos.Side, bar))
	}
	return pos, true, trades
}

// ForceClose closes the remaining quantity at price
func (b *Breakout) ForceClose(pos Position, price float64, at time.Time, reason market.ExitReason) market.TradeResult {
	return b.closeSlice(pos, pos.Quantity, price, at, reason, false)
}

func (b *Breakout) activeStop(pos Position) (float64, market.ExitReason) {
	if pos.Tp1Hit && pos.TrailingStop > 0 {
		return pos.TrailingStop, market.ExitTrailingStop
	}
	return pos.StopLoss, market.ExitStopLoss
}

// afterPartial returns the reduced position with the trailing stop armed
func (b *Breakout) afterPartial(pos Position, closedQty, extreme float64) Position {
	next := pos
	next.Quantity = pos.Quantity - closedQty
	next.Notional = next.Quantity * pos.EntryPrice
	next.Tp1Hit = true
	next.Extreme = extreme
	offset := b.strategy.TrailingAtr * pos.EntryATR
	if pos.Side == market.SideLong {
		next.TrailingStop = math.Max(pos.EntryPrice, extreme-offset)
	} else {
		next.TrailingStop = math.Min(pos.EntryPrice, extreme+offset)
	}
	return next
}

// ratchet moves the trailing stop only in the favourable direction
func (b *Breakout) ratchet(pos Position, extreme float64) Position {
	offset := b.strategy.TrailingAtr * pos.EntryATR
	next := pos
	if pos.Side == market.SideLong {
		next.Extreme = math.Max(pos.Extreme, extreme)
		next.TrailingStop = math.Max(pos.TrailingStop, next.Extreme-offset)
	} else {
		next.Extreme = math.Min(pos.Extreme, extreme)
		next.TrailingStop = math.Min(pos.TrailingStop, next.Extreme+offset)
	}
	return next
}

// closeSlice builds the ledger entry for closing qty at the theoretical price.
// The fill is slipped by half the round-trip slippage against the position.
func (b *Breakout) closeSlice(pos Position, qty, price float64, at time.Time, reason market.ExitReason, partial bool) market.TradeResult {
	sign := pos.Side.Sign()
	halfSlip := b.costs.SlippageRoundtripPct / 2
	fill := price * (1 - sign*halfSlip)

	notional := qty * pos.EntryPrice
	gross := sign * (fill - pos.EntryPrice) * qty
	fees := b.costs.FeeRoundtripPct * notional
	days := at.Sub(pos.EntryTime).Hours() / 24
	if days < 0 {
		days = 0
	}
	funding := b.costs.FundingDailyPct * notional * days

	return market.TradeResult{
		Symbol:         pos.Symbol,
		Cluster:        pos.Cluster,
		Side:           pos.Side,
		EntryTime:      pos.EntryTime,
		ExitTime:       at,
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      fill,
		Quantity:       qty,
		Notional:       notional,
		GrossPnL:       gross,
		Fees:           fees,
		Slippage:       math.Abs(price-fill) * qty,
		Funding:        funding,
		NetPnL:         gross - fees - funding,
		ExitReason:     reason,
		Partial:        partial,
		EntryATR:       pos.EntryATR,
		SignalStrength: pos.SignalStrength,
	}
}

// touched reports whether the bar reached level. Stops trigger on the adverse
// extreme, take-profits on the favourable one.
func touched(side market.Side, bar market.Bar, level float64, adverse bool) bool {
	if level <= 0 {
		return false
	}
	long := side == market.SideLong
	if long == adverse {
		return bar.Low <= level
	}
	return bar.High >= level
}

func favourable(side market.Side, bar market.Bar) float64 {
	if side == market.SideLong {
		return bar.High
	}
	return bar.Low
}
