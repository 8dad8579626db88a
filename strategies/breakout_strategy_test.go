package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest/services/indicators"
	"backtest/services/market"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func testParams() (market.StrategyParams, market.RiskParams, market.CostParams) {
	sp := market.StrategyParams{
		EmaFast: 3, EmaSlow: 5, AtrPeriod: 3,
		BreakoutLongAtr: 0.5, BreakoutShortAtr: 0.5,
		Tp1Atr: 1.5, Tp2Atr: 3, SlAtr: 1, TrailingAtr: 1,
	}
	rp := market.RiskParams{RiskPerTradeBps: 50}
	return sp, rp, market.CostParams{}
}

func bullish() indicators.State {
	return indicators.State{EmaFast: 100, EmaSlow: 90, ATR: 2}
}

func bar(at time.Time, high, low, close float64) market.Bar {
	return market.Bar{Symbol: "BTC", Timestamp: at, Open: close, High: high, Low: low, Close: close}
}

func TestBreakoutBoundaryIsExclusive(t *testing.T) {
	b := NewBreakout(testParams())

	_, skip := b.CheckEntry("BTC", "majors", bar(t0, 101, 101, 101), bullish(), 10_000, 0)
	assert.Equal(t, SkipNoSignal, skip, "close-emaFast == breakoutLongAtr*atr must not trigger")

	pos, skip := b.CheckEntry("BTC", "majors", bar(t0, 101.01, 101.01, 101.01), bullish(), 10_000, 0)
	require.Equal(t, SkipNone, skip)
	assert.Equal(t, market.SideLong, pos.Side)
}

func TestShortRequiresDowntrend(t *testing.T) {
	b := NewBreakout(testParams())
	down := indicators.State{EmaFast: 100, EmaSlow: 110, ATR: 2}

	pos, skip := b.CheckEntry("ETH", "majors", bar(t0, 98, 98, 98), down, 10_000, 0)
	require.Equal(t, SkipNone, skip)
	assert.Equal(t, market.SideShort, pos.Side)
	assert.InDelta(t, 100.0, pos.StopLoss, 1e-12)
	assert.InDelta(t, 95.0, pos.TakeProfit1, 1e-12)
	assert.InDelta(t, 92.0, pos.TakeProfit2, 1e-12)

	_, skip = b.CheckEntry("ETH", "majors", bar(t0, 98, 98, 98), bullish(), 10_000, 0)
	assert.Equal(t, SkipNoSignal, skip)
}

func TestWarmupAndVolatilityFilter(t *testing.T) {
	sp, rp, cp := testParams()
	cp.MinAtrDailyPct = 0.05
	b := NewBreakout(sp, rp, cp)

	_, skip := b.CheckEntry("BTC", "majors", bar(t0, 105, 105, 105), indicators.State{EmaFast: 100}, 10_000, 0)
	assert.Equal(t, SkipWarmingUp, skip)

	_, skip = b.CheckEntry("BTC", "majors", bar(t0, 105, 105, 105), bullish(), 10_000, 0)
	assert.Equal(t, SkipLowVolatility, skip)
}

func TestRiskBasedSizing(t *testing.T) {
	sp, rp, _ := testParams()
	cp := market.CostParams{FeeRoundtripPct: 0.001, SlippageRoundtripPct: 0.0005}
	b := NewBreakout(sp, rp, cp)

	// 50 bps of 10k = 50; stop distance 2/100 plus costs 0.0015
	assert.InDelta(t, 50/0.0215, b.PositionNotional(10_000, 100, 2), 1e-9)
	assert.Zero(t, b.PositionNotional(0, 100, 2))
}

func TestClusterCapClampsAndSkips(t *testing.T) {
	sp, rp, cp := testParams()
	rp.ClusterCapPct = 0.3
	b := NewBreakout(sp, rp, cp)

	pos, skip := b.CheckEntry("BTC", "majors", bar(t0, 102, 102, 102), bullish(), 10_000, 2_500)
	require.Equal(t, SkipNone, skip)
	assert.InDelta(t, 500.0, pos.Notional, 1e-9)
	assert.InDelta(t, 500.0/102, pos.Quantity, 1e-12)

	_, skip = b.CheckEntry("BTC", "majors", bar(t0, 102, 102, 102), bullish(), 10_000, 3_000)
	assert.Equal(t, SkipClusterCap, skip)
}

func TestStopLossClosesFullSizeAtTriggerWithSlippage(t *testing.T) {
	sp, rp, _ := testParams()
	cp := market.CostParams{FeeRoundtripPct: 0.001, SlippageRoundtripPct: 0.0005}
	b := NewBreakout(sp, rp, cp)
	pos := Position{Symbol: "BTC", Cluster: "majors", Side: market.SideLong, EntryTime: t0,
		EntryPrice: 100, Quantity: 10, Notional: 1000, StopLoss: 98, TakeProfit1: 103, TakeProfit2: 106, EntryATR: 2}

	_, open, trades := b.CheckExit(pos, bar(t0.Add(time.Minute), 100, 90, 95))
	require.False(t, open)
	require.Len(t, trades, 1)
	tr := trades[0]
	fill := 98 * (1 - 0.00025)
	assert.Equal(t, market.ExitStopLoss, tr.ExitReason)
	assert.InDelta(t, fill, tr.ExitPrice, 1e-12)
	assert.InDelta(t, (fill-100)*10, tr.GrossPnL, 1e-9)
	assert.InDelta(t, 1.0, tr.Fees, 1e-12)
	assert.InDelta(t, (98-fill)*10, tr.Slippage, 1e-9)
	assert.InDelta(t, tr.GrossPnL-tr.Fees-tr.Funding, tr.NetPnL, 1e-12)
}

func TestTakeProfitPartialArmsTrailingStop(t *testing.T) {
	b := NewBreakout(testParams())
	pos := Position{Symbol: "BTC", Side: market.SideLong, EntryTime: t0,
		EntryPrice: 100, Quantity: 10, Notional: 1000, StopLoss: 98, TakeProfit1: 103, TakeProfit2: 106, EntryATR: 2, Extreme: 100}
	original := pos

	next, open, trades := b.CheckExit(pos, bar(t0.Add(time.Minute), 103.5, 100.5, 103))
	require.True(t, open)
	require.Len(t, trades, 1)
	assert.Equal(t, original, pos, "input position is not mutated")
	assert.Equal(t, market.ExitTakeProfit1, trades[0].ExitReason)
	assert.True(t, trades[0].Partial)
	assert.InDelta(t, 5.0, trades[0].Quantity, 1e-12)
	assert.InDelta(t, 15.0, trades[0].GrossPnL, 1e-12)
	assert.True(t, next.Tp1Hit)
	assert.InDelta(t, 5.0, next.Quantity, 1e-12)
	assert.InDelta(t, 500.0, next.Notional, 1e-12)
	assert.InDelta(t, 101.5, next.TrailingStop, 1e-12)

	// ratchets up, never down
	next, open, _ = b.CheckExit(next, bar(t0.Add(2*time.Minute), 104.5, 102.8, 104))
	require.True(t, open)
	assert.InDelta(t, 102.5, next.TrailingStop, 1e-12)
	next, open, _ = b.CheckExit(next, bar(t0.Add(3*time.Minute), 103.5, 102.6, 103))
	require.True(t, open)
	assert.InDelta(t, 102.5, next.TrailingStop, 1e-12)

	_, open, trades = b.CheckExit(next, bar(t0.Add(4*time.Minute), 103, 101, 101.2))
	require.False(t, open)
	require.Len(t, trades, 1)
	assert.Equal(t, market.ExitTrailingStop, trades[0].ExitReason)
	assert.InDelta(t, 102.5, trades[0].ExitPrice, 1e-12)
	assert.InDelta(t, 5.0, trades[0].Quantity, 1e-12)
}

func TestTrailingNeverBelowBreakeven(t *testing.T) {
	sp, rp, cp := testParams()
	sp.TrailingAtr = 5
	b := NewBreakout(sp, rp, cp)
	pos := Position{Side: market.SideLong, EntryTime: t0, EntryPrice: 100, Quantity: 2, Notional: 200,
		StopLoss: 98, TakeProfit1: 103, TakeProfit2: 106, EntryATR: 2, Extreme: 100}

	next, open, _ := b.CheckExit(pos, bar(t0.Add(time.Minute), 103.2, 101, 103))
	require.True(t, open)
	assert.Equal(t, 100.0, next.TrailingStop)
}

func TestBothTakeProfitsInOneBar(t *testing.T) {
	b := NewBreakout(testParams())
	pos := Position{Side: market.SideShort, EntryTime: t0, EntryPrice: 100, Quantity: 4, Notional: 400,
		StopLoss: 102, TakeProfit1: 97, TakeProfit2: 94, EntryATR: 2, Extreme: 100}

	_, open, trades := b.CheckExit(pos, bar(t0.Add(time.Minute), 99, 93, 95))
	require.False(t, open)
	require.Len(t, trades, 2)
	assert.Equal(t, market.ExitTakeProfit1, trades[0].ExitReason)
	assert.Equal(t, market.ExitTakeProfit2, trades[1].ExitReason)
	assert.InDelta(t, 4.0, trades[0].Quantity+trades[1].Quantity, 1e-12)
	assert.InDelta(t, 2*3+2*6, trades[0].GrossPnL+trades[1].GrossPnL, 1e-12)
}

func TestStopCheckedBeforeTakeProfit(t *testing.T) {
	b := NewBreakout(testParams())
	pos := Position{Side: market.SideLong, EntryTime: t0, EntryPrice: 100, Quantity: 1, Notional: 100,
		StopLoss: 98, TakeProfit1: 103, TakeProfit2: 106, EntryATR: 2, Extreme: 100}

	_, open, trades := b.CheckExit(pos, bar(t0.Add(time.Minute), 107, 97, 100))
	require.False(t, open)
	require.Len(t, trades, 1)
	assert.Equal(t, market.ExitStopLoss, trades[0].ExitReason)
}

func TestForceCloseChargesFunding(t *testing.T) {
	sp, rp, _ := testParams()
	b := NewBreakout(sp, rp, market.CostParams{FundingDailyPct: 0.0001})
	pos := Position{Side: market.SideLong, EntryTime: t0, EntryPrice: 100, Quantity: 10, Notional: 1000}

	tr := b.ForceClose(pos, 101, t0.Add(48*time.Hour), market.ExitEndOfPeriod)
	assert.Equal(t, market.ExitEndOfPeriod, tr.ExitReason)
	assert.InDelta(t, 0.2, tr.Funding, 1e-12)
	assert.InDelta(t, 10-0.2, tr.NetPnL, 1e-12)
}
