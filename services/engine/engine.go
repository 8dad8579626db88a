// Package engine replays minute bars day by day across a symbol universe,
// driving the indicator engine, the breakout strategy and the circuit
// breakers, and produces the trade ledger of one backtest run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"backtest/services/breaker"
	"backtest/services/indicators"
	"backtest/services/market"
	"backtest/strategies"
)

var (
	ErrInvalidCapital = errors.New("initial capital must be positive")
	ErrNoTrades       = errors.New("backtest produced no trades")
	ErrNoSymbols      = errors.New("no symbols requested")
	ErrInvalidRange   = errors.New("end must be after start")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BarSource supplies time-ordered bars for a symbol in [from, to)
type BarSource interface {
	LoadBars(ctx context.Context, symbol string, from, to time.Time) ([]market.Bar, error)
}

// Progress is delivered after every processed day. Percent never decreases.
type Progress struct {
	Percent float64   `json:"percent"`
	Day     time.Time `json:"day"`
	Equity  float64   `json:"equity"`
	Trades  int       `json:"trades"`
}

type ProgressFunc func(Progress)

type Config struct {
	Strategy       market.StrategyParams
	Risk           market.RiskParams
	Costs          market.CostParams
	InitialCapital float64
	// Clusters maps symbol to cluster id; unmapped symbols form their own cluster
	Clusters map[string]string
	Progress ProgressFunc
}

// Result of one run. On failure Status is failed and Trades holds nothing
// that should be persisted as completed.
type Result struct {
	Status         Status                     `json:"status"`
	Trades         []market.TradeResult       `json:"trades"`
	InitialCapital float64                    `json:"initial_capital"`
	FinalEquity    float64                    `json:"final_equity"`
	GrossPnL       float64                    `json:"gross_pnl"`
	NetPnL         float64                    `json:"net_pnl"`
	Fees           float64                    `json:"fees"`
	Slippage       float64                    `json:"slippage"`
	Funding        float64                    `json:"funding"`
	Halted         bool                       `json:"halted"`
	MaxDrawdown    float64                    `json:"max_drawdown"`
	DaysProcessed  int                        `json:"days_processed"`
	Activations    map[market.BreakerKind]int `json:"breaker_activations"`
	Manifest       RunManifest                `json:"manifest"`
	Events         []Event                    `json:"-"`
}

// RunState is everything one run mutates. It is never shared between runs.
type RunState struct {
	Equity     float64
	Indicators *indicators.Engine
	Breaker    breaker.State
	Positions  map[string]strategies.Position
	LastBar    map[string]market.Bar
	Bars       map[string]map[time.Time][]market.Bar // by symbol, then UTC day
	Ledger     []market.TradeResult
	Log        EventLog
}

func (st *RunState) clusterNotional(cluster string) float64 {
	total := 0.0
	for _, p := range st.Positions {
		if p.Cluster == cluster {
			total += p.Notional
		}
	}
	return total
}

// Engine holds the immutable configuration of a run; Run may be called
// concurrently since all mutable state lives in a per-call RunState.
type Engine struct {
	source   BarSource
	cfg      Config
	strategy *strategies.Breakout
	logger   *zap.Logger
}

func New(source BarSource, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidCapital, cfg.InitialCapital)
	}
	if err := market.ValidateParams(cfg.Strategy, cfg.Risk, cfg.Costs); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		source:   source,
		cfg:      cfg,
		strategy: strategies.NewBreakout(cfg.Strategy, cfg.Risk, cfg.Costs),
		logger:   logger,
	}, nil
}

func (e *Engine) clusterOf(symbol string) string {
	if c, ok := e.cfg.Clusters[symbol]; ok && c != "" {
		return c
	}
	return symbol
}

// Run replays [start, end) and returns the ledger and totals
func (e *Engine) Run(ctx context.Context, symbols []string, start, end time.Time) (*Result, error) {
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: %s..%s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	res := &Result{
		Status:         StatusRunning,
		InitialCapital: e.cfg.InitialCapital,
		Manifest:       newManifest(e.cfg, symbols, start, end),
	}
	e.report(Progress{Percent: 0, Day: market.DayOf(start), Equity: e.cfg.InitialCapital})

	// all I/O happens here, before the replay loop
	bars := make(map[string][]market.Bar, len(symbols))
	for _, sym := range symbols {
		b, err := e.source.LoadBars(ctx, sym, start, end)
		if err != nil {
			res.Status = StatusFailed
			return res, fmt.Errorf("load bars for %s: %w", sym, err)
		}
		bars[sym] = b
	}
	res.Manifest.DataChecksum, res.Manifest.BarCount = dataChecksum(bars)
	byDay := bucketByDay(bars)

	st := &RunState{
		Equity:     e.cfg.InitialCapital,
		Indicators: indicators.NewEngine(e.cfg.Strategy.EmaFast, e.cfg.Strategy.EmaSlow, e.cfg.Strategy.AtrPeriod),
		Breaker:    breaker.New(e.cfg.InitialCapital, start),
		Positions:  make(map[string]strategies.Position),
		LastBar:    make(map[string]market.Bar),
		Bars:       byDay,
	}

	days := calendarDays(start, end)
	e.logger.Info("backtest started",
		zap.Strings("symbols", symbols),
		zap.Int("days", len(days)),
		zap.Int("bars", res.Manifest.BarCount),
		zap.String("config_hash", res.Manifest.ConfigHash))

	for i, day := range days {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("backtest cancelled", zap.Time("day", day), zap.Error(err))
			res.Status = StatusFailed
			res.DaysProcessed = i
			return res, fmt.Errorf("backtest cancelled: %w", err)
		}
		if i > 0 {
			st.Breaker = breaker.ResetDaily(st.Breaker, day, st.Equity)
			st.Log.Append(Event{Ts: day, Type: EventDayReset, Details: map[string]string{"equity": ftoa(st.Equity)}})
		}
		if st.Breaker.Halted {
			break
		}

	replay:
		for _, sym := range symbols {
			for _, bar := range byDay[sym][day] {
				e.step(st, sym, bar)
				if st.Breaker.Halted {
					break replay
				}
			}
		}

		res.DaysProcessed = i + 1
		e.report(Progress{
			Percent: float64(i+1) / float64(len(days)) * 100,
			Day:     day,
			Equity:  st.Equity,
			Trades:  len(st.Ledger),
		})
		if st.Breaker.Halted {
			break
		}
	}

	if !st.Breaker.Halted {
		e.closeAll(st, market.ExitEndOfPeriod, time.Time{})
	}
	e.report(Progress{Percent: 100, Day: market.DayOf(end), Equity: st.Equity, Trades: len(st.Ledger)})

	e.finish(res, st)
	if len(st.Ledger) == 0 {
		res.Status = StatusFailed
		return res, ErrNoTrades
	}
	res.Status = StatusCompleted
	e.logger.Info("backtest completed",
		zap.Int("trades", len(res.Trades)),
		zap.Float64("final_equity", res.FinalEquity),
		zap.Bool("halted", res.Halted))
	return res, nil
}

// step processes one bar: indicators, then exits, then entries. A symbol
// whose position closed on this bar does not re-enter on the same bar.
func (e *Engine) step(st *RunState, sym string, bar market.Bar) {
	ind := st.Indicators.Update(sym, bar)
	st.LastBar[sym] = bar

	if pos, ok := st.Positions[sym]; ok {
		next, open, trades := e.strategy.CheckExit(pos, bar)
		if open {
			st.Positions[sym] = next
		} else {
			delete(st.Positions, sym)
		}
		for _, tr := range trades {
			e.record(st, tr)
		}
		if st.Breaker.Halted {
			e.closeAll(st, market.ExitCampaignStop, bar.Timestamp)
		}
		return
	}

	cluster := e.clusterOf(sym)
	if ok, reason := st.Breaker.CanEnter(sym, cluster); !ok {
		if _, _, sig := e.strategy.Signal(bar, ind); sig {
			st.Log.Append(Event{Ts: bar.Timestamp, Type: EventEntryBlocked, Symbol: sym,
				Details: map[string]string{"reason": string(reason)}})
		}
		return
	}

	pos, skip := e.strategy.CheckEntry(sym, cluster, bar, ind, st.Equity, st.clusterNotional(cluster))
	if skip != strategies.SkipNone {
		if skip == strategies.SkipClusterCap {
			st.Log.Append(Event{Ts: bar.Timestamp, Type: EventEntryBlocked, Symbol: sym,
				Details: map[string]string{"reason": string(skip)}})
		}
		return
	}
	st.Positions[sym] = pos
	st.Log.Append(Event{Ts: bar.Timestamp, Type: EventEntry, Symbol: sym, Details: map[string]string{
		"side":     string(pos.Side),
		"price":    ftoa(pos.EntryPrice),
		"notional": ftoa(pos.Notional),
	}})
}

// record appends a ledger entry, books it into equity and the breakers
func (e *Engine) record(st *RunState, tr market.TradeResult) {
	tr.EquityBefore = st.Equity
	if st.Equity > 0 {
		tr.ReturnOnEquity = tr.NetPnL / st.Equity
	}
	st.Equity += tr.NetPnL

	if kind := st.Breaker.RecordTrade(e.cfg.Risk, tr); kind != market.BreakerNone {
		tr.Breaker = kind
		st.Log.Append(Event{Ts: tr.ExitTime, Type: EventBreakerTrip, Symbol: tr.Symbol,
			Details: map[string]string{"breaker": string(kind), "cluster": tr.Cluster}})
		e.logger.Debug("circuit breaker tripped",
			zap.String("breaker", string(kind)),
			zap.String("symbol", tr.Symbol),
			zap.Time("at", tr.ExitTime))
	}
	if st.Breaker.UpdateEquity(e.cfg.Risk, st.Equity) {
		if tr.Breaker == market.BreakerNone {
			tr.Breaker = market.BreakerCampaign
		}
		st.Log.Append(Event{Ts: tr.ExitTime, Type: EventCampaignHalt, Symbol: tr.Symbol,
			Details: map[string]string{"drawdown": ftoa(-st.Breaker.CampaignDD)}})
		e.logger.Warn("campaign drawdown stop reached, halting run",
			zap.Float64("drawdown", -st.Breaker.CampaignDD),
			zap.Float64("equity", st.Equity))
	}

	typ := EventExit
	if tr.Partial {
		typ = EventPartialExit
	}
	st.Log.Append(Event{Ts: tr.ExitTime, Type: typ, Symbol: tr.Symbol, Details: map[string]string{
		"reason":  string(tr.ExitReason),
		"net_pnl": ftoa(tr.NetPnL),
	}})
	st.Ledger = append(st.Ledger, tr)
}

// closeAll force-closes every open position. With a zero cutoff each
// position closes at its last seen bar; otherwise at its last bar at or
// before the cutoff, never earlier than its own entry.
func (e *Engine) closeAll(st *RunState, reason market.ExitReason, cutoff time.Time) {
	symbols := make([]string, 0, len(st.Positions))
	for sym := range st.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		pos := st.Positions[sym]
		last := st.LastBar[sym]
		if !cutoff.IsZero() {
			at := cutoff
			if pos.EntryTime.After(at) {
				at = pos.EntryTime
			}
			last = st.barAt(sym, at, pos.EntryTime)
		}
		delete(st.Positions, sym)
		e.record(st, e.strategy.ForceClose(pos, last.Close, last.Timestamp, reason))
	}
}

// barAt returns the last bar of sym at or before at, searching back no
// further than the day of since
func (st *RunState) barAt(sym string, at, since time.Time) market.Bar {
	floor := market.DayOf(since)
	for day := market.DayOf(at); !day.Before(floor); day = day.AddDate(0, 0, -1) {
		bars := st.Bars[sym][day]
		k := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(at) })
		if k > 0 {
			return bars[k-1]
		}
	}
	return st.LastBar[sym]
}

func (e *Engine) finish(res *Result, st *RunState) {
	res.Trades = st.Ledger
	res.FinalEquity = st.Equity
	res.Halted = st.Breaker.Halted
	res.MaxDrawdown = st.Breaker.MaxDrawdown
	res.Activations = st.Breaker.Activations
	res.Events = st.Log.Events
	for _, tr := range st.Ledger {
		res.GrossPnL += tr.GrossPnL
		res.NetPnL += tr.NetPnL
		res.Fees += tr.Fees
		res.Slippage += tr.Slippage
		res.Funding += tr.Funding
	}
}

func (e *Engine) report(p Progress) {
	if e.cfg.Progress != nil {
		e.cfg.Progress(p)
	}
}

// bucketByDay groups each symbol's bars by UTC day, keeping time order
func bucketByDay(bars map[string][]market.Bar) map[string]map[time.Time][]market.Bar {
	out := make(map[string]map[time.Time][]market.Bar, len(bars))
	for sym, series := range bars {
		sorted := series
		if !sort.SliceIsSorted(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) }) {
			sorted = append([]market.Bar(nil), series...)
			sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
		}
		days := make(map[time.Time][]market.Bar)
		for _, b := range sorted {
			d := b.Day()
			days[d] = append(days[d], b)
		}
		out[sym] = days
	}
	return out
}

// calendarDays lists the UTC days touched by [start, end)
func calendarDays(start, end time.Time) []time.Time {
	var days []time.Time
	for d := market.DayOf(start); d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 6, 64) }
