// Package metrics turns a trade ledger into trade, risk and cost statistics,
// breaker attribution counts and a pass/fail validation verdict, optionally
// cross-checked against Monte Carlo output.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"backtest/services/market"
	"backtest/services/montecarlo"
	"backtest/services/stats"
)

const (
	// SentinelRatio replaces profit factor and payoff ratio when the denominator is zero
	SentinelRatio      = 999.0
	TradingDaysPerYear = 252
	RiskFreeRate       = 0.04
	// StressTolerance bounds simulated tail risk relative to history
	StressTolerance = 1.2
)

var (
	ErrEmptyLedger    = errors.New("trade ledger is empty")
	ErrInvalidCapital = errors.New("initial capital must be positive")
)

type TradeMetrics struct {
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	HitRate         float64 `json:"hit_rate"`
	GrossProfit     float64 `json:"gross_profit"`
	GrossLoss       float64 `json:"gross_loss"`
	NetPnL          float64 `json:"net_pnl"`
	ProfitFactor    float64 `json:"profit_factor"`
	AvgWin          float64 `json:"avg_win"`
	AvgLoss         float64 `json:"avg_loss"`
	PayoffRatio     float64 `json:"payoff_ratio"`
	Expectancy      float64 `json:"expectancy"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
	AvgHoldingHours float64 `json:"avg_holding_hours"`
}

type RiskMetrics struct {
	TradingDays              int     `json:"trading_days"`
	AnnualizedReturn         float64 `json:"annualized_return"`
	AnnualizedVolatility     float64 `json:"annualized_volatility"`
	Sharpe                   float64 `json:"sharpe"`
	Sortino                  float64 `json:"sortino"`
	VaR95                    float64 `json:"var_95"`
	VaR99                    float64 `json:"var_99"`
	ES95                     float64 `json:"es_95"`
	ES99                     float64 `json:"es_99"`
	MaxDrawdownPct           float64 `json:"max_drawdown_pct"`
	MaxDrawdownDurationHours float64 `json:"max_drawdown_duration_hours"`
}

type CostMetrics struct {
	Turnover      float64 `json:"turnover"`
	TotalFees     float64 `json:"total_fees"`
	TotalSlippage float64 `json:"total_slippage"`
	TotalFunding  float64 `json:"total_funding"`
	FeePct        float64 `json:"fee_pct"`
	SlippagePct   float64 `json:"slippage_pct"`
	CostDrag      float64 `json:"cost_drag"`
	EstimatedTax  float64 `json:"estimated_tax"`
}

type BreakerStats struct {
	ExitReasons    map[market.ExitReason]int  `json:"exit_reasons"`
	Activations    map[market.BreakerKind]int `json:"activations"`
	StopLosses     int                        `json:"stop_losses"`
	CampaignHalted bool                       `json:"campaign_halted"`
}

type ValidationResult struct {
	Passed             bool     `json:"validation_passed"`
	ExpectancyPositive bool     `json:"expectancy_positive"`
	PnLNetPositive     bool     `json:"pnl_net_positive"`
	MonteCarloChecked  bool     `json:"monte_carlo_checked"`
	Notes              []string `json:"notes"`
}

type Record struct {
	RunID          string           `json:"run_id"`
	CreatedAt      time.Time        `json:"created_at"`
	InitialCapital float64          `json:"initial_capital"`
	FinalEquity    float64          `json:"final_equity"`
	Trade          TradeMetrics     `json:"trade"`
	Risk           RiskMetrics      `json:"risk"`
	Cost           CostMetrics      `json:"cost"`
	Breakers       BreakerStats     `json:"breakers"`
	Validation     ValidationResult `json:"validation"`
}

// Store persists metrics records
type Store interface {
	SaveMetrics(ctx context.Context, rec *Record) error
}

type Service struct {
	store   Store
	taxRate float64
	logger  *zap.Logger
}

// NewService builds the service; a nil store only computes
func NewService(store Store, taxRate float64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, taxRate: taxRate, logger: logger}
}

// CalculateAndSaveMetrics computes the record for a ledger and persists it.
// mc may be nil; when present the validation gate also compares tail risk.
func (s *Service) CalculateAndSaveMetrics(ctx context.Context, runID string, ledger []market.TradeResult, initialCapital float64, mc *montecarlo.Result) (*Record, error) {
	rec, err := s.Calculate(runID, ledger, initialCapital, mc)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.SaveMetrics(ctx, rec); err != nil {
			return nil, fmt.Errorf("save metrics for run %s: %w", runID, err)
		}
	}
	s.logger.Info("metrics calculated",
		zap.String("run_id", runID),
		zap.Int("trades", rec.Trade.TotalTrades),
		zap.Float64("expectancy", rec.Trade.Expectancy),
		zap.Float64("sharpe", rec.Risk.Sharpe),
		zap.Bool("validation_passed", rec.Validation.Passed))
	return rec, nil
}

// Calculate is the pure part of CalculateAndSaveMetrics
func (s *Service) Calculate(runID string, ledger []market.TradeResult, initialCapital float64, mc *montecarlo.Result) (*Record, error) {
	if len(ledger) == 0 {
		return nil, ErrEmptyLedger
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidCapital, initialCapital)
	}

	ordered := append([]market.TradeResult(nil), ledger...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ExitTime.Before(ordered[j].ExitTime) })

	rec := &Record{
		RunID:          runID,
		CreatedAt:      time.Now().UTC(),
		InitialCapital: initialCapital,
		Trade:          tradeMetrics(ordered),
		Risk:           riskMetrics(ordered, initialCapital),
		Cost:           costMetrics(ordered, s.taxRate),
		Breakers:       breakerStats(ordered),
	}
	rec.FinalEquity = initialCapital + rec.Trade.NetPnL
	rec.Validation = validate(rec, mc)
	sanitize(rec)
	return rec, nil
}

func tradeMetrics(trades []market.TradeResult) TradeMetrics {
	m := TradeMetrics{TotalTrades: len(trades)}
	hours := 0.0
	for _, tr := range trades {
		m.NetPnL += tr.NetPnL
		hours += tr.HoldingHours()
		switch {
		case tr.NetPnL > 0:
			m.Wins++
			m.GrossProfit += tr.NetPnL
			m.LargestWin = math.Max(m.LargestWin, tr.NetPnL)
		case tr.NetPnL < 0:
			m.Losses++
			m.GrossLoss += -tr.NetPnL
			m.LargestLoss = math.Min(m.LargestLoss, tr.NetPnL)
		}
	}
	m.HitRate = float64(m.Wins) / float64(m.TotalTrades)
	m.AvgHoldingHours = hours / float64(m.TotalTrades)
	if m.Wins > 0 {
		m.AvgWin = m.GrossProfit / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = m.GrossLoss / float64(m.Losses)
	}
	m.ProfitFactor = guardedRatio(m.GrossProfit, m.GrossLoss)
	m.PayoffRatio = guardedRatio(m.AvgWin, m.AvgLoss)
	m.Expectancy = m.HitRate*m.AvgWin - (1-m.HitRate)*m.AvgLoss
	return m
}

// guardedRatio returns num/den, SentinelRatio when only the denominator is zero
func guardedRatio(num, den float64) float64 {
	switch {
	case den > 0:
		return num / den
	case num > 0:
		return SentinelRatio
	}
	return 0
}

type dailyReturn struct {
	day time.Time
	ret float64
}

// dailyReturns buckets net PnL by exit day over the equity at the start of that day
func dailyReturns(trades []market.TradeResult, initialCapital float64) []dailyReturn {
	var out []dailyReturn
	equity := initialCapital
	for i := 0; i < len(trades); {
		day := market.DayOf(trades[i].ExitTime)
		start := equity
		pnl := 0.0
		for ; i < len(trades) && market.DayOf(trades[i].ExitTime).Equal(day); i++ {
			pnl += trades[i].NetPnL
		}
		equity += pnl
		if start > 0 {
			out = append(out, dailyReturn{day: day, ret: pnl / start})
		}
	}
	return out
}

func riskMetrics(trades []market.TradeResult, initialCapital float64) RiskMetrics {
	daily := dailyReturns(trades, initialCapital)
	rets := make([]float64, len(daily))
	for i, d := range daily {
		rets[i] = d.ret
	}

	m := RiskMetrics{TradingDays: len(rets)}
	mean, std := stats.MeanStd(rets)
	rfDaily := RiskFreeRate / TradingDaysPerYear
	annual := math.Sqrt(TradingDaysPerYear)
	m.AnnualizedReturn = mean * TradingDaysPerYear
	m.AnnualizedVolatility = std * annual
	if std > 0 {
		m.Sharpe = (mean - rfDaily) / std * annual
	}
	if dd := downsideDeviation(rets, rfDaily); dd > 0 {
		m.Sortino = (mean - rfDaily) / dd * annual
	}
	m.VaR95, m.ES95 = stats.TailRisk(rets, 0.05)
	m.VaR99, m.ES99 = stats.TailRisk(rets, 0.01)
	m.MaxDrawdownPct, m.MaxDrawdownDurationHours = drawdown(trades, initialCapital)
	return m
}

func downsideDeviation(rets []float64, target float64) float64 {
	if len(rets) == 0 {
		return 0
	}
	ss := 0.0
	for _, r := range rets {
		if d := r - target; d < 0 {
			ss += d * d
		}
	}
	return math.Sqrt(ss / float64(len(rets)))
}

// drawdown walks trades in exit order and returns the deepest fractional
// drawdown and the longest time spent below a previous peak, in hours.
func drawdown(trades []market.TradeResult, initialCapital float64) (float64, float64) {
	equity, peak := initialCapital, initialCapital
	peakAt := trades[0].EntryTime
	maxDD, longest := 0.0, 0.0
	under := false
	for _, tr := range trades {
		equity += tr.NetPnL
		if equity >= peak {
			if under {
				longest = math.Max(longest, tr.ExitTime.Sub(peakAt).Hours())
				under = false
			}
			peak = equity
			peakAt = tr.ExitTime
			continue
		}
		under = true
		if peak > 0 {
			maxDD = math.Max(maxDD, math.Min(1, (peak-equity)/peak))
		}
	}
	if under {
		longest = math.Max(longest, trades[len(trades)-1].ExitTime.Sub(peakAt).Hours())
	}
	return maxDD, longest
}

func costMetrics(trades []market.TradeResult, taxRate float64) CostMetrics {
	var m CostMetrics
	gross, net := 0.0, 0.0
	for _, tr := range trades {
		m.Turnover += tr.Notional
		m.TotalFees += tr.Fees
		m.TotalSlippage += tr.Slippage
		m.TotalFunding += tr.Funding
		gross += tr.GrossPnL
		net += tr.NetPnL
	}
	if m.Turnover > 0 {
		m.FeePct = m.TotalFees / m.Turnover
		m.SlippagePct = m.TotalSlippage / m.Turnover
	}
	if g := math.Abs(gross); g > 0 {
		m.CostDrag = (m.TotalFees + m.TotalSlippage) / g
	}
	if net > 0 {
		m.EstimatedTax = taxRate * net
	}
	return m
}

func breakerStats(trades []market.TradeResult) BreakerStats {
	bs := BreakerStats{
		ExitReasons: make(map[market.ExitReason]int),
		Activations: make(map[market.BreakerKind]int),
	}
	for _, tr := range trades {
		bs.ExitReasons[tr.ExitReason]++
		if tr.ExitReason == market.ExitStopLoss {
			bs.StopLosses++
		}
		if tr.Breaker != market.BreakerNone {
			bs.Activations[tr.Breaker]++
		}
		if tr.ExitReason == market.ExitCampaignStop || tr.Breaker == market.BreakerCampaign {
			bs.CampaignHalted = true
		}
	}
	return bs
}

func validate(rec *Record, mc *montecarlo.Result) ValidationResult {
	v := ValidationResult{
		ExpectancyPositive: rec.Trade.Expectancy > 0,
		PnLNetPositive:     rec.Trade.NetPnL > 0,
	}
	v.Passed = v.ExpectancyPositive
	if v.ExpectancyPositive {
		v.Notes = append(v.Notes, fmt.Sprintf("expectancy %.4f per trade is positive", rec.Trade.Expectancy))
	} else {
		v.Notes = append(v.Notes, fmt.Sprintf("expectancy %.4f per trade is not positive", rec.Trade.Expectancy))
	}

	if mc == nil {
		v.Notes = append(v.Notes, "no monte carlo results supplied; stress checks skipped")
		return v
	}
	v.MonteCarloChecked = true
	checks := []struct {
		name       string
		simulated  float64
		historical float64
	}{
		{"ES95", mc.Summary.MeanES95, rec.Risk.ES95},
		{"VaR99", mc.Summary.VaR99, rec.Risk.VaR99},
	}
	for _, c := range checks {
		if c.historical <= 0 {
			v.Notes = append(v.Notes, fmt.Sprintf("historical %s %.6f is not a loss; stress check skipped", c.name, c.historical))
			continue
		}
		limit := StressTolerance * c.historical
		if c.simulated > limit {
			v.Passed = false
			v.Notes = append(v.Notes, fmt.Sprintf("simulated %s %.6f exceeds %.1fx historical %.6f", c.name, c.simulated, StressTolerance, c.historical))
		} else {
			v.Notes = append(v.Notes, fmt.Sprintf("simulated %s %.6f within %.1fx historical %.6f", c.name, c.simulated, StressTolerance, c.historical))
		}
	}
	return v
}

// sanitize guarantees no NaN or Inf reaches a store
func sanitize(rec *Record) {
	for _, p := range []*float64{
		&rec.FinalEquity,
		&rec.Trade.HitRate, &rec.Trade.GrossProfit, &rec.Trade.GrossLoss, &rec.Trade.NetPnL,
		&rec.Trade.ProfitFactor, &rec.Trade.AvgWin, &rec.Trade.AvgLoss, &rec.Trade.PayoffRatio,
		&rec.Trade.Expectancy, &rec.Trade.LargestWin, &rec.Trade.LargestLoss, &rec.Trade.AvgHoldingHours,
		&rec.Risk.AnnualizedReturn, &rec.Risk.AnnualizedVolatility, &rec.Risk.Sharpe, &rec.Risk.Sortino,
		&rec.Risk.VaR95, &rec.Risk.VaR99, &rec.Risk.ES95, &rec.Risk.ES99,
		&rec.Risk.MaxDrawdownPct, &rec.Risk.MaxDrawdownDurationHours,
		&rec.Cost.Turnover, &rec.Cost.TotalFees, &rec.Cost.TotalSlippage, &rec.Cost.TotalFunding,
		&rec.Cost.FeePct, &rec.Cost.SlippagePct, &rec.Cost.CostDrag, &rec.Cost.EstimatedTax,
	} {
		*p = stats.Finite(*p)
	}
}
