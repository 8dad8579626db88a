// Package montecarlo stress-tests a strategy's realized trade returns by
// resampling them under four correlation regimes and walking each resampled
// path through the same global-stop and campaign-drawdown breakers the
// backtest engine applies.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backtest/services/market"
	"backtest/services/stats"
)

var (
	ErrNoReturns        = errors.New("no trade returns to resample")
	ErrInvalidScenarios = errors.New("number of scenarios must be positive")
	ErrInvalidConfig    = errors.New("invalid monte carlo config")
)

// Approximation documents how VaR99/ES99 are derived
const Approximation = "var99/es99 are the 99th percentile of per-scenario VaR95/ES95, not a 99% tail estimate"

// planStream is the PCG stream reserved for scenario planning; scenario i uses stream i+1
const planStream = 0

type Config struct {
	Seed               uint64  `mapstructure:"seed"`
	InitialCapital     float64 `mapstructure:"initial_capital"`
	GlobalStopDailyPct float64 `mapstructure:"global_stop_daily_pct"`
	CampaignDdStop     float64 `mapstructure:"campaign_dd_stop"`
	// DailyResetProb is the per-step chance of starting a new trading day
	DailyResetProb float64 `mapstructure:"daily_reset_prob"`
	Workers        int     `mapstructure:"workers"`
	BatchSize      int     `mapstructure:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:     10_000,
		GlobalStopDailyPct: 0.03,
		CampaignDdStop:     0.2,
		DailyResetProb:     0.05,
		Workers:            4,
		BatchSize:          256,
	}
}

type ScenarioResult struct {
	Config             ScenarioConfig `json:"config"`
	FinalEquity        float64        `json:"final_equity"`
	TotalPnL           float64        `json:"total_pnl"`
	MaxDrawdown        float64        `json:"max_drawdown"`
	VaR95              float64        `json:"var_95"`
	ES95               float64        `json:"es_95"`
	BreakerActivations int            `json:"breaker_activations"`
	StepsApplied       int            `json:"steps_applied"`
	Halted             bool           `json:"halted"`
}

type Summary struct {
	Scenarios       int     `json:"scenarios"`
	MeanFinalEquity float64 `json:"mean_final_equity"`
	StdFinalEquity  float64 `json:"std_final_equity"`
	MeanVaR95       float64 `json:"mean_var_95"`
	MeanES95        float64 `json:"mean_es_95"`
	// VaR99 and ES99 follow Approximation
	VaR99            float64 `json:"var_99"`
	ES99             float64 `json:"es_99"`
	MaxDrawdownP5    float64 `json:"max_drawdown_p5"`
	MaxDrawdownP50   float64 `json:"max_drawdown_p50"`
	MaxDrawdownP95   float64 `json:"max_drawdown_p95"`
	ProbPositivePnL  float64 `json:"prob_positive_pnl"`
	ProbDrawdownOver float64 `json:"prob_drawdown_over_10pct"`
	MeanActivations  float64 `json:"mean_breaker_activations"`
}

type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ConfidenceIntervals are empirical 2.5/97.5 percentiles of the population
type ConfidenceIntervals struct {
	FinalEquity Interval `json:"final_equity"`
	PnL         Interval `json:"pnl"`
	MaxDrawdown Interval `json:"max_drawdown"`
}

type Result struct {
	Seed                uint64              `json:"seed"`
	Scenarios           []ScenarioResult    `json:"scenarios"`
	Summary             Summary             `json:"summary"`
	ConfidenceIntervals ConfidenceIntervals `json:"confidence_intervals"`
	Note                string              `json:"note"`
}

type Simulator struct {
	cfg     Config
	planner *Planner
	logger  *zap.Logger
}

func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("%w: initial capital must be positive, got %v", ErrInvalidConfig, c.InitialCapital)
	}
	if c.DailyResetProb < 0 || c.DailyResetProb > 1 {
		return fmt.Errorf("%w: daily reset probability %v outside [0,1]", ErrInvalidConfig, c.DailyResetProb)
	}
	return nil
}

func NewSimulator(cfg Config, logger *zap.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		cfg:     cfg,
		planner: NewPlanner(cfg.BatchSize, cfg.Workers),
		logger:  logger,
	}, nil
}

// ReturnsByCluster groups the ledger's per-trade return on equity by cluster
func ReturnsByCluster(trades []market.TradeResult) map[string][]float64 {
	out := make(map[string][]float64)
	for _, tr := range trades {
		out[tr.Cluster] = append(out[tr.Cluster], tr.ReturnOnEquity)
	}
	return out
}

// clusterReturns is an immutable snapshot shared read-only by all scenarios
type clusterReturns struct {
	names  []string
	series [][]float64
	pool   []float64
}

func snapshot(returns map[string][]float64) clusterReturns {
	var cr clusterReturns
	for name := range returns {
		if len(returns[name]) > 0 {
			cr.names = append(cr.names, name)
		}
	}
	sort.Strings(cr.names)
	for _, name := range cr.names {
		s := append([]float64(nil), returns[name]...)
		cr.series = append(cr.series, s)
		cr.pool = append(cr.pool, s...)
	}
	return cr
}

// RunSimulation runs numScenarios scenarios over the per-cluster trade
// returns. The same seed and inputs always give the same result.
func (s *Simulator) RunSimulation(ctx context.Context, returns map[string][]float64, numScenarios int) (*Result, error) {
	if numScenarios <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidScenarios, numScenarios)
	}
	data := snapshot(returns)
	if len(data.pool) == 0 {
		return nil, ErrNoReturns
	}

	configs := generateScenarios(numScenarios, rand.New(rand.NewPCG(s.cfg.Seed, planStream)))
	results := make([]ScenarioResult, numScenarios)

	s.logger.Info("monte carlo started",
		zap.Int("scenarios", numScenarios),
		zap.Int("returns", len(data.pool)),
		zap.Int("clusters", len(data.names)),
		zap.Uint64("seed", s.cfg.Seed))

	for _, batch := range s.planner.PlanBatches(numScenarios) {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("monte carlo cancelled", zap.Int("completed", batch.Start), zap.Error(err))
			return nil, fmt.Errorf("monte carlo cancelled: %w", err)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.planner.MaxWorkers)
		for i := batch.Start; i < batch.End; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rng := rand.New(rand.NewPCG(s.cfg.Seed, uint64(i)+1))
				results[i] = s.runScenario(configs[i], data, rng)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("monte carlo cancelled: %w", err)
		}
	}

	res := &Result{
		Seed:      s.cfg.Seed,
		Scenarios: results,
		Note:      Approximation,
	}
	res.Summary, res.ConfidenceIntervals = aggregate(results)
	s.logger.Info("monte carlo completed",
		zap.Float64("mean_final_equity", res.Summary.MeanFinalEquity),
		zap.Float64("mean_var_95", res.Summary.MeanVaR95),
		zap.Float64("prob_positive_pnl", res.Summary.ProbPositivePnL))
	return res, nil
}

// correlate mixes each return with one cluster shock and one market shock
func correlate(cfg ScenarioConfig, data clusterReturns, rng *rand.Rand) []float64 {
	idio := math.Max(0, 1-cfg.IntraCorr-cfg.InterCorr)
	marketShock := data.pool[rng.IntN(len(data.pool))]

	out := make([]float64, 0, len(data.pool))
	for _, series := range data.series {
		clusterShock := series[rng.IntN(len(series))]
		for _, r := range series {
			adj := idio*r + cfg.IntraCorr*clusterShock + cfg.InterCorr*marketShock
			out = append(out, math.Max(adj, -1))
		}
	}
	return out
}

func (s *Simulator) runScenario(cfg ScenarioConfig, data clusterReturns, rng *rand.Rand) ScenarioResult {
	path := correlate(cfg, data, rng)
	rng.Shuffle(len(path), func(i, j int) { path[i], path[j] = path[j], path[i] })

	capital := s.cfg.InitialCapital
	equity, peak, dayStart := capital, capital, capital
	dailyPnL, maxDD := 0.0, 0.0
	paused, halted := false, false
	activations := 0
	applied := make([]float64, 0, len(path))

	for _, r := range path {
		if rng.Float64() < s.cfg.DailyResetProb {
			dayStart = equity
			dailyPnL = 0
			paused = false
		}
		if paused {
			continue
		}
		pnl := equity * r
		equity += pnl
		dailyPnL += pnl
		applied = append(applied, r)

		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			maxDD = math.Max(maxDD, 1-equity/peak)
		}
		if s.cfg.GlobalStopDailyPct > 0 && dailyPnL <= -s.cfg.GlobalStopDailyPct*dayStart {
			paused = true
			activations++
		}
		if s.cfg.CampaignDdStop > 0 && peak > 0 && 1-equity/peak >= s.cfg.CampaignDdStop {
			halted = true
			activations++
			break
		}
	}

	var95, es95 := stats.TailRisk(applied, 0.05)
	return ScenarioResult{
		Config:             cfg,
		FinalEquity:        equity,
		TotalPnL:           equity - capital,
		MaxDrawdown:        maxDD,
		VaR95:              var95,
		ES95:               es95,
		BreakerActivations: activations,
		StepsApplied:       len(applied),
		Halted:             halted,
	}
}

func aggregate(results []ScenarioResult) (Summary, ConfidenceIntervals) {
	n := len(results)
	finals := make([]float64, n)
	pnls := make([]float64, n)
	dds := make([]float64, n)
	vars := make([]float64, n)
	ess := make([]float64, n)
	positive, deep, activations := 0, 0, 0
	for i, r := range results {
		finals[i] = r.FinalEquity
		pnls[i] = r.TotalPnL
		dds[i] = r.MaxDrawdown
		vars[i] = r.VaR95
		ess[i] = r.ES95
		if r.TotalPnL > 0 {
			positive++
		}
		if r.MaxDrawdown > 0.10 {
			deep++
		}
		activations += r.BreakerActivations
	}

	sum := Summary{Scenarios: n}
	sum.MeanFinalEquity, sum.StdFinalEquity = stats.MeanStd(finals)
	sum.MeanVaR95, _ = stats.MeanStd(vars)
	sum.MeanES95, _ = stats.MeanStd(ess)
	sum.VaR99 = stats.Percentile(stats.SortedCopy(vars), 0.99)
	sum.ES99 = stats.Percentile(stats.SortedCopy(ess), 0.99)
	sortedDD := stats.SortedCopy(dds)
	sum.MaxDrawdownP5 = stats.Percentile(sortedDD, 0.05)
	sum.MaxDrawdownP50 = stats.Percentile(sortedDD, 0.50)
	sum.MaxDrawdownP95 = stats.Percentile(sortedDD, 0.95)
	if n > 0 {
		sum.ProbPositivePnL = float64(positive) / float64(n)
		sum.ProbDrawdownOver = float64(deep) / float64(n)
		sum.MeanActivations = float64(activations) / float64(n)
	}

	ci := ConfidenceIntervals{
		FinalEquity: interval(finals),
		PnL:         interval(pnls),
		MaxDrawdown: Interval{Lower: stats.Percentile(sortedDD, 0.025), Upper: stats.Percentile(sortedDD, 0.975)},
	}
	return sum, ci
}

func interval(values []float64) Interval {
	sorted := stats.SortedCopy(values)
	return Interval{Lower: stats.Percentile(sorted, 0.025), Upper: stats.Percentile(sorted, 0.975)}
}
