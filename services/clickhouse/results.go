package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"backtest/services/engine"
	"backtest/services/market"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

// moneyScale matches the Decimal(38, 8) money columns
const moneyScale = 8

func money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(moneyScale)
}

// SaveRun stores the run header and its whole ledger
func (c *Client) SaveRun(ctx context.Context, runID string, res *engine.Result) error {
	if err := c.SaveTrades(ctx, runID, res.Trades); err != nil {
		return err
	}
	if err := c.insertRow(ctx, runsTable, runColumns, runRow(runID, res)); err != nil {
		return fmt.Errorf("insert run %s: %w", runID, err)
	}
	c.logger.Info("run saved", zap.String("run_id", runID), zap.Int("trades", len(res.Trades)))
	return nil
}

func (c *Client) SaveTrades(ctx context.Context, runID string, trades []market.TradeResult) error {
	w := c.newBatchWriter(tradesTable, tradeColumns)
	for i, tr := range trades {
		if err := w.Add(ctx, tradeRow(runID, i, tr)); err != nil {
			return fmt.Errorf("save trades for run %s: %w", runID, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("save trades for run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) SaveScenarios(ctx context.Context, runID string, res *montecarlo.Result) error {
	w := c.newBatchWriter(scenariosTable, scenarioColumns)
	for _, sc := range res.Scenarios {
		if err := w.Add(ctx, scenarioRow(runID, res.Seed, sc)); err != nil {
			return fmt.Errorf("save scenarios for run %s: %w", runID, err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		return fmt.Errorf("save scenarios for run %s: %w", runID, err)
	}
	c.logger.Info("scenarios saved", zap.String("run_id", runID), zap.Int("scenarios", w.Sent()))
	return nil
}

// SaveMetrics implements metrics.Store
func (c *Client) SaveMetrics(ctx context.Context, rec *metrics.Record) error {
	row, err := metricsRow(rec)
	if err != nil {
		return err
	}
	if err := c.insertRow(ctx, metricsTable, metricsColumns, row); err != nil {
		return fmt.Errorf("insert metrics for run %s: %w", rec.RunID, err)
	}
	return nil
}

// SaveProgress upserts the latest progress of a run
func (c *Client) SaveProgress(ctx context.Context, runID string, status engine.Status, p engine.Progress) error {
	if err := c.insertRow(ctx, progressTable, progressColumns, progressRow(runID, status, p, time.Now().UTC())); err != nil {
		return fmt.Errorf("insert progress for run %s: %w", runID, err)
	}
	return nil
}

func tradeRow(runID string, seq int, tr market.TradeResult) []any {
	return []any{
		runID, uint32(seq), tr.Symbol, tr.Cluster, string(tr.Side),
		tr.EntryTime.UTC(), tr.ExitTime.UTC(),
		money(tr.EntryPrice), money(tr.ExitPrice),
		tr.Quantity,
		money(tr.Notional), money(tr.GrossPnL), money(tr.Fees),
		money(tr.Slippage), money(tr.Funding), money(tr.NetPnL),
		string(tr.ExitReason), tr.Partial, string(tr.Breaker),
		tr.EntryATR, tr.SignalStrength,
		money(tr.EquityBefore), tr.ReturnOnEquity,
	}
}

func runRow(runID string, res *engine.Result) []any {
	m := res.Manifest
	return []any{
		runID, string(res.Status), m.EngineVersion, m.ConfigHash, m.DataChecksum, uint64(m.BarCount),
		m.ConfigSnapshot.Symbols, m.ConfigSnapshot.Start, m.ConfigSnapshot.End,
		money(res.InitialCapital), money(res.FinalEquity), money(res.NetPnL),
		res.MaxDrawdown, res.Halted, uint32(res.DaysProcessed), uint32(len(res.Trades)),
		m.CreatedAt,
	}
}

func scenarioRow(runID string, seed uint64, sc montecarlo.ScenarioResult) []any {
	return []any{
		runID, seed, uint32(sc.Config.Index), string(sc.Config.Regime),
		sc.Config.IntraCorr, sc.Config.InterCorr,
		money(sc.FinalEquity), money(sc.TotalPnL),
		sc.MaxDrawdown, sc.VaR95, sc.ES95,
		uint32(sc.BreakerActivations), uint32(sc.StepsApplied), sc.Halted,
	}
}

func metricsRow(rec *metrics.Record) ([]any, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode metrics for run %s: %w", rec.RunID, err)
	}
	return []any{
		rec.RunID, rec.CreatedAt,
		money(rec.InitialCapital), money(rec.FinalEquity), money(rec.Trade.NetPnL),
		uint32(rec.Trade.TotalTrades), rec.Trade.HitRate, rec.Trade.ProfitFactor,
		rec.Trade.Expectancy, rec.Risk.Sharpe, rec.Risk.Sortino,
		rec.Risk.VaR95, rec.Risk.ES95, rec.Risk.MaxDrawdownPct, rec.Cost.CostDrag,
		rec.Validation.Passed, string(payload),
	}, nil
}

func progressRow(runID string, status engine.Status, p engine.Progress, at time.Time) []any {
	return []any{runID, string(status), p.Percent, p.Day, money(p.Equity), uint32(p.Trades), at}
}
