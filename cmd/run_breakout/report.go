package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"backtest/services/clickhouse"
	"backtest/services/engine"
	"backtest/services/loader"
	"backtest/services/market"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

// ingestFile loads one CSV into ClickHouse; a file already ingested is skipped
func ingestFile(ctx context.Context, ch *clickhouse.Client, path, symbol string, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sum, err := loader.Checksum(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	bars, rep, err := loader.ReadCSV(bytes.NewReader(raw), symbol)
	if err != nil {
		return err
	}
	n, err := ch.IngestBars(ctx, path, sum, bars)
	if err != nil {
		return err
	}
	logger.Info("csv ingested",
		zap.String("symbol", symbol),
		zap.String("path", path),
		zap.Int("rows", rep.Rows),
		zap.Int("inserted", n),
		zap.Int("dropped", rep.Malformed+rep.Invalid+rep.Duplicates))
	return nil
}

func printSummary(w io.Writer, runID string, start, end time.Time, res *engine.Result, rec *metrics.Record, mc *montecarlo.Result) {
	fmt.Fprintln(w, "=== Breakout Backtest Summary ===")
	fmt.Fprintf(w, "Run: %s\n", runID)
	fmt.Fprintf(w, "Period: %s to %s UTC\n", start.Format(timeLayout), end.Format(timeLayout))
	fmt.Fprintf(w, "Bars: %d, Days: %d\n", res.Manifest.BarCount, res.DaysProcessed)
	fmt.Fprintf(w, "Trades: %d, HitRate: %.2f%%, ProfitFactor: %.2f, Expectancy: $%.2f\n",
		rec.Trade.TotalTrades, rec.Trade.HitRate*100, rec.Trade.ProfitFactor, rec.Trade.Expectancy)
	fmt.Fprintf(w, "NetPnL: $%.2f (fees $%.2f, slippage $%.2f, funding $%.2f), Est. tax: $%.2f\n",
		res.NetPnL, res.Fees, res.Slippage, res.Funding, rec.Cost.EstimatedTax)
	fmt.Fprintf(w, "Equity: $%.2f -> $%.2f, MaxDD: %.2f%%\n",
		res.InitialCapital, res.FinalEquity, rec.Risk.MaxDrawdownPct*100)
	fmt.Fprintf(w, "Sharpe: %.2f, Sortino: %.2f, VaR95: %.4f, ES95: %.4f\n",
		rec.Risk.Sharpe, rec.Risk.Sortino, rec.Risk.VaR95, rec.Risk.ES95)
	if res.Halted {
		fmt.Fprintln(w, "Campaign drawdown stop reached; run halted early")
	}

	kinds := make([]market.BreakerKind, 0, len(res.Activations))
	for k := range res.Activations {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		fmt.Fprintf(w, "Breaker %s: %d\n", k, res.Activations[k])
	}

	if mc != nil {
		s := mc.Summary
		fmt.Fprintf(w, "Monte Carlo (%d scenarios, seed %d): mean equity $%.2f, P(pnl>0) %.1f%%, VaR99 %.4f, DD p95 %.2f%%\n",
			s.Scenarios, mc.Seed, s.MeanFinalEquity, s.ProbPositivePnL*100, s.VaR99, s.MaxDrawdownP95*100)
	}
	status := "FAILED"
	if rec.Validation.Passed {
		status = "PASSED"
	}
	fmt.Fprintf(w, "Validation: %s\n", status)
	for _, note := range rec.Validation.Notes {
		fmt.Fprintf(w, "  - %s\n", note)
	}
}
