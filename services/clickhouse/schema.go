package clickhouse

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	tradesTable    = "trades"
	runsTable      = "runs"
	scenariosTable = "mc_scenarios"
	metricsTable   = "metrics"
	progressTable  = "run_progress"
	ledgerTable    = "ingest_ledger"
)

// column lists shared by the DDL and the INSERT statements
var (
	tradeColumns = []string{
		"run_id", "seq", "symbol", "cluster", "side", "entry_time", "exit_time",
		"entry_price", "exit_price", "quantity", "notional", "gross_pnl", "fees",
		"slippage", "funding", "net_pnl", "exit_reason", "partial", "breaker",
		"entry_atr", "signal_strength", "equity_before", "return_on_equity",
	}
	runColumns = []string{
		"run_id", "status", "engine_version", "config_hash", "data_checksum", "bar_count",
		"symbols", "range_start", "range_end", "initial_capital", "final_equity", "net_pnl",
		"max_drawdown", "halted", "days_processed", "trades", "created_at",
	}
	scenarioColumns = []string{
		"run_id", "seed", "idx", "regime", "intra_corr", "inter_corr", "final_equity",
		"total_pnl", "max_drawdown", "var_95", "es_95", "breaker_activations",
		"steps_applied", "halted",
	}
	metricsColumns = []string{
		"run_id", "created_at", "initial_capital", "final_equity", "net_pnl",
		"total_trades", "hit_rate", "profit_factor", "expectancy", "sharpe", "sortino",
		"var_95", "es_95", "max_drawdown_pct", "cost_drag", "validation_passed", "payload",
	}
	progressColumns = []string{
		"run_id", "status", "percent", "day", "equity", "trades", "updated_at",
	}
	ledgerColumns = []string{"source", "checksum", "row_count", "inserted_at"}
	barColumns    = []string{
		"symbol", "interval", "open_time_ms", "open", "high", "low", "close", "volume",
		"quote_volume", "trades", "taker_base", "taker_quote", "close_time_ms",
		"ingested_at", "version",
	}
)

func insertQuery(table string, columns []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s)", table, strings.Join(columns, ", "))
}

// EnsureSchema creates the database and every table the store writes to
func (c *Client) EnsureSchema(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.cfg.Database)); err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	for _, ddl := range c.ddl() {
		if err := c.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	c.logger.Info("clickhouse schema ensured", zap.String("database", c.cfg.Database))
	return nil
}

func (c *Client) ddl() []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol String,
			interval LowCardinality(String),
			open_time_ms UInt64,
			open Float64,
			high Float64,
			low Float64,
			close Float64,
			volume Float64,
			quote_volume Float64,
			trades UInt64,
			taker_base Float64,
			taker_quote Float64,
			close_time_ms UInt64,
			ingested_at DateTime64(3),
			version UInt64
		)
		ENGINE = ReplacingMergeTree(version)
		ORDER BY (symbol, interval, open_time_ms)
		SETTINGS index_granularity = 8192`, c.table(c.cfg.BarTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			seq UInt32,
			symbol LowCardinality(String),
			cluster LowCardinality(String),
			side LowCardinality(String),
			entry_time DateTime64(3, 'UTC'),
			exit_time DateTime64(3, 'UTC'),
			entry_price Decimal(38, 8),
			exit_price Decimal(38, 8),
			quantity Float64,
			notional Decimal(38, 8),
			gross_pnl Decimal(38, 8),
			fees Decimal(38, 8),
			slippage Decimal(38, 8),
			funding Decimal(38, 8),
			net_pnl Decimal(38, 8),
			exit_reason LowCardinality(String),
			partial Bool,
			breaker LowCardinality(String),
			entry_atr Float64,
			signal_strength Float64,
			equity_before Decimal(38, 8),
			return_on_equity Float64
		)
		ENGINE = MergeTree
		ORDER BY (run_id, seq)`, c.table(tradesTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			status LowCardinality(String),
			engine_version LowCardinality(String),
			config_hash String,
			data_checksum String,
			bar_count UInt64,
			symbols Array(String),
			range_start DateTime64(3, 'UTC'),
			range_end DateTime64(3, 'UTC'),
			initial_capital Decimal(38, 8),
			final_equity Decimal(38, 8),
			net_pnl Decimal(38, 8),
			max_drawdown Float64,
			halted Bool,
			days_processed UInt32,
			trades UInt32,
			created_at DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(created_at)
		ORDER BY run_id`, c.table(runsTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			seed UInt64,
			idx UInt32,
			regime LowCardinality(String),
			intra_corr Float64,
			inter_corr Float64,
			final_equity Decimal(38, 8),
			total_pnl Decimal(38, 8),
			max_drawdown Float64,
			var_95 Float64,
			es_95 Float64,
			breaker_activations UInt32,
			steps_applied UInt32,
			halted Bool
		)
		ENGINE = MergeTree
		ORDER BY (run_id, idx)`, c.table(scenariosTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			created_at DateTime64(3, 'UTC'),
			initial_capital Decimal(38, 8),
			final_equity Decimal(38, 8),
			net_pnl Decimal(38, 8),
			total_trades UInt32,
			hit_rate Float64,
			profit_factor Float64,
			expectancy Float64,
			sharpe Float64,
			sortino Float64,
			var_95 Float64,
			es_95 Float64,
			max_drawdown_pct Float64,
			cost_drag Float64,
			validation_passed Bool,
			payload String
		)
		ENGINE = ReplacingMergeTree(created_at)
		ORDER BY run_id`, c.table(metricsTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id String,
			status LowCardinality(String),
			percent Float64,
			day Date,
			equity Decimal(38, 8),
			trades UInt32,
			updated_at DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY run_id`, c.table(progressTable)),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			source String,
			checksum String,
			row_count UInt64,
			inserted_at DateTime64(3, 'UTC')
		)
		ENGINE = ReplacingMergeTree(inserted_at)
		ORDER BY checksum`, c.table(ledgerTable)),
	}
}
