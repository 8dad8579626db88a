// Package config loads service configuration from a YAML file with
// BACKTEST_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/clickhouse"
	"backtest/services/kafka"
	"backtest/services/loader"
	"backtest/services/market"
	"backtest/services/montecarlo"
)

const envPrefix = "BACKTEST"

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type EngineConfig struct {
	// MaxConcurrentRuns bounds runs executing at once; further submissions queue
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs" validate:"gt=0"`
	// ProgressBuffer is the capacity of each run's progress channel
	ProgressBuffer int `mapstructure:"progress_buffer" validate:"gt=0"`
	// DataSource selects where bars come from: ClickHouse, CSV or Arrow files under loader.dir
	DataSource string `mapstructure:"data_source" validate:"oneof=clickhouse csv arrow"`
	// Persist writes runs, scenarios, metrics and progress to ClickHouse
	Persist bool `mapstructure:"persist"`
}

// NeedsClickHouse reports whether a connection must be opened
func (e EngineConfig) NeedsClickHouse() bool {
	return e.Persist || e.DataSource == "clickhouse"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type MonteCarloConfig struct {
	montecarlo.Config `mapstructure:",squash"`
	Scenarios         int `mapstructure:"scenarios" validate:"gt=0"`
}

// BacktestDefaults fill any parameter a run request leaves out
type BacktestDefaults struct {
	Strategy       market.StrategyParams `mapstructure:"strategy"`
	Risk           market.RiskParams     `mapstructure:"risk"`
	Costs          market.CostParams     `mapstructure:"costs"`
	InitialCapital float64               `mapstructure:"initial_capital" validate:"gt=0"`
	Clusters       map[string]string     `mapstructure:"clusters"`
}

// ClusterMap returns Clusters keyed by upper-case symbol; viper lowercases map keys
func (b BacktestDefaults) ClusterMap() map[string]string {
	out := make(map[string]string, len(b.Clusters))
	for sym, cluster := range b.Clusters {
		out[strings.ToUpper(sym)] = cluster
	}
	return out
}

type Config struct {
	Environment string               `mapstructure:"environment"`
	Server      ServerConfig         `mapstructure:"server"`
	Engine      EngineConfig         `mapstructure:"engine"`
	ClickHouse  clickhouse.Config    `mapstructure:"clickhouse"`
	Arrow       arrowpipeline.Config `mapstructure:"arrow"`
	Loader      loader.Config        `mapstructure:"loader"`
	Kafka       kafka.Config         `mapstructure:"kafka"`
	MonteCarlo  MonteCarloConfig     `mapstructure:"montecarlo"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Backtest    BacktestDefaults     `mapstructure:"backtest"`
}

// Load reads path (skipped when empty), applies environment overrides such
// as BACKTEST_SERVER_PORT and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("engine.max_concurrent_runs", 4)
	v.SetDefault("engine.progress_buffer", 64)
	v.SetDefault("engine.data_source", "clickhouse")
	v.SetDefault("engine.persist", true)

	ch := clickhouse.DefaultConfig()
	v.SetDefault("clickhouse.dsn", ch.DSN)
	v.SetDefault("clickhouse.database", ch.Database)
	v.SetDefault("clickhouse.username", ch.Username)
	v.SetDefault("clickhouse.password", ch.Password)
	v.SetDefault("clickhouse.bar_table", ch.BarTable)
	v.SetDefault("clickhouse.interval", ch.Interval)
	v.SetDefault("clickhouse.batch_size", ch.BatchSize)
	v.SetDefault("clickhouse.dial_timeout", ch.DialTimeout)

	v.SetDefault("arrow.batch_size", 65_536)

	v.SetDefault("loader.dir", "./data")
	v.SetDefault("loader.gap_policy", string(loader.GapFlag))
	v.SetDefault("loader.step", "1m")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "backtest-runs")
	v.SetDefault("kafka.client_id", "backtest")

	mc := montecarlo.DefaultConfig()
	v.SetDefault("montecarlo.seed", mc.Seed)
	v.SetDefault("montecarlo.initial_capital", mc.InitialCapital)
	v.SetDefault("montecarlo.global_stop_daily_pct", mc.GlobalStopDailyPct)
	v.SetDefault("montecarlo.campaign_dd_stop", mc.CampaignDdStop)
	v.SetDefault("montecarlo.daily_reset_prob", mc.DailyResetProb)
	v.SetDefault("montecarlo.workers", mc.Workers)
	v.SetDefault("montecarlo.batch_size", mc.BatchSize)
	v.SetDefault("montecarlo.scenarios", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	sp := market.DefaultStrategyParams()
	v.SetDefault("backtest.strategy.ema_fast", sp.EmaFast)
	v.SetDefault("backtest.strategy.ema_slow", sp.EmaSlow)
	v.SetDefault("backtest.strategy.atr_period", sp.AtrPeriod)
	v.SetDefault("backtest.strategy.breakout_long_atr", sp.BreakoutLongAtr)
	v.SetDefault("backtest.strategy.breakout_short_atr", sp.BreakoutShortAtr)
	v.SetDefault("backtest.strategy.tp1_atr", sp.Tp1Atr)
	v.SetDefault("backtest.strategy.tp2_atr", sp.Tp2Atr)
	v.SetDefault("backtest.strategy.sl_atr", sp.SlAtr)
	v.SetDefault("backtest.strategy.trailing_atr", sp.TrailingAtr)

	rp := market.DefaultRiskParams()
	v.SetDefault("backtest.risk.risk_per_trade_bps", rp.RiskPerTradeBps)
	v.SetDefault("backtest.risk.cluster_cap_pct", rp.ClusterCapPct)
	v.SetDefault("backtest.risk.cluster_stop_daily_pct", rp.ClusterStopDailyPct)
	v.SetDefault("backtest.risk.global_stop_daily_pct", rp.GlobalStopDailyPct)
	v.SetDefault("backtest.risk.max_stops_per_asset_day", rp.MaxStopsPerAssetDay)
	v.SetDefault("backtest.risk.campaign_dd_stop", rp.CampaignDdStop)

	cp := market.DefaultCostParams()
	v.SetDefault("backtest.costs.fee_roundtrip_pct", cp.FeeRoundtripPct)
	v.SetDefault("backtest.costs.slippage_roundtrip_pct", cp.SlippageRoundtripPct)
	v.SetDefault("backtest.costs.funding_daily_pct", cp.FundingDailyPct)
	v.SetDefault("backtest.costs.tax_rate", cp.TaxRate)
	v.SetDefault("backtest.costs.min_atr_daily_pct", cp.MinAtrDailyPct)

	v.SetDefault("backtest.initial_capital", 10_000.0)
}

// Logger builds a zap logger for the configured level and format
func (l LoggingConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
