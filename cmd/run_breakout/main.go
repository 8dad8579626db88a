// Command run_breakout replays the breakout strategy over local files or
// ClickHouse and prints a summary
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/clickhouse"
	"backtest/services/config"
	"backtest/services/engine"
	"backtest/services/loader"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

const timeLayout = "2006-01-02 15:04:05"

// parseUTC accepts "YYYY-MM-DD HH:MM:SS" or a bare date
func parseUTC(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, "2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func splitSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	sourceFlag := flag.String("source", "", "bar source: csv, arrow or clickhouse (default from config)")
	dir := flag.String("dir", "", "directory of <SYMBOL>.csv or <SYMBOL>.arrow files (default from config)")
	symbolsFlag := flag.String("symbols", "BTCUSDT", "comma separated symbols")
	from := flag.String("from", "2024-01-01 00:00:00", "start UTC (YYYY-MM-DD HH:MM:SS)")
	to := flag.String("to", "2024-07-01 00:00:00", "end UTC, exclusive")
	scenarios := flag.Int("scenarios", -1, "monte carlo scenarios; 0 skips, -1 uses config")
	seed := flag.Uint64("seed", 0, "monte carlo seed; 0 uses config")
	exportCSV := flag.String("export", "", "write the trade ledger as CSV")
	exportArrow := flag.String("export-arrow", "", "write the trade ledger as an Arrow IPC stream")
	cacheArrow := flag.Bool("cache-arrow", false, "write loaded CSV bars next to the source as .arrow files")
	ingest := flag.Bool("ingest", false, "ingest the CSV files into ClickHouse before running")
	persist := flag.Bool("persist", false, "save the run, scenarios and metrics to ClickHouse")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if cfg.Logging.Format == "json" {
		cfg.Logging.Format = "console"
	}
	logger, err := cfg.Logging.Logger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if *sourceFlag != "" {
		cfg.Engine.DataSource = *sourceFlag
	}
	if *dir != "" {
		cfg.Loader.Dir = *dir
	}
	start, err := parseUTC(*from)
	if err != nil {
		logger.Fatal("bad -from", zap.Error(err))
	}
	end, err := parseUTC(*to)
	if err != nil {
		logger.Fatal("bad -to", zap.Error(err))
	}
	symbols := splitSymbols(*symbolsFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ch *clickhouse.Client
	if *ingest || *persist || cfg.Engine.DataSource == "clickhouse" {
		ch, err = clickhouse.OpenWithRetry(ctx, cfg.ClickHouse, 30*time.Second, logger)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
	}

	csvLoader := loader.NewLoader(cfg.Loader, logger)
	pipeline := arrowpipeline.NewPipeline(cfg.Arrow, memory.NewGoAllocator(), logger)
	arrowFiles := arrowpipeline.FileSource{Dir: cfg.Loader.Dir, Pipeline: pipeline}

	if *ingest {
		for _, sym := range symbols {
			if err := ingestFile(ctx, ch, csvLoader.Path(sym), sym, logger); err != nil {
				logger.Fatal("ingest failed", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}
	if *cacheArrow {
		for _, sym := range symbols {
			bars, err := csvLoader.LoadBars(ctx, sym, start, end)
			if err != nil {
				logger.Fatal("load for arrow cache failed", zap.String("symbol", sym), zap.Error(err))
			}
			if err := arrowFiles.SaveBars(ctx, sym, bars); err != nil {
				logger.Fatal("arrow cache failed", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}

	var source engine.BarSource
	switch cfg.Engine.DataSource {
	case "csv":
		source = csvLoader
	case "arrow":
		source = arrowFiles
	case "clickhouse":
		source = ch
	default:
		logger.Fatal("unknown bar source", zap.String("source", cfg.Engine.DataSource))
	}

	eng, err := engine.New(source, engine.Config{
		Strategy:       cfg.Backtest.Strategy,
		Risk:           cfg.Backtest.Risk,
		Costs:          cfg.Backtest.Costs,
		InitialCapital: cfg.Backtest.InitialCapital,
		Clusters:       cfg.Backtest.ClusterMap(),
		Progress: func(p engine.Progress) {
			logger.Debug("progress", zap.Float64("percent", p.Percent), zap.Time("day", p.Day), zap.Float64("equity", p.Equity))
		},
	}, logger)
	if err != nil {
		logger.Fatal("invalid backtest parameters", zap.Error(err))
	}
	res, err := eng.Run(ctx, symbols, start, end)
	if err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}
	runID := res.Manifest.ConfigHash[:16] + "-" + res.Manifest.DataChecksum[:8]
	res.Manifest.RunID = runID

	var mc *montecarlo.Result
	n := *scenarios
	if n < 0 {
		n = cfg.MonteCarlo.Scenarios
	}
	if n > 0 {
		mcCfg := cfg.MonteCarlo.Config
		mcCfg.InitialCapital = res.InitialCapital
		mcCfg.GlobalStopDailyPct = cfg.Backtest.Risk.GlobalStopDailyPct
		mcCfg.CampaignDdStop = cfg.Backtest.Risk.CampaignDdStop
		if *seed != 0 {
			mcCfg.Seed = *seed
		}
		sim, err := montecarlo.NewSimulator(mcCfg, logger)
		if err != nil {
			logger.Fatal("invalid monte carlo config", zap.Error(err))
		}
		if mc, err = sim.RunSimulation(ctx, montecarlo.ReturnsByCluster(res.Trades), n); err != nil {
			logger.Fatal("monte carlo failed", zap.Error(err))
		}
	}

	var store metrics.Store
	if *persist {
		store = ch
	}
	rec, err := metrics.NewService(store, cfg.Backtest.Costs.TaxRate, logger).
		CalculateAndSaveMetrics(ctx, runID, res.Trades, res.InitialCapital, mc)
	if err != nil {
		logger.Fatal("metrics failed", zap.Error(err))
	}
	// the run row goes last so a stored run always has its metrics
	if *persist {
		if mc != nil {
			if err := ch.SaveScenarios(ctx, runID, mc); err != nil {
				logger.Fatal("save scenarios failed", zap.Error(err))
			}
		}
		if err := ch.SaveRun(ctx, runID, res); err != nil {
			logger.Fatal("save run failed", zap.Error(err))
		}
	}

	if *exportCSV != "" {
		if err := writeFile(*exportCSV, func(f *os.File) error { return engine.ExportCSV(f, res.Trades) }); err != nil {
			logger.Fatal("csv export failed", zap.Error(err))
		}
	}
	if *exportArrow != "" {
		if err := writeFile(*exportArrow, func(f *os.File) error { return pipeline.WriteLedger(ctx, f, res.Trades) }); err != nil {
			logger.Fatal("arrow export failed", zap.Error(err))
		}
	}

	printSummary(os.Stdout, runID, start, end, res, rec, mc)
}

func writeFile(path string, write func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
