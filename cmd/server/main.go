// Command server runs backtests submitted over a REST API
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/clickhouse"
	"backtest/services/config"
	"backtest/services/engine"
	"backtest/services/jobs"
	"backtest/services/kafka"
	"backtest/services/loader"
)

const version = "1.0.0"

// barSource picks the configured bar store
func barSource(cfg *config.Config, ch *clickhouse.Client, pipeline *arrowpipeline.Pipeline, logger *zap.Logger) (engine.BarSource, error) {
	switch cfg.Engine.DataSource {
	case "clickhouse":
		return ch, nil
	case "csv":
		return loader.NewLoader(cfg.Loader, logger), nil
	case "arrow":
		return arrowpipeline.FileSource{Dir: cfg.Loader.Dir, Pipeline: pipeline}, nil
	}
	return nil, fmt.Errorf("unknown data source %q", cfg.Engine.DataSource)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := cfg.Logging.Logger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting backtesting service",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("data_source", cfg.Engine.DataSource))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var chClient *clickhouse.Client
	if cfg.Engine.NeedsClickHouse() {
		chClient, err = clickhouse.OpenWithRetry(ctx, cfg.ClickHouse, time.Minute, logger)
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		defer chClient.Close()
	}

	pipeline := arrowpipeline.NewPipeline(cfg.Arrow, memory.NewGoAllocator(), logger)
	source, err := barSource(cfg, chClient, pipeline, logger)
	if err != nil {
		logger.Fatal("Failed to configure bar source", zap.Error(err))
	}

	opts := jobs.Options{
		Source: source,
		Defaults: jobs.Defaults{
			Strategy:       cfg.Backtest.Strategy,
			Risk:           cfg.Backtest.Risk,
			Costs:          cfg.Backtest.Costs,
			InitialCapital: cfg.Backtest.InitialCapital,
			Clusters:       cfg.Backtest.ClusterMap(),
			MonteCarlo:     cfg.MonteCarlo.Config,
			Scenarios:      cfg.MonteCarlo.Scenarios,
		},
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
		ProgressBuffer:    cfg.Engine.ProgressBuffer,
		Logger:            logger,
	}
	if cfg.Engine.Persist {
		opts.Store = chClient
	}
	if cfg.Kafka.Enabled {
		publisher := kafka.NewPublisher(cfg.Kafka, logger)
		defer publisher.Close()
		opts.Publisher = publisher
	}
	runner := jobs.NewRunner(opts)

	service := &BacktestService{
		runner:   runner,
		pipeline: pipeline,
		logger:   logger,
		version:  version,
	}
	if chClient != nil {
		service.db = chClient
	}

	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	service.setupHTTPRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Runs cancelled at shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}
