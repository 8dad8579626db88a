package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/engine"
	"backtest/services/jobs"
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

type pinger interface {
	Ping(ctx context.Context) error
}

// BacktestService exposes the job runner over HTTP
type BacktestService struct {
	runner   *jobs.Runner
	pipeline *arrowpipeline.Pipeline
	db       pinger
	logger   *zap.Logger
	version  string
}

// RunSummary is a job plus the headline numbers of its result
type RunSummary struct {
	jobs.Job
	FinalEquity   float64             `json:"final_equity,omitempty"`
	NetPnL        float64             `json:"net_pnl,omitempty"`
	Trades        int                 `json:"trades"`
	Halted        bool                `json:"halted"`
	MaxDrawdown   float64             `json:"max_drawdown,omitempty"`
	DaysProcessed int                 `json:"days_processed"`
	Manifest      *engine.RunManifest `json:"manifest,omitempty"`
}

func summarize(job jobs.Job) RunSummary {
	s := RunSummary{Job: job}
	if res := job.Result; res != nil {
		s.FinalEquity = res.FinalEquity
		s.NetPnL = res.NetPnL
		s.Trades = len(res.Trades)
		s.Halted = res.Halted
		s.MaxDrawdown = res.MaxDrawdown
		s.DaysProcessed = res.DaysProcessed
		s.Manifest = &res.Manifest
	}
	return s
}

func (s *BacktestService) setupHTTPRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealthCheck)
	api := r.Group("/api/v1")
	{
		api.POST("/runs", s.handleSubmitRun)
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.DELETE("/runs/:id", s.handleCancelRun)
		api.GET("/runs/:id/trades", s.handleGetTrades)
		api.GET("/runs/:id/metrics", s.handleGetMetrics)
		api.GET("/runs/:id/montecarlo", s.handleGetMonteCarlo)
	}
}

func (s *BacktestService) handleSubmitRun(c *gin.Context) {
	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, ErrInvalidParams.With(err))
		return
	}
	job, err := s.runner.Submit(req)
	if err != nil {
		s.logger.Warn("run rejected", zap.Error(err))
		abortJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, summarize(job))
}

func (s *BacktestService) handleListRuns(c *gin.Context) {
	list := s.runner.List()
	out := make([]RunSummary, len(list))
	for i, job := range list {
		out[i] = summarize(job)
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *BacktestService) handleGetRun(c *gin.Context) {
	job, err := s.runner.Get(c.Param("id"))
	if err != nil {
		abortJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, summarize(job))
}

func (s *BacktestService) handleCancelRun(c *gin.Context) {
	id := c.Param("id")
	if err := s.runner.Cancel(id); err != nil {
		abortJobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": id, "status": "cancelling"})
}

// handleGetTrades serves the ledger as JSON, CSV or an Arrow IPC stream
func (s *BacktestService) handleGetTrades(c *gin.Context) {
	job, err := s.runner.Get(c.Param("id"))
	if err != nil {
		abortJobError(c, err)
		return
	}
	if job.Result == nil || job.Status != jobs.StatusCompleted {
		abort(c, http.StatusConflict, ErrRunNotReady)
		return
	}
	trades := job.Result.Trades

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, gin.H{"run_id": job.ID, "trades": trades})
	case "csv":
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", "attachment; filename="+job.ID+".csv")
		c.Status(http.StatusOK)
		if err := engine.ExportCSV(c.Writer, trades); err != nil {
			s.logger.Error("csv export failed", zap.String("run_id", job.ID), zap.Error(err))
		}
	case "arrow":
		c.Header("Content-Type", arrowStreamType)
		c.Status(http.StatusOK)
		if err := s.pipeline.WriteLedger(c.Request.Context(), c.Writer, trades); err != nil {
			s.logger.Error("arrow export failed", zap.String("run_id", job.ID), zap.Error(err))
		}
	default:
		abort(c, http.StatusBadRequest, ErrInvalidParams.With(errUnknownFormat))
	}
}

func (s *BacktestService) handleGetMetrics(c *gin.Context) {
	job, err := s.runner.Get(c.Param("id"))
	if err != nil {
		abortJobError(c, err)
		return
	}
	if job.Metrics == nil {
		abort(c, http.StatusConflict, ErrRunNotReady)
		return
	}
	c.JSON(http.StatusOK, job.Metrics)
}

func (s *BacktestService) handleGetMonteCarlo(c *gin.Context) {
	job, err := s.runner.Get(c.Param("id"))
	if err != nil {
		abortJobError(c, err)
		return
	}
	if job.MonteCarlo == nil {
		abort(c, http.StatusConflict, ErrRunNotReady)
		return
	}
	mc := job.MonteCarlo
	body := gin.H{
		"run_id":               job.ID,
		"seed":                 mc.Seed,
		"scenarios":            len(mc.Scenarios),
		"summary":              mc.Summary,
		"confidence_intervals": mc.ConfidenceIntervals,
		"note":                 mc.Note,
	}
	if c.Query("detail") == "true" {
		body["results"] = mc.Scenarios
	}
	c.JSON(http.StatusOK, body)
}

func (s *BacktestService) handleHealthCheck(c *gin.Context) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			abort(c, http.StatusServiceUnavailable, ErrUnavailable.With(err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   s.version,
	})
}
