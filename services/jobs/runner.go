// Package jobs runs backtests asynchronously: replay, Monte Carlo, metrics
// and persistence, with progress fanned out to storage and the event bus.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"backtest/services/engine"
	"backtest/services/kafka"
	"backtest/services/market"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
	ErrShuttingDown = errors.New("runner is shutting down")
)

// Store persists run artifacts. Nil disables persistence.
type Store interface {
	SaveRun(ctx context.Context, runID string, res *engine.Result) error
	SaveScenarios(ctx context.Context, runID string, res *montecarlo.Result) error
	SaveProgress(ctx context.Context, runID string, status engine.Status, p engine.Progress) error
}

// Publisher receives progress and status events. Nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, ev kafka.Event) error
}

// Request describes one run; zero-valued parameters fall back to Defaults
type Request struct {
	Symbols        []string               `json:"symbols" binding:"required,min=1"`
	Start          time.Time              `json:"start" binding:"required"`
	End            time.Time              `json:"end" binding:"required"`
	Strategy       *market.StrategyParams `json:"strategy,omitempty"`
	Risk           *market.RiskParams     `json:"risk,omitempty"`
	Costs          *market.CostParams     `json:"costs,omitempty"`
	InitialCapital float64                `json:"initial_capital,omitempty"`
	Clusters       map[string]string      `json:"clusters,omitempty"`
	// Scenarios overrides the Monte Carlo count; negative skips the simulation
	Scenarios int     `json:"scenarios,omitempty"`
	Seed      *uint64 `json:"seed,omitempty"`
}

type Defaults struct {
	Strategy       market.StrategyParams
	Risk           market.RiskParams
	Costs          market.CostParams
	InitialCapital float64
	Clusters       map[string]string
	MonteCarlo     montecarlo.Config
	Scenarios      int
}

type Options struct {
	Source            engine.BarSource
	Store             Store
	Publisher         Publisher
	Defaults          Defaults
	MaxConcurrentRuns int
	ProgressBuffer    int
	Logger            *zap.Logger
}

// Runner owns the job registry and bounds concurrent runs with a semaphore
type Runner struct {
	source    engine.BarSource
	store     Store
	publisher Publisher
	metrics   *metrics.Service
	defaults  Defaults
	buffer    int
	sem       chan struct{}
	registry  *Registry
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = 64
	}
	var ms metrics.Store
	if opts.Store != nil {
		if s, ok := opts.Store.(metrics.Store); ok {
			ms = s
		}
	}
	return &Runner{
		source:    opts.Source,
		store:     opts.Store,
		publisher: opts.Publisher,
		metrics:   metrics.NewService(ms, opts.Defaults.Costs.TaxRate, opts.Logger),
		defaults:  opts.Defaults,
		buffer:    opts.ProgressBuffer,
		sem:       make(chan struct{}, opts.MaxConcurrentRuns),
		registry:  NewRegistry(),
		logger:    opts.Logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// resolve merges the request over the defaults and validates the result
func (r *Runner) resolve(req Request) (engine.Config, montecarlo.Config, int, error) {
	cfg := engine.Config{
		Strategy:       r.defaults.Strategy,
		Risk:           r.defaults.Risk,
		Costs:          r.defaults.Costs,
		InitialCapital: r.defaults.InitialCapital,
		Clusters:       r.defaults.Clusters,
	}
	if req.Strategy != nil {
		cfg.Strategy = *req.Strategy
	}
	if req.Risk != nil {
		cfg.Risk = *req.Risk
	}
	if req.Costs != nil {
		cfg.Costs = *req.Costs
	}
	if req.InitialCapital != 0 {
		cfg.InitialCapital = req.InitialCapital
	}
	if len(req.Clusters) > 0 {
		cfg.Clusters = make(map[string]string, len(req.Clusters))
		for sym, c := range req.Clusters {
			cfg.Clusters[strings.ToUpper(sym)] = c
		}
	}
	if cfg.InitialCapital <= 0 {
		return cfg, montecarlo.Config{}, 0, fmt.Errorf("%w: got %v", engine.ErrInvalidCapital, cfg.InitialCapital)
	}
	if err := market.ValidateParams(cfg.Strategy, cfg.Risk, cfg.Costs); err != nil {
		return cfg, montecarlo.Config{}, 0, err
	}
	if len(req.Symbols) == 0 {
		return cfg, montecarlo.Config{}, 0, engine.ErrNoSymbols
	}
	if !req.End.After(req.Start) {
		return cfg, montecarlo.Config{}, 0, fmt.Errorf("%w: end must be after start", engine.ErrInvalidRange)
	}

	mc := r.defaults.MonteCarlo
	mc.InitialCapital = cfg.InitialCapital
	mc.GlobalStopDailyPct = cfg.Risk.GlobalStopDailyPct
	mc.CampaignDdStop = cfg.Risk.CampaignDdStop
	if req.Seed != nil {
		mc.Seed = *req.Seed
	}
	scenarios := r.defaults.Scenarios
	if req.Scenarios != 0 {
		scenarios = req.Scenarios
	}
	if scenarios > 0 {
		if err := mc.Validate(); err != nil {
			return cfg, mc, 0, err
		}
	}
	return cfg, mc, scenarios, nil
}

// Submit validates the request, registers a queued job and starts it.
// The returned snapshot carries the new run id.
func (r *Runner) Submit(req Request) (Job, error) {
	cfg, mc, scenarios, err := r.resolve(req)
	if err != nil {
		return Job{}, err
	}
	symbols := make([]string, len(req.Symbols))
	for i, s := range req.Symbols {
		symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Job{}, ErrShuttingDown
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[id] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	job := r.registry.create(id, symbols, req.Start.UTC(), req.End.UTC())
	r.logger.Info("run submitted",
		zap.String("run_id", id),
		zap.Strings("symbols", symbols),
		zap.Time("start", job.Start),
		zap.Time("end", job.End))

	go func() {
		defer r.wg.Done()
		defer r.forget(id)
		r.execute(ctx, id, symbols, job.Start, job.End, cfg, mc, scenarios)
	}()
	return job, nil
}

func (r *Runner) Get(id string) (Job, error) { return r.registry.Get(id) }

func (r *Runner) List() []Job { return r.registry.List() }

// Cancel stops a queued or running job
func (r *Runner) Cancel(id string) error {
	job, err := r.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.Status)
	}
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown rejects new submissions, cancels running jobs when ctx expires
// and waits for every job goroutine to return
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for _, cancel := range r.cancels {
			cancel()
		}
		r.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, id string, symbols []string, start, end time.Time, cfg engine.Config, mcCfg montecarlo.Config, scenarios int) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.fail(id, StatusCancelled, ctx.Err())
		return
	}

	r.registry.update(id, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = time.Now().UTC()
	})
	r.emit(ctx, id, engine.StatusRunning, engine.Progress{Day: market.DayOf(start), Equity: cfg.InitialCapital}, "")

	progress := make(chan engine.Progress, r.buffer)
	drained := make(chan struct{})
	go r.drain(ctx, id, progress, drained)

	cfg.Progress = func(p engine.Progress) {
		r.registry.update(id, func(j *Job) { j.Progress = p })
		select {
		case progress <- p:
		default:
			// slow consumers lose intermediate updates; the registry stays current
		}
	}

	err := r.run(ctx, id, symbols, start, end, cfg, mcCfg, scenarios)
	close(progress)
	<-drained

	if err != nil {
		status := StatusFailed
		if errors.Is(err, context.Canceled) {
			status = StatusCancelled
		}
		r.fail(id, status, err)
		return
	}

	// terminal status is published before it becomes visible to readers
	job, _ := r.registry.Get(id)
	r.emit(context.Background(), id, engine.StatusCompleted, job.Progress, "")
	finished := time.Now().UTC()
	r.registry.update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.FinishedAt = finished
	})
	r.logger.Info("run completed", zap.String("run_id", id), zap.Duration("elapsed", finished.Sub(job.StartedAt)))
}

// run replays, simulates and scores one job. Nothing is persisted until
// every stage has succeeded, so a stored run row is always a finished run.
func (r *Runner) run(ctx context.Context, id string, symbols []string, start, end time.Time, cfg engine.Config, mcCfg montecarlo.Config, scenarios int) error {
	eng, err := engine.New(r.source, cfg, r.logger.With(zap.String("run_id", id)))
	if err != nil {
		return err
	}
	res, err := eng.Run(ctx, symbols, start, end)
	if res != nil {
		res.Manifest.RunID = id
		r.registry.update(id, func(j *Job) { j.Result = res })
	}
	if err != nil {
		return err
	}

	var mc *montecarlo.Result
	if scenarios > 0 {
		mc, err = r.simulate(ctx, id, res, mcCfg, scenarios)
		if err != nil {
			return err
		}
	}

	rec, err := r.metrics.CalculateAndSaveMetrics(ctx, id, res.Trades, res.InitialCapital, mc)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.store != nil {
		if mc != nil {
			if err := r.store.SaveScenarios(ctx, id, mc); err != nil {
				return err
			}
		}
		if err := r.store.SaveRun(ctx, id, res); err != nil {
			return err
		}
	}
	r.registry.update(id, func(j *Job) { j.Metrics = rec })
	return nil
}

func (r *Runner) simulate(ctx context.Context, id string, res *engine.Result, cfg montecarlo.Config, scenarios int) (*montecarlo.Result, error) {
	sim, err := montecarlo.NewSimulator(cfg, r.logger.With(zap.String("run_id", id)))
	if err != nil {
		return nil, err
	}
	mc, err := sim.RunSimulation(ctx, montecarlo.ReturnsByCluster(res.Trades), scenarios)
	if err != nil {
		return nil, err
	}
	r.registry.update(id, func(j *Job) { j.MonteCarlo = mc })
	return mc, nil
}

// drain forwards buffered progress to the store and the publisher
func (r *Runner) drain(ctx context.Context, id string, progress <-chan engine.Progress, done chan<- struct{}) {
	defer close(done)
	for p := range progress {
		if ctx.Err() != nil {
			continue
		}
		r.emit(ctx, id, engine.StatusRunning, p, "")
	}
}

func (r *Runner) emit(ctx context.Context, id string, status engine.Status, p engine.Progress, errMsg string) {
	if r.store != nil {
		if err := r.store.SaveProgress(ctx, id, status, p); err != nil {
			r.logger.Warn("failed to save progress", zap.String("run_id", id), zap.Error(err))
		}
	}
	if r.publisher != nil {
		ev := kafka.Event{
			RunID:   id,
			Status:  string(status),
			Percent: p.Percent,
			Day:     p.Day,
			Equity:  p.Equity,
			Trades:  p.Trades,
			Error:   errMsg,
		}
		if err := r.publisher.Publish(ctx, ev); err != nil {
			r.logger.Warn("failed to publish progress", zap.String("run_id", id), zap.Error(err))
		}
	}
}

func (r *Runner) fail(id string, status Status, err error) {
	job, _ := r.registry.Get(id)
	r.emit(context.Background(), id, engine.StatusFailed, job.Progress, err.Error())
	r.registry.update(id, func(j *Job) {
		j.Status = status
		j.Error = err.Error()
		j.FinishedAt = time.Now().UTC()
	})
	r.logger.Error("run failed", zap.String("run_id", id), zap.String("status", string(status)), zap.Error(err))
}
