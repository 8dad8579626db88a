package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest/services/engine"
	"backtest/services/kafka"
	"backtest/services/market"
	"backtest/services/metrics"
	"backtest/services/montecarlo"
)

var day1 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

type memSource map[string][]market.Bar

func (m memSource) LoadBars(_ context.Context, symbol string, from, to time.Time) ([]market.Bar, error) {
	var out []market.Bar
	for _, b := range m[symbol] {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

// blockingSource holds LoadBars until the run is cancelled
type blockingSource struct{ started chan struct{} }

func (b blockingSource) LoadBars(ctx context.Context, _ string, _, _ time.Time) ([]market.Bar, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type memStore struct {
	mu         sync.Mutex
	runs       int
	runStatus  []engine.Status
	scenarios  int
	metrics    []*metrics.Record
	progress   []engine.Status
	metricsErr error
}

func (m *memStore) SaveRun(_ context.Context, _ string, res *engine.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	m.runStatus = append(m.runStatus, res.Status)
	return nil
}

func (m *memStore) SaveScenarios(_ context.Context, _ string, res *montecarlo.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios += len(res.Scenarios)
	return nil
}

func (m *memStore) SaveProgress(_ context.Context, _ string, status engine.Status, _ engine.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, status)
	return nil
}

func (m *memStore) SaveMetrics(_ context.Context, rec *metrics.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metricsErr != nil {
		return m.metricsErr
	}
	m.metrics = append(m.metrics, rec)
	return nil
}

type memPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (m *memPublisher) Publish(_ context.Context, ev kafka.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memPublisher) snapshot() []kafka.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.Event(nil), m.events...)
}

// sawtooth rises for six bars then crashes through any trailing stop
func sawtooth(symbol string, close float64, ts time.Time, cycles int) []market.Bar {
	var bars []market.Bar
	for k := 0; k < cycles; k++ {
		for j := 0; j < 6; j++ {
			close++
			bars = append(bars, market.Bar{Symbol: symbol, Timestamp: ts, Open: close - 0.5, High: close + 0.1, Low: close - 0.1, Close: close, Volume: 1})
			ts = ts.Add(time.Minute)
		}
		prev := close
		close = prev - 4
		bars = append(bars, market.Bar{Symbol: symbol, Timestamp: ts, Open: prev, High: prev, Low: prev - 6, Close: close, Volume: 1})
		ts = ts.Add(time.Minute)
	}
	return bars
}

func testDefaults() Defaults {
	mc := montecarlo.DefaultConfig()
	mc.Seed = 7
	return Defaults{
		Strategy: market.StrategyParams{
			EmaFast: 2, EmaSlow: 4, AtrPeriod: 2,
			BreakoutLongAtr: 0.1, BreakoutShortAtr: 100,
			Tp1Atr: 50, Tp2Atr: 100, SlAtr: 1, TrailingAtr: 1,
		},
		Risk:           market.RiskParams{RiskPerTradeBps: 50},
		Costs:          market.CostParams{SlippageRoundtripPct: 0.0005, TaxRate: 0.2},
		InitialCapital: 10_000,
		MonteCarlo:     mc,
		Scenarios:      20,
	}
}

func waitTerminal(t *testing.T, r *Runner, id string) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = r.Get(id)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	return job
}

func TestRunCompletesAndPersists(t *testing.T) {
	store := &memStore{}
	pub := &memPublisher{}
	r := NewRunner(Options{
		Source:    memSource{"BTCUSDT": sawtooth("BTCUSDT", 100, day1, 10)},
		Store:     store,
		Publisher: pub,
		Defaults:  testDefaults(),
	})

	job, err := r.Submit(Request{Symbols: []string{" btcusdt"}, Start: day1, End: day1.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.Equal(t, []string{"BTCUSDT"}, job.Symbols)
	assert.Len(t, job.ID, 36)

	done := waitTerminal(t, r, job.ID)
	require.Equal(t, StatusCompleted, done.Status, done.Error)
	require.NotNil(t, done.Result)
	require.NotNil(t, done.MonteCarlo)
	require.NotNil(t, done.Metrics)
	assert.NotEmpty(t, done.Result.Trades)
	assert.Equal(t, 100.0, done.Progress.Percent)
	assert.Len(t, done.MonteCarlo.Scenarios, 20)
	assert.Equal(t, uint64(7), done.MonteCarlo.Seed)
	assert.True(t, done.Metrics.Validation.MonteCarloChecked)

	store.mu.Lock()
	assert.Equal(t, 1, store.runs)
	assert.Equal(t, []engine.Status{engine.StatusCompleted}, store.runStatus)
	assert.Equal(t, 20, store.scenarios)
	assert.Len(t, store.metrics, 1)
	assert.Equal(t, engine.StatusCompleted, store.progress[len(store.progress)-1])
	store.mu.Unlock()

	events := pub.snapshot()
	require.NotEmpty(t, events)
	assert.Equal(t, "running", events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, job.ID, last.RunID)
	assert.Equal(t, len(done.Result.Trades), last.Trades)
}

func TestFailedMetricsLeaveNoRunRow(t *testing.T) {
	store := &memStore{metricsErr: errors.New("disk full")}
	r := NewRunner(Options{
		Source:   memSource{"BTCUSDT": sawtooth("BTCUSDT", 100, day1, 10)},
		Store:    store,
		Defaults: testDefaults(),
	})
	job, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(24 * time.Hour)})
	require.NoError(t, err)

	done := waitTerminal(t, r, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.Error, "disk full")

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Zero(t, store.runs)
	assert.Zero(t, store.scenarios)
	assert.Equal(t, engine.StatusFailed, store.progress[len(store.progress)-1])
}

func TestSubmitRejectsInvalidMonteCarloConfig(t *testing.T) {
	store := &memStore{}
	defaults := testDefaults()
	defaults.MonteCarlo.DailyResetProb = 2
	r := NewRunner(Options{
		Source:   memSource{"BTCUSDT": sawtooth("BTCUSDT", 100, day1, 5)},
		Store:    store,
		Defaults: defaults,
	})

	_, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(24 * time.Hour)})
	require.ErrorIs(t, err, montecarlo.ErrInvalidConfig)
	assert.Empty(t, r.List())

	job, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(24 * time.Hour), Scenarios: -1})
	require.NoError(t, err, "skipping the simulation skips its config")
	done := waitTerminal(t, r, job.ID)
	require.Equal(t, StatusCompleted, done.Status, done.Error)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []engine.Status{engine.StatusCompleted}, store.runStatus)
}

func TestRunWithoutMonteCarlo(t *testing.T) {
	r := NewRunner(Options{
		Source:   memSource{"BTCUSDT": sawtooth("BTCUSDT", 100, day1, 5)},
		Defaults: testDefaults(),
	})
	job, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(24 * time.Hour), Scenarios: -1})
	require.NoError(t, err)

	done := waitTerminal(t, r, job.ID)
	require.Equal(t, StatusCompleted, done.Status, done.Error)
	assert.Nil(t, done.MonteCarlo)
	require.NotNil(t, done.Metrics)
	assert.False(t, done.Metrics.Validation.MonteCarloChecked)
}

func TestRunWithoutTradesFails(t *testing.T) {
	pub := &memPublisher{}
	r := NewRunner(Options{Source: memSource{}, Publisher: pub, Defaults: testDefaults()})
	job, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(48 * time.Hour)})
	require.NoError(t, err)

	done := waitTerminal(t, r, job.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, engine.ErrNoTrades.Error(), done.Error)
	assert.Nil(t, done.Metrics)

	events := pub.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.Status)
	assert.Equal(t, engine.ErrNoTrades.Error(), last.Error)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	r := NewRunner(Options{Source: memSource{}, Defaults: testDefaults()})

	_, err := r.Submit(Request{Start: day1, End: day1.Add(time.Hour)})
	assert.ErrorIs(t, err, engine.ErrNoSymbols)

	_, err = r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1})
	assert.ErrorIs(t, err, engine.ErrInvalidRange)

	_, err = r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour), InitialCapital: -5})
	assert.ErrorIs(t, err, engine.ErrInvalidCapital)

	bad := testDefaults().Strategy
	bad.EmaFast = 10
	bad.EmaSlow = 5
	_, err = r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour), Strategy: &bad})
	assert.Error(t, err)

	assert.Empty(t, r.List())
}

func TestCancelRunningJob(t *testing.T) {
	src := blockingSource{started: make(chan struct{})}
	r := NewRunner(Options{Source: src, Defaults: testDefaults()})
	job, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour)})
	require.NoError(t, err)

	<-src.started
	require.NoError(t, r.Cancel(job.ID))

	done := waitTerminal(t, r, job.ID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.ErrorIs(t, r.Cancel(job.ID), ErrJobFinished)
}

func TestUnknownJob(t *testing.T) {
	r := NewRunner(Options{Source: memSource{}, Defaults: testDefaults()})
	_, err := r.Get("missing")
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.ErrorIs(t, r.Cancel("missing"), ErrJobNotFound)
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	r := NewRunner(Options{Source: memSource{}, Defaults: testDefaults()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	_, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	src := blockingSource{started: make(chan struct{})}
	r := NewRunner(Options{Source: src, Defaults: testDefaults(), MaxConcurrentRuns: 1})

	first, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour)})
	require.NoError(t, err)
	<-src.started

	second, err := r.Submit(Request{Symbols: []string{"BTCUSDT"}, Start: day1, End: day1.Add(time.Hour)})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	queued, err := r.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)

	require.NoError(t, r.Cancel(second.ID))
	assert.Equal(t, StatusCancelled, waitTerminal(t, r, second.ID).Status)
	require.NoError(t, r.Cancel(first.ID))
	assert.Equal(t, StatusCancelled, waitTerminal(t, r, first.ID).Status)
	assert.Len(t, r.List(), 2)
}
