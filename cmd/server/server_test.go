package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/jobs"
	"backtest/services/market"
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

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

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

func newTestService(t *testing.T) (*BacktestService, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mc := montecarlo.DefaultConfig()
	mc.Seed = 11
	runner := jobs.NewRunner(jobs.Options{
		Source: memSource{"BTCUSDT": sawtooth("BTCUSDT", 100, day1, 10)},
		Defaults: jobs.Defaults{
			Strategy: market.StrategyParams{
				EmaFast: 2, EmaSlow: 4, AtrPeriod: 2,
				BreakoutLongAtr: 0.1, BreakoutShortAtr: 100,
				Tp1Atr: 50, Tp2Atr: 100, SlAtr: 1, TrailingAtr: 1,
			},
			Risk:           market.RiskParams{RiskPerTradeBps: 50},
			Costs:          market.CostParams{SlippageRoundtripPct: 0.0005},
			InitialCapital: 10_000,
			MonteCarlo:     mc,
			Scenarios:      10,
		},
		Logger: zap.NewNop(),
	})
	svc := &BacktestService{
		runner:   runner,
		pipeline: arrowpipeline.NewPipeline(arrowpipeline.Config{BatchSize: 128}, memory.NewGoAllocator(), nil),
		logger:   zap.NewNop(),
		version:  "test",
	}
	r := gin.New()
	svc.setupHTTPRoutes(r)
	return svc, r
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, r http.Handler) string {
	t.Helper()
	body, err := json.Marshal(gin.H{
		"symbols": []string{"BTCUSDT"},
		"start":   day1,
		"end":     day1.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	w := do(r, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func waitCompleted(t *testing.T, svc *BacktestService, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := svc.runner.Get(id)
		return err == nil && job.Status.Terminal()
	}, 10*time.Second, 5*time.Millisecond)
	job, _ := svc.runner.Get(id)
	require.Equal(t, jobs.StatusCompleted, job.Status, job.Error)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	svc, r := newTestService(t)
	id := submit(t, r)
	waitCompleted(t, svc, id)

	w := do(r, http.MethodGet, "/api/v1/runs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary RunSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, jobs.StatusCompleted, summary.Status)
	assert.Positive(t, summary.Trades)
	require.NotNil(t, summary.Manifest)
	assert.NotEmpty(t, summary.Manifest.ConfigHash)

	w = do(r, http.MethodGet, "/api/v1/runs/"+id+"/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, id, m["run_id"])

	w = do(r, http.MethodGet, "/api/v1/runs/"+id+"/montecarlo?detail=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, 10.0, m["scenarios"])
	assert.Len(t, m["results"], 10)

	w = do(r, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = do(r, http.MethodDelete, "/api/v1/runs/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "RUN_FINISHED")
}

func TestTradeExports(t *testing.T) {
	svc, r := newTestService(t)
	id := submit(t, r)
	waitCompleted(t, svc, id)
	job, err := svc.runner.Get(id)
	require.NoError(t, err)
	n := len(job.Result.Trades)

	w := do(r, http.MethodGet, "/api/v1/runs/"+id+"/trades?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	rows, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, n+1)

	w = do(r, http.MethodGet, "/api/v1/runs/"+id+"/trades?format=arrow", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, arrowStreamType, w.Header().Get("Content-Type"))
	trades, err := svc.pipeline.ReadLedger(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	assert.Len(t, trades, n)

	w = do(r, http.MethodGet, "/api/v1/runs/"+id+"/trades?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_PARAMS")
}

func TestErrorTaxonomy(t *testing.T) {
	_, r := newTestService(t)

	w := do(r, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body struct {
		Error APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RUN_NOT_FOUND", body.Error.Code)

	w = do(r, http.MethodPost, "/api/v1/runs", []byte(`{"symbols":[]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	bad, err := json.Marshal(gin.H{"symbols": []string{"BTCUSDT"}, "start": day1, "end": day1})
	require.NoError(t, err)
	w = do(r, http.MethodPost, "/api/v1/runs", bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "end must be after start")
}

func TestHealthCheck(t *testing.T) {
	svc, r := newTestService(t)
	w := do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	svc.db = downDB{}
	w = do(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "UNAVAILABLE")
}
