// Package breaker implements the circuit breaker state machine that gates new
// entries: per-asset stop counts, per-cluster and global daily PnL, and the
// campaign drawdown halt.
package breaker

import (
	"time"

	"backtest/services/market"
)

// Reason explains why an entry was denied
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonAssetPaused   Reason = "asset_paused"
	ReasonClusterPaused Reason = "cluster_paused"
	ReasonGlobalPaused  Reason = "global_paused"
	ReasonHalted        Reason = "campaign_halted"
)

// State is owned by exactly one backtest run. Daily fields are replaced by
// ResetDaily; Peak, CampaignDD, MaxDrawdown and Halted survive day boundaries.
type State struct {
	Day            time.Time
	DayStartEquity float64

	AssetStops     map[string]int
	ClusterPnL     map[string]float64
	GlobalPnL      float64
	PausedAssets   map[string]bool
	PausedClusters map[string]bool
	GlobalPaused   bool

	PeakEquity float64
	// CampaignDD is equity/peak-1 at its lowest since the last new peak (<= 0)
	CampaignDD  float64
	MaxDrawdown float64
	Halted      bool

	Activations map[market.BreakerKind]int
}

// New returns a fresh state for a run starting with equity on day
func New(equity float64, day time.Time) State {
	return State{
		Day:            market.DayOf(day),
		DayStartEquity: equity,
		AssetStops:     map[string]int{},
		ClusterPnL:     map[string]float64{},
		PausedAssets:   map[string]bool{},
		PausedClusters: map[string]bool{},
		PeakEquity:     equity,
		Activations:    map[market.BreakerKind]int{},
	}
}

// ResetDaily returns the state for a new calendar day. The input is not modified.
func ResetDaily(s State, day time.Time, equity float64) State {
	activations := make(map[market.BreakerKind]int, len(s.Activations))
	for k, v := range s.Activations {
		activations[k] = v
	}
	return State{
		Day:            market.DayOf(day),
		DayStartEquity: equity,
		AssetStops:     map[string]int{},
		ClusterPnL:     map[string]float64{},
		PausedAssets:   map[string]bool{},
		PausedClusters: map[string]bool{},
		PeakEquity:     s.PeakEquity,
		CampaignDD:     s.CampaignDD,
		MaxDrawdown:    s.MaxDrawdown,
		Halted:         s.Halted,
		Activations:    activations,
	}
}

// CanEnter reports whether a new position may be opened on symbol
func (s *State) CanEnter(symbol, cluster string) (bool, Reason) {
	switch {
	case s.Halted:
		return false, ReasonHalted
	case s.GlobalPaused:
		return false, ReasonGlobalPaused
	case s.PausedClusters[cluster]:
		return false, ReasonClusterPaused
	case s.PausedAssets[symbol]:
		return false, ReasonAssetPaused
	}
	return true, ReasonNone
}

// RecordTrade accumulates a realized ledger entry and returns the broadest
// breaker it newly tripped. Zero limits disable the matching breaker.
func (s *State) RecordTrade(limits market.RiskParams, t market.TradeResult) market.BreakerKind {
	tripped := market.BreakerNone

	if t.ExitReason == market.ExitStopLoss {
		s.AssetStops[t.Symbol]++
		if limits.MaxStopsPerAssetDay > 0 && !s.PausedAssets[t.Symbol] &&
			s.AssetStops[t.Symbol] >= limits.MaxStopsPerAssetDay {
			s.PausedAssets[t.Symbol] = true
			s.Activations[market.BreakerAsset]++
			tripped = market.BreakerAsset
		}
	}

	s.ClusterPnL[t.Cluster] += t.NetPnL
	if limits.ClusterStopDailyPct > 0 && !s.PausedClusters[t.Cluster] &&
		s.ClusterPnL[t.Cluster] <= -limits.ClusterStopDailyPct*s.DayStartEquity {
		s.PausedClusters[t.Cluster] = true
		s.Activations[market.BreakerCluster]++
		tripped = market.BreakerCluster
	}

	s.GlobalPnL += t.NetPnL
	if limits.GlobalStopDailyPct > 0 && !s.GlobalPaused &&
		s.GlobalPnL <= -limits.GlobalStopDailyPct*s.DayStartEquity {
		s.GlobalPaused = true
		s.Activations[market.BreakerGlobal]++
		tripped = market.BreakerGlobal
	}

	return tripped
}

// UpdateEquity tracks the campaign peak and drawdown. It returns true the
// first time the drawdown reaches the campaign stop; the state is then halted.
func (s *State) UpdateEquity(limits market.RiskParams, equity float64) bool {
	if equity > s.PeakEquity {
		s.PeakEquity = equity
		s.CampaignDD = 0
		return false
	}
	if s.PeakEquity <= 0 {
		return false
	}
	dd := equity/s.PeakEquity - 1
	if dd < s.CampaignDD {
		s.CampaignDD = dd
	}
	if -dd > s.MaxDrawdown {
		s.MaxDrawdown = -dd
	}
	if limits.CampaignDdStop > 0 && !s.Halted && -s.CampaignDD >= limits.CampaignDdStop {
		s.Halted = true
		s.Activations[market.BreakerCampaign]++
		return true
	}
	return false
}
