// Package market holds the value types shared by the indicator, strategy,
// breaker, engine and metrics packages.
package market

import "time"

// Bar represents one OHLCV minute bar for a symbol
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Day returns the UTC calendar day the bar belongs to
func (b Bar) Day() time.Time {
	return DayOf(b.Timestamp)
}

// DayOf truncates t to midnight UTC
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Side of a position
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// ExitReason explains why a ledger entry was produced
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitTakeProfit1  ExitReason = "take_profit_1"
	ExitTakeProfit2  ExitReason = "take_profit_2"
	ExitEndOfPeriod  ExitReason = "end_of_period"
	ExitCampaignStop ExitReason = "campaign_stop"
)

// BreakerKind names the circuit breaker a trade tripped
type BreakerKind string

const (
	BreakerNone     BreakerKind = ""
	BreakerAsset    BreakerKind = "asset"
	BreakerCluster  BreakerKind = "cluster"
	BreakerGlobal   BreakerKind = "global"
	BreakerCampaign BreakerKind = "campaign"
)

// TradeResult is one immutable ledger entry: a full close or a partial exit
type TradeResult struct {
	Symbol         string      `json:"symbol"`
	Cluster        string      `json:"cluster"`
	Side           Side        `json:"side"`
	EntryTime      time.Time   `json:"entry_time"`
	ExitTime       time.Time   `json:"exit_time"`
	EntryPrice     float64     `json:"entry_price"`
	ExitPrice      float64     `json:"exit_price"`
	Quantity       float64     `json:"quantity"`
	Notional       float64     `json:"notional"`
	GrossPnL       float64     `json:"gross_pnl"`
	Fees           float64     `json:"fees"`
	Slippage       float64     `json:"slippage"`
	Funding        float64     `json:"funding"`
	NetPnL         float64     `json:"net_pnl"`
	ExitReason     ExitReason  `json:"exit_reason"`
	Partial        bool        `json:"partial"`
	Breaker        BreakerKind `json:"breaker,omitempty"`
	EntryATR       float64     `json:"entry_atr"`
	SignalStrength float64     `json:"signal_strength"`
	EquityBefore   float64     `json:"equity_before"`
	ReturnOnEquity float64     `json:"return_on_equity"`
}

// HoldingHours is the time between entry and exit in hours
func (t TradeResult) HoldingHours() float64 {
	return t.ExitTime.Sub(t.EntryTime).Hours()
}

// StrategyParams configures the breakout strategy
type StrategyParams struct {
	EmaFast          int     `json:"ema_fast" mapstructure:"ema_fast" validate:"gt=0"`
	EmaSlow          int     `json:"ema_slow" mapstructure:"ema_slow" validate:"gtfield=EmaFast"`
	AtrPeriod        int     `json:"atr_period" mapstructure:"atr_period" validate:"gt=0"`
	BreakoutLongAtr  float64 `json:"breakout_long_atr" mapstructure:"breakout_long_atr" validate:"gte=0"`
	BreakoutShortAtr float64 `json:"breakout_short_atr" mapstructure:"breakout_short_atr" validate:"gte=0"`
	Tp1Atr           float64 `json:"tp1_atr" mapstructure:"tp1_atr" validate:"gt=0"`
	Tp2Atr           float64 `json:"tp2_atr" mapstructure:"tp2_atr" validate:"gtfield=Tp1Atr"`
	SlAtr            float64 `json:"sl_atr" mapstructure:"sl_atr" validate:"gt=0"`
	TrailingAtr      float64 `json:"trailing_atr" mapstructure:"trailing_atr" validate:"gte=0"`
}

// RiskParams configures sizing and the circuit breakers. Percentages are fractions.
type RiskParams struct {
	RiskPerTradeBps     float64 `json:"risk_per_trade_bps" mapstructure:"risk_per_trade_bps" validate:"gt=0"`
	ClusterCapPct       float64 `json:"cluster_cap_pct" mapstructure:"cluster_cap_pct" validate:"gte=0"`
	ClusterStopDailyPct float64 `json:"cluster_stop_daily_pct" mapstructure:"cluster_stop_daily_pct" validate:"gte=0"`
	GlobalStopDailyPct  float64 `json:"global_stop_daily_pct" mapstructure:"global_stop_daily_pct" validate:"gte=0"`
	MaxStopsPerAssetDay int     `json:"max_stops_per_asset_day" mapstructure:"max_stops_per_asset_day" validate:"gte=0"`
	CampaignDdStop      float64 `json:"campaign_dd_stop" mapstructure:"campaign_dd_stop" validate:"gte=0,lte=1"`
}

// CostParams configures execution costs. Percentages are fractions.
type CostParams struct {
	FeeRoundtripPct      float64 `json:"fee_roundtrip_pct" mapstructure:"fee_roundtrip_pct" validate:"gte=0"`
	SlippageRoundtripPct float64 `json:"slippage_roundtrip_pct" mapstructure:"slippage_roundtrip_pct" validate:"gte=0"`
	FundingDailyPct      float64 `json:"funding_daily_pct" mapstructure:"funding_daily_pct" validate:"gte=0"`
	TaxRate              float64 `json:"tax_rate" mapstructure:"tax_rate" validate:"gte=0,lte=1"`
	MinAtrDailyPct       float64 `json:"min_atr_daily_pct" mapstructure:"min_atr_daily_pct" validate:"gte=0"`
}

// DefaultStrategyParams mirror the values the research runs started from
func DefaultStrategyParams() StrategyParams {
	return StrategyParams{
		EmaFast:          20,
		EmaSlow:          50,
		AtrPeriod:        14,
		BreakoutLongAtr:  0.5,
		BreakoutShortAtr: 0.5,
		Tp1Atr:           1.5,
		Tp2Atr:           3.0,
		SlAtr:            1.0,
		TrailingAtr:      1.0,
	}
}

func DefaultRiskParams() RiskParams {
	return RiskParams{
		RiskPerTradeBps:     50,
		ClusterCapPct:       0.5,
		ClusterStopDailyPct: 0.02,
		GlobalStopDailyPct:  0.03,
		MaxStopsPerAssetDay: 2,
		CampaignDdStop:      0.2,
	}
}

func DefaultCostParams() CostParams {
	return CostParams{
		FeeRoundtripPct:      0.001,
		SlippageRoundtripPct: 0.0005,
		FundingDailyPct:      0,
		TaxRate:              0,
		MinAtrDailyPct:       0.0002,
	}
}
