package engine

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"backtest/services/market"
)

var ledgerHeader = []string{
	"symbol", "cluster", "side", "entry_time_utc", "exit_time_utc",
	"entry_price", "exit_price", "qty", "size_usd", "gross_pnl_usd",
	"fees_usd", "slippage_usd", "funding_usd", "pnl_usd", "return_pct",
	"exit_reason", "partial", "breaker", "atr_at_entry", "signal_strength",
}

// ExportCSV writes the ledger with fixed decimals: prices to 8 places,
// money to 2 and returns to 4 (as a percentage)
func ExportCSV(w io.Writer, trades []market.TradeResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ledgerHeader); err != nil {
		return err
	}
	for _, tr := range trades {
		record := []string{
			tr.Symbol,
			tr.Cluster,
			string(tr.Side),
			tr.EntryTime.UTC().Format(time.DateTime),
			tr.ExitTime.UTC().Format(time.DateTime),
			fixed(tr.EntryPrice, 8),
			fixed(tr.ExitPrice, 8),
			fixed(tr.Quantity, 8),
			fixed(tr.Notional, 2),
			fixed(tr.GrossPnL, 2),
			fixed(tr.Fees, 2),
			fixed(tr.Slippage, 2),
			fixed(tr.Funding, 2),
			fixed(tr.NetPnL, 2),
			fixed(tr.ReturnOnEquity*100, 4),
			string(tr.ExitReason),
			fmt.Sprintf("%t", tr.Partial),
			string(tr.Breaker),
			fixed(tr.EntryATR, 8),
			fixed(tr.SignalStrength, 4),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
