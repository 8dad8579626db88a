package engine

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtest/services/market"
)

func TestExportCSVFixedDecimals(t *testing.T) {
	entry := time.Date(2024, 3, 4, 5, 6, 0, 0, time.UTC)
	trades := []market.TradeResult{{
		Symbol: "BTCUSDT", Cluster: "majors", Side: market.SideLong,
		EntryTime: entry, ExitTime: entry.Add(time.Hour),
		EntryPrice: 100, ExitPrice: 101.23456789123,
		Quantity: 0.5, Notional: 50, NetPnL: 0.615, Fees: 0.05,
		ReturnOnEquity: 0.00005, ExitReason: market.ExitTakeProfit1, Partial: true,
	}}
	var sb strings.Builder
	require.NoError(t, ExportCSV(&sb, trades))

	rows, err := csv.NewReader(strings.NewReader(sb.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ledgerHeader, rows[0])
	row := rows[1]
	assert.Equal(t, "2024-03-04 05:06:00", row[3])
	assert.Equal(t, "101.23456789", row[6])
	assert.Equal(t, "50.00", row[8])
	assert.Equal(t, "0.62", row[13])
	assert.Equal(t, "0.0050", row[14])
	assert.Equal(t, "take_profit_1", row[15])
	assert.Equal(t, "true", row[16])
}
