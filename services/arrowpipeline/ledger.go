package arrowpipeline

import (
	"context"
	"io"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"go.uber.org/zap"

	"backtest/services/market"
)

// LedgerSchema is the column layout of a trade ledger stream
var LedgerSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "cluster", Type: arrow.BinaryTypes.String},
	{Name: "side", Type: arrow.BinaryTypes.String},
	{Name: "entry_time", Type: timestampType},
	{Name: "exit_time", Type: timestampType},
	{Name: "entry_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "quantity", Type: arrow.PrimitiveTypes.Float64},
	{Name: "notional", Type: arrow.PrimitiveTypes.Float64},
	{Name: "gross_pnl", Type: arrow.PrimitiveTypes.Float64},
	{Name: "fees", Type: arrow.PrimitiveTypes.Float64},
	{Name: "slippage", Type: arrow.PrimitiveTypes.Float64},
	{Name: "funding", Type: arrow.PrimitiveTypes.Float64},
	{Name: "net_pnl", Type: arrow.PrimitiveTypes.Float64},
	{Name: "exit_reason", Type: arrow.BinaryTypes.String},
	{Name: "partial", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "breaker", Type: arrow.BinaryTypes.String},
	{Name: "entry_atr", Type: arrow.PrimitiveTypes.Float64},
	{Name: "signal_strength", Type: arrow.PrimitiveTypes.Float64},
	{Name: "equity_before", Type: arrow.PrimitiveTypes.Float64},
	{Name: "return_on_equity", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// WriteLedger streams a trade ledger to w. Times keep millisecond precision.
func (p *Pipeline) WriteLedger(ctx context.Context, w io.Writer, trades []market.TradeResult) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(LedgerSchema), ipc.WithAllocator(p.memoryPool))
	b := array.NewRecordBuilder(p.memoryPool, LedgerSchema)
	defer b.Release()

	str := func(i int, v string) { b.Field(i).(*array.StringBuilder).Append(v) }
	f64 := func(i int, v float64) { b.Field(i).(*array.Float64Builder).Append(v) }
	ts := func(i int, v int64) { b.Field(i).(*array.TimestampBuilder).Append(arrow.Timestamp(v)) }

	for start := 0; start < len(trades); start += p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return err
		}
		end := min(start+p.config.BatchSize, len(trades))
		for _, tr := range trades[start:end] {
			str(0, tr.Symbol)
			str(1, tr.Cluster)
			str(2, string(tr.Side))
			ts(3, tr.EntryTime.UnixMilli())
			ts(4, tr.ExitTime.UnixMilli())
			f64(5, tr.EntryPrice)
			f64(6, tr.ExitPrice)
			f64(7, tr.Quantity)
			f64(8, tr.Notional)
			f64(9, tr.GrossPnL)
			f64(10, tr.Fees)
			f64(11, tr.Slippage)
			f64(12, tr.Funding)
			f64(13, tr.NetPnL)
			str(14, string(tr.ExitReason))
			b.Field(15).(*array.BooleanBuilder).Append(tr.Partial)
			str(16, string(tr.Breaker))
			f64(17, tr.EntryATR)
			f64(18, tr.SignalStrength)
			f64(19, tr.EquityBefore)
			f64(20, tr.ReturnOnEquity)
		}
		if err := p.writeRecord(writer, b); err != nil {
			writer.Close()
			return err
		}
	}
	p.logger.Debug("arrow ledger written", zap.Int("rows", len(trades)))
	return writer.Close()
}

// ReadLedger decodes a stream written by WriteLedger
func (p *Pipeline) ReadLedger(r io.Reader) ([]market.TradeResult, error) {
	var trades []market.TradeResult
	err := p.read(r, LedgerSchema, func(rec arrow.Record) {
		str := func(c, i int) string { return rec.Column(c).(*array.String).Value(i) }
		f64 := func(c, i int) float64 { return rec.Column(c).(*array.Float64).Value(i) }
		ts := func(c, i int) arrow.Timestamp { return rec.Column(c).(*array.Timestamp).Value(i) }
		partial := rec.Column(15).(*array.Boolean)
		for i := 0; i < int(rec.NumRows()); i++ {
			trades = append(trades, market.TradeResult{
				Symbol:         str(0, i),
				Cluster:        str(1, i),
				Side:           market.Side(str(2, i)),
				EntryTime:      fromMillis(ts(3, i)),
				ExitTime:       fromMillis(ts(4, i)),
				EntryPrice:     f64(5, i),
				ExitPrice:      f64(6, i),
				Quantity:       f64(7, i),
				Notional:       f64(8, i),
				GrossPnL:       f64(9, i),
				Fees:           f64(10, i),
				Slippage:       f64(11, i),
				Funding:        f64(12, i),
				NetPnL:         f64(13, i),
				ExitReason:     market.ExitReason(str(14, i)),
				Partial:        partial.Value(i),
				Breaker:        market.BreakerKind(str(16, i)),
				EntryATR:       f64(17, i),
				SignalStrength: f64(18, i),
				EquityBefore:   f64(19, i),
				ReturnOnEquity: f64(20, i),
			})
		}
	})
	return trades, err
}
