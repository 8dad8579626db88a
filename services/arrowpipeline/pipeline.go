// Package arrowpipeline moves bar series and trade ledgers in and out of the
// Apache Arrow IPC stream format, in record batches of a configured size.
package arrowpipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"backtest/services/market"
)

var ErrSchemaMismatch = errors.New("arrow stream schema does not match")

var timestampType = &arrow.TimestampType{Unit: arrow.Millisecond, TimeZone: "UTC"}

// BarSchema is the column layout of a bar stream
var BarSchema = arrow.NewSchema([]arrow.Field{
	{Name: "symbol", Type: arrow.BinaryTypes.String},
	{Name: "timestamp", Type: timestampType},
	{Name: "open", Type: arrow.PrimitiveTypes.Float64},
	{Name: "high", Type: arrow.PrimitiveTypes.Float64},
	{Name: "low", Type: arrow.PrimitiveTypes.Float64},
	{Name: "close", Type: arrow.PrimitiveTypes.Float64},
	{Name: "volume", Type: arrow.PrimitiveTypes.Float64},
}, nil)

type Config struct {
	// BatchSize is the number of rows per record batch
	BatchSize int `mapstructure:"batch_size" validate:"gt=0"`
}

type Pipeline struct {
	config     Config
	memoryPool memory.Allocator
	logger     *zap.Logger
}

// NewPipeline builds a pipeline; a nil allocator uses the Go allocator
func NewPipeline(config Config, pool memory.Allocator, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 65_536
	}
	if pool == nil {
		pool = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{config: config, memoryPool: pool, logger: logger}
}

// WriteBars streams bars to w as one IPC stream
func (p *Pipeline) WriteBars(ctx context.Context, w io.Writer, bars []market.Bar) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(BarSchema), ipc.WithAllocator(p.memoryPool))
	b := array.NewRecordBuilder(p.memoryPool, BarSchema)
	defer b.Release()

	for start := 0; start < len(bars); start += p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			writer.Close()
			return err
		}
		end := min(start+p.config.BatchSize, len(bars))
		for _, bar := range bars[start:end] {
			b.Field(0).(*array.StringBuilder).Append(bar.Symbol)
			b.Field(1).(*array.TimestampBuilder).Append(arrow.Timestamp(bar.Timestamp.UnixMilli()))
			b.Field(2).(*array.Float64Builder).Append(bar.Open)
			b.Field(3).(*array.Float64Builder).Append(bar.High)
			b.Field(4).(*array.Float64Builder).Append(bar.Low)
			b.Field(5).(*array.Float64Builder).Append(bar.Close)
			b.Field(6).(*array.Float64Builder).Append(bar.Volume)
		}
		if err := p.writeRecord(writer, b); err != nil {
			writer.Close()
			return err
		}
	}
	p.logger.Debug("arrow bars written", zap.Int("rows", len(bars)))
	return writer.Close()
}

// ReadBars decodes every record batch of a bar stream
func (p *Pipeline) ReadBars(r io.Reader) ([]market.Bar, error) {
	var bars []market.Bar
	err := p.read(r, BarSchema, func(rec arrow.Record) {
		sym := rec.Column(0).(*array.String)
		ts := rec.Column(1).(*array.Timestamp)
		open := rec.Column(2).(*array.Float64)
		high := rec.Column(3).(*array.Float64)
		low := rec.Column(4).(*array.Float64)
		closes := rec.Column(5).(*array.Float64)
		vol := rec.Column(6).(*array.Float64)
		for i := 0; i < int(rec.NumRows()); i++ {
			bars = append(bars, market.Bar{
				Symbol:    sym.Value(i),
				Timestamp: fromMillis(ts.Value(i)),
				Open:      open.Value(i),
				High:      high.Value(i),
				Low:       low.Value(i),
				Close:     closes.Value(i),
				Volume:    vol.Value(i),
			})
		}
	})
	return bars, err
}

// EncodeBars is WriteBars into a byte slice
func (p *Pipeline) EncodeBars(bars []market.Bar) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.WriteBars(context.Background(), &buf, bars); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) writeRecord(writer *ipc.Writer, b *array.RecordBuilder) error {
	rec := b.NewRecord()
	defer rec.Release()
	if err := writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write Arrow record: %w", err)
	}
	return nil
}

func (p *Pipeline) read(r io.Reader, schema *arrow.Schema, each func(arrow.Record)) error {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(p.memoryPool))
	if err != nil {
		return fmt.Errorf("open arrow stream: %w", err)
	}
	defer rdr.Release()
	if !rdr.Schema().Equal(schema) {
		return fmt.Errorf("%w: got %s", ErrSchemaMismatch, rdr.Schema())
	}
	for rdr.Next() {
		each(rdr.Record())
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read arrow stream: %w", err)
	}
	return nil
}

func fromMillis(ts arrow.Timestamp) time.Time {
	return time.UnixMilli(int64(ts)).UTC()
}
