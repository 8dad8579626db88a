package loader

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"backtest/services/market"
)

// Resample aggregates time-ordered bars into step-wide buckets aligned to
// the Unix epoch. A bucket keeps the first open, the last close, the
// extreme high and low and the summed volume.
func Resample(bars []market.Bar, step time.Duration) ([]market.Bar, error) {
	if step <= 0 {
		return nil, fmt.Errorf("resample step must be positive, got %s", step)
	}
	var out []market.Bar
	for _, b := range bars {
		bucket := b.Timestamp.Truncate(step)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(bucket) {
			cur := &out[n-1]
			cur.High = max(cur.High, b.High)
			cur.Low = min(cur.Low, b.Low)
			cur.Close = b.Close
			cur.Volume += b.Volume
			continue
		}
		b.Timestamp = bucket
		out = append(out, b)
	}
	return out, nil
}

var csvHeader = []string{"timestamp", "open", "high", "low", "close", "volume"}

// WriteCSV writes bars in the layout ReadCSV accepts: epoch milliseconds
// followed by shortest exact decimal prices
func WriteCSV(w io.Writer, bars []market.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
			decimal.NewFromFloat(b.Open).String(),
			decimal.NewFromFloat(b.High).String(),
			decimal.NewFromFloat(b.Low).String(),
			decimal.NewFromFloat(b.Close).String(),
			decimal.NewFromFloat(b.Volume).String(),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
