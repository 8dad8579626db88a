// Package loader reads minute bars from CSV exports, tolerating UTF-8 and
// UTF-16 byte order marks, quoted fields and headers, and reports gaps in
// the bar cadence.
package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"backtest/services/market"
)

var ErrNoBars = errors.New("no valid bars in input")

// Report counts what ReadCSV dropped
type Report struct {
	Rows       int `json:"rows"`
	Malformed  int `json:"malformed"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// Decode strips a UTF-8 BOM or transcodes UTF-16 (either byte order) to UTF-8
func Decode(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
}

// ReadCSV parses timestamp,open,high,low,close,volume rows. Timestamps are
// epoch milliseconds or UTC "2006-01-02 15:04:05" / RFC 3339 strings. Rows
// that do not parse, or whose high/low do not bound open and close, are
// skipped and counted. The result is sorted by time with duplicate
// timestamps collapsed to the last row seen.
func ReadCSV(r io.Reader, symbol string) ([]market.Bar, Report, error) {
	cr := csv.NewReader(Decode(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var rep Report
	var bars []market.Bar
	for line := 0; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rep.Malformed++
			continue
		}
		if line == 0 && isHeader(rec) {
			continue
		}
		rep.Rows++
		bar, err := parseRow(rec, symbol)
		if err != nil {
			rep.Malformed++
			continue
		}
		if !consistent(bar) {
			rep.Invalid++
			continue
		}
		bars = append(bars, bar)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:0]
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			rep.Duplicates++
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, rep, ErrNoBars
	}
	return out, rep, nil
}

func isHeader(rec []string) bool {
	first := strings.ToLower(strings.TrimSpace(rec[0]))
	return first == "timestamp" || first == "timestamp_ms" || first == "open_time_ms" || first == "time"
}

func parseRow(rec []string, symbol string) (market.Bar, error) {
	if len(rec) < 6 {
		return market.Bar{}, fmt.Errorf("expected 6 fields, got %d", len(rec))
	}
	ts, err := parseTime(rec[0])
	if err != nil {
		return market.Bar{}, err
	}
	var px [5]float64
	for i := range px {
		d, err := decimal.NewFromString(strings.TrimSpace(rec[i+1]))
		if err != nil {
			return market.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		px[i] = d.InexactFloat64()
	}
	return market.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      px[0],
		High:      px[1],
		Low:       px[2],
		Close:     px[3],
		Volume:    px[4],
	}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func consistent(b market.Bar) bool {
	return b.Low > 0 &&
		b.High >= b.Low &&
		b.High >= b.Open && b.High >= b.Close &&
		b.Low <= b.Open && b.Low <= b.Close &&
		b.Volume >= 0
}
