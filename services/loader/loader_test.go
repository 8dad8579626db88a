package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"

	"backtest/services/market"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

const sample = `timestamp,open,high,low,close,volume
1704153600000,100,101,99,100.5,10
"1704153660000","100.5","102","100","101.5","12"
1704153720000,101.5,103,101,102,8
`

func TestReadCSVPlain(t *testing.T) {
	bars, rep, err := ReadCSV(strings.NewReader(sample), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, 3, rep.Rows)
	assert.Equal(t, t0, bars[0].Timestamp)
	assert.Equal(t, "BTCUSDT", bars[1].Symbol)
	assert.Equal(t, 101.5, bars[1].Close)
	assert.Equal(t, 8.0, bars[2].Volume)
}

func TestReadCSVUTF16WithBOM(t *testing.T) {
	for _, order := range []unicode.Endianness{unicode.LittleEndian, unicode.BigEndian} {
		enc, err := unicode.UTF16(order, unicode.UseBOM).NewEncoder().String(sample)
		require.NoError(t, err)
		bars, _, err := ReadCSV(strings.NewReader(enc), "ETHUSDT")
		require.NoError(t, err)
		require.Len(t, bars, 3)
		assert.Equal(t, 102.0, bars[2].Close)
	}
}

func TestReadCSVUTF8BOMAndDateStrings(t *testing.T) {
	in := "\ufefftimestamp,open,high,low,close,volume\n" +
		"2024-01-02 00:01:00,1,2,0.5,1.5,3\n" +
		"2024-01-02T00:00:00Z,1,1,1,1,0\n"
	bars, _, err := ReadCSV(strings.NewReader(in), "X")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0, bars[0].Timestamp)
	assert.Equal(t, t0.Add(time.Minute), bars[1].Timestamp)
}

func TestReadCSVDropsBadRows(t *testing.T) {
	in := "1704153600000,100,101,99,100.5,10\n" +
		"1704153660000,abc,101,99,100,1\n" +
		"1704153720000,100,99,101,100,1\n" +
		"1704153780000,100\n" +
		"1704153600000,100,105,99,104,11\n"
	bars, rep, err := ReadCSV(strings.NewReader(in), "X")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 104.0, bars[0].Close)
	assert.Equal(t, 2, rep.Malformed)
	assert.Equal(t, 1, rep.Invalid)
	assert.Equal(t, 1, rep.Duplicates)

	_, _, err = ReadCSV(strings.NewReader("timestamp,open\n"), "X")
	assert.ErrorIs(t, err, ErrNoBars)
}

func minuteBars(offsets ...int) []market.Bar {
	out := make([]market.Bar, len(offsets))
	for i, m := range offsets {
		px := float64(100 + i)
		out[i] = market.Bar{Symbol: "X", Timestamp: t0.Add(time.Duration(m) * time.Minute), Open: px, High: px, Low: px, Close: px}
	}
	return out
}

func TestDetectGaps(t *testing.T) {
	gaps := DetectGaps(minuteBars(0, 1, 4, 5, 7), time.Minute)
	assert.Equal(t, []Gap{
		{After: t0.Add(time.Minute), Missing: 2},
		{After: t0.Add(5 * time.Minute), Missing: 1},
	}, gaps)
	assert.Empty(t, DetectGaps(minuteBars(0, 1, 2), time.Minute))
}

func TestStitchFillsFlatBars(t *testing.T) {
	out := Stitch(minuteBars(0, 3), time.Minute)
	require.Len(t, out, 4)
	for i, b := range out {
		assert.Equal(t, t0.Add(time.Duration(i)*time.Minute), b.Timestamp)
	}
	assert.Equal(t, 100.0, out[1].Close)
	assert.Zero(t, out[2].Volume)
	assert.Empty(t, DetectGaps(out, time.Minute))
}

func TestLoaderLoadBars(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BTCUSDT.csv"), []byte(sample), 0o644))

	l := NewLoader(Config{Dir: dir, GapPolicy: GapStitch}, nil)
	bars, err := l.LoadBars(context.Background(), "BTCUSDT", t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0.Add(time.Minute), bars[0].Timestamp)

	none, err := l.LoadBars(context.Background(), "SOLUSDT", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestChecksumStable(t *testing.T) {
	a, err := Checksum(strings.NewReader(sample))
	require.NoError(t, err)
	b, err := Checksum(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
