package loader

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"backtest/services/market"
)

type GapPolicy string

const (
	// GapSkip leaves gaps in place
	GapSkip GapPolicy = "skip"
	// GapStitch fills each missing step with a flat bar at the previous close
	GapStitch GapPolicy = "stitch"
	// GapFlag leaves gaps in place and logs each one
	GapFlag GapPolicy = "flag"
)

type Config struct {
	Dir       string        `mapstructure:"dir"`
	GapPolicy GapPolicy     `mapstructure:"gap_policy" validate:"oneof=skip stitch flag"`
	Step      time.Duration `mapstructure:"step" validate:"gt=0"`
}

// Gap is a run of Missing absent steps following the bar at After
type Gap struct {
	After   time.Time `json:"after"`
	Missing int       `json:"missing"`
}

// Loader serves bars from <Dir>/<symbol>.csv
type Loader struct {
	cfg    Config
	logger *zap.Logger
}

func NewLoader(cfg Config, logger *zap.Logger) *Loader {
	if cfg.Step <= 0 {
		cfg.Step = time.Minute
	}
	if cfg.GapPolicy == "" {
		cfg.GapPolicy = GapSkip
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{cfg: cfg, logger: logger}
}

func (l *Loader) Path(symbol string) string {
	return filepath.Join(l.cfg.Dir, symbol+".csv")
}

// LoadBars implements the engine's bar source. A missing file yields no bars.
func (l *Loader) LoadBars(ctx context.Context, symbol string, from, to time.Time) ([]market.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.Path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("no bar file for symbol", zap.String("symbol", symbol), zap.String("path", l.Path(symbol)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bars for %s: %w", symbol, err)
	}
	defer f.Close()

	all, rep, err := ReadCSV(f, symbol)
	if errors.Is(err, ErrNoBars) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bars for %s: %w", symbol, err)
	}
	if rep.Malformed+rep.Invalid+rep.Duplicates > 0 {
		l.logger.Warn("bar rows dropped",
			zap.String("symbol", symbol),
			zap.Int("malformed", rep.Malformed),
			zap.Int("invalid", rep.Invalid),
			zap.Int("duplicates", rep.Duplicates))
	}

	var bars []market.Bar
	for _, b := range all {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			bars = append(bars, b)
		}
	}
	return l.applyGapPolicy(symbol, bars), nil
}

func (l *Loader) applyGapPolicy(symbol string, bars []market.Bar) []market.Bar {
	gaps := DetectGaps(bars, l.cfg.Step)
	if len(gaps) == 0 {
		return bars
	}
	switch l.cfg.GapPolicy {
	case GapFlag:
		for _, g := range gaps {
			l.logger.Warn("bar gap", zap.String("symbol", symbol), zap.Time("after", g.After), zap.Int("missing", g.Missing))
		}
	case GapStitch:
		l.logger.Info("stitching bar gaps", zap.String("symbol", symbol), zap.Int("gaps", len(gaps)))
		return Stitch(bars, l.cfg.Step)
	}
	return bars
}

// DetectGaps reports every place where consecutive bars are more than one step apart
func DetectGaps(bars []market.Bar, step time.Duration) []Gap {
	var gaps []Gap
	for i := 1; i < len(bars); i++ {
		d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if d > step {
			gaps = append(gaps, Gap{After: bars[i-1].Timestamp, Missing: int(d/step) - 1})
		}
	}
	return gaps
}

// Stitch fills gaps with flat zero-volume bars at the previous close
func Stitch(bars []market.Bar, step time.Duration) []market.Bar {
	if len(bars) == 0 {
		return bars
	}
	out := make([]market.Bar, 0, len(bars))
	out = append(out, bars[0])
	for _, b := range bars[1:] {
		prev := out[len(out)-1]
		for ts := prev.Timestamp.Add(step); ts.Before(b.Timestamp); ts = ts.Add(step) {
			out = append(out, market.Bar{
				Symbol: prev.Symbol, Timestamp: ts,
				Open: prev.Close, High: prev.Close, Low: prev.Close, Close: prev.Close,
			})
		}
		out = append(out, b)
	}
	return out
}

// Checksum is the hex SHA-256 of everything r yields
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
