package arrowpipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"backtest/services/market"
)

// FileSource serves bars from <Dir>/<symbol>.arrow bar streams
type FileSource struct {
	Dir      string
	Pipeline *Pipeline
}

func (s FileSource) path(symbol string) string {
	return filepath.Join(s.Dir, symbol+".arrow")
}

// LoadBars returns the bars of symbol in [from, to); a missing file yields no bars
func (s FileSource) LoadBars(ctx context.Context, symbol string, from, to time.Time) ([]market.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open bars for %s: %w", symbol, err)
	}
	defer f.Close()

	all, err := s.Pipeline.ReadBars(f)
	if err != nil {
		return nil, fmt.Errorf("decode bars for %s: %w", symbol, err)
	}
	out := all[:0]
	for _, b := range all {
		if !b.Timestamp.Before(from) && b.Timestamp.Before(to) {
			b.Symbol = symbol
			out = append(out, b)
		}
	}
	return out, nil
}

// SaveBars writes bars as the stream LoadBars reads for symbol
func (s FileSource) SaveBars(ctx context.Context, symbol string, bars []market.Bar) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(s.path(symbol))
	if err != nil {
		return fmt.Errorf("create bars file for %s: %w", symbol, err)
	}
	if err := s.Pipeline.WriteBars(ctx, f, bars); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
