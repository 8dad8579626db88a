// Command resample aggregates a bar CSV into a coarser cadence, optionally
// writing an Arrow IPC copy alongside
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"go.uber.org/zap"

	"backtest/services/arrowpipeline"
	"backtest/services/loader"
)

// parseCadence accepts Go durations plus the bare-minute forms "15" and "15min"
func parseCadence(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "in")
	if !strings.HasSuffix(s, "m") && !strings.HasSuffix(s, "h") && !strings.HasSuffix(s, "s") {
		s += "m"
	}
	return time.ParseDuration(s)
}

func main() {
	in := flag.String("in", "", "input CSV (timestamp,open,high,low,close,volume)")
	out := flag.String("out", "", "output CSV path")
	arrowOut := flag.String("arrow", "", "optional Arrow IPC output path")
	symbol := flag.String("symbol", "BTCUSDT", "symbol stamped on the bars")
	src := flag.String("src", "1m", "source cadence")
	dst := flag.String("dst", "5m", "target cadence")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if *in == "" || *out == "" {
		logger.Fatal("-in and -out are required")
	}
	srcStep, err := parseCadence(*src)
	if err != nil {
		logger.Fatal("bad -src", zap.Error(err))
	}
	dstStep, err := parseCadence(*dst)
	if err != nil {
		logger.Fatal("bad -dst", zap.Error(err))
	}
	if dstStep%srcStep != 0 {
		logger.Fatal("dst must be a multiple of src", zap.Duration("src", srcStep), zap.Duration("dst", dstStep))
	}

	f, err := os.Open(*in)
	if err != nil {
		logger.Fatal("open input", zap.Error(err))
	}
	bars, rep, err := loader.ReadCSV(f, strings.ToUpper(*symbol))
	f.Close()
	if err != nil {
		logger.Fatal("read input", zap.Error(err))
	}
	if gaps := loader.DetectGaps(bars, srcStep); len(gaps) > 0 {
		logger.Warn("input has gaps", zap.Int("gaps", len(gaps)), zap.Time("first_after", gaps[0].After))
	}

	resampled, err := loader.Resample(bars, dstStep)
	if err != nil {
		logger.Fatal("resample", zap.Error(err))
	}

	of, err := os.Create(*out)
	if err != nil {
		logger.Fatal("create output", zap.Error(err))
	}
	if err := loader.WriteCSV(of, resampled); err != nil {
		logger.Fatal("write output", zap.Error(err))
	}
	if err := of.Close(); err != nil {
		logger.Fatal("close output", zap.Error(err))
	}

	if *arrowOut != "" {
		af, err := os.Create(*arrowOut)
		if err != nil {
			logger.Fatal("create arrow output", zap.Error(err))
		}
		p := arrowpipeline.NewPipeline(arrowpipeline.Config{}, memory.NewGoAllocator(), logger)
		if err := p.WriteBars(context.Background(), af, resampled); err != nil {
			logger.Fatal("write arrow output", zap.Error(err))
		}
		if err := af.Close(); err != nil {
			logger.Fatal("close arrow output", zap.Error(err))
		}
	}

	logger.Info("resampled",
		zap.Int("rows", rep.Rows),
		zap.Int("dropped", rep.Malformed+rep.Invalid+rep.Duplicates),
		zap.Int("input_bars", len(bars)),
		zap.Int("output_bars", len(resampled)),
		zap.Duration("cadence", dstStep))
}
