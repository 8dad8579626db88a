// Command generate_bars writes deterministic synthetic bar CSVs, one file
// per symbol, in the layout the loader reads
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backtest/services/loader"
)

func main() {
	dir := flag.String("dir", "./data", "output directory")
	symbols := flag.String("symbols", "BTCUSDT", "comma separated symbols")
	from := flag.String("from", "2024-01-01", "first bar date (UTC)")
	bars := flag.Int("bars", 10_000, "bars per symbol")
	step := flag.Duration("step", time.Minute, "bar cadence")
	price := flag.Float64("price", 50_000, "starting price")
	seed := flag.Uint64("seed", 42, "random seed; each symbol offsets it by its index")
	flag.Parse()

	start, err := time.ParseInLocation("2006-01-02", *from, time.UTC)
	if err != nil {
		log.Fatalf("bad -from: %v", err)
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("create %s: %v", *dir, err)
	}

	for i, sym := range strings.Split(*symbols, ",") {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		series := loader.Synthetic(loader.SyntheticConfig{
			Symbol:     sym,
			Start:      start,
			Step:       *step,
			Bars:       *bars,
			StartPrice: *price,
			Seed:       *seed + uint64(i),
		})
		path := filepath.Join(*dir, sym+".csv")
		f, err := os.Create(path)
		if err != nil {
			log.Fatalf("create %s: %v", path, err)
		}
		if err := loader.WriteCSV(f, series); err != nil {
			log.Fatalf("write %s: %v", path, err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("close %s: %v", path, err)
		}
		fmt.Printf("Generated %d bars for %s -> %s\n", len(series), sym, path)
	}
}
