package engine

// Run manifest: enough to reproduce a run from the same data

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"math"
	"sort"
	"time"

	"backtest/services/market"
)

// EngineVersion is stamped into every manifest
const EngineVersion = "breakout-1"

type ConfigSnapshot struct {
	Strategy       market.StrategyParams `json:"strategy"`
	Risk           market.RiskParams     `json:"risk"`
	Costs          market.CostParams     `json:"costs"`
	InitialCapital float64               `json:"initial_capital"`
	Clusters       map[string]string     `json:"clusters,omitempty"`
	Symbols        []string              `json:"symbols"`
	Start          time.Time             `json:"start"`
	End            time.Time             `json:"end"`
}

// Hash is the SHA-256 of the snapshot's JSON encoding. encoding/json sorts
// map keys, so equal snapshots hash equally.
func (c ConfigSnapshot) Hash() string {
	b, _ := json.Marshal(c)
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

type RunManifest struct {
	RunID          string         `json:"run_id,omitempty"`
	ConfigSnapshot ConfigSnapshot `json:"config_snapshot"`
	ConfigHash     string         `json:"config_hash"`
	DataChecksum   string         `json:"data_checksum"`
	BarCount       int            `json:"bar_count"`
	EngineVersion  string         `json:"engine_version"`
	CreatedAt      time.Time      `json:"created_at"`
}

func newManifest(cfg Config, symbols []string, start, end time.Time) RunManifest {
	snap := ConfigSnapshot{
		Strategy:       cfg.Strategy,
		Risk:           cfg.Risk,
		Costs:          cfg.Costs,
		InitialCapital: cfg.InitialCapital,
		Clusters:       cfg.Clusters,
		Symbols:        append([]string(nil), symbols...),
		Start:          start.UTC(),
		End:            end.UTC(),
	}
	return RunManifest{
		ConfigSnapshot: snap,
		ConfigHash:     snap.Hash(),
		EngineVersion:  EngineVersion,
		CreatedAt:      time.Now().UTC(),
	}
}

// dataChecksum hashes every preloaded bar in symbol order
func dataChecksum(bars map[string][]market.Bar) (string, int) {
	symbols := make([]string, 0, len(bars))
	for s := range bars {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	h := sha256.New()
	n := 0
	for _, s := range symbols {
		h.Write([]byte(s))
		for _, b := range bars[s] {
			writeBar(h, b)
			n++
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n
}

func writeBar(h hash.Hash, b market.Bar) {
	var buf [48]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(b.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(b.Open))
	binary.LittleEndian.PutUint64(buf[16:], math.Float64bits(b.High))
	binary.LittleEndian.PutUint64(buf[24:], math.Float64bits(b.Low))
	binary.LittleEndian.PutUint64(buf[32:], math.Float64bits(b.Close))
	binary.LittleEndian.PutUint64(buf[40:], math.Float64bits(b.Volume))
	h.Write(buf[:])
}
