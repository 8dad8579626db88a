package montecarlo

import (
	"math"
	"math/rand/v2"
	"sort"
)

type RegimeType string

const (
	RegimeNormal      RegimeType = "normal"
	RegimeIntraStress RegimeType = "intra_cluster_stress"
	RegimeInterStress RegimeType = "inter_cluster_stress"
	RegimeBlackSwan   RegimeType = "black_swan"
)

type corrRange struct{ lo, hi float64 }

type regimeSpec struct {
	regime RegimeType
	share  float64
	intra  corrRange
	inter  corrRange
}

// regimes in allocation order; the last one takes the remainder
var regimes = []regimeSpec{
	{RegimeNormal, 0.50, corrRange{0.30, 0.60}, corrRange{0.10, 0.20}},
	{RegimeIntraStress, 0.20, corrRange{0.65, 0.85}, corrRange{0.10, 0.20}},
	{RegimeInterStress, 0.20, corrRange{0.30, 0.60}, corrRange{0.30, 0.45}},
	{RegimeBlackSwan, 0, corrRange{0.75, 0.85}, corrRange{0.40, 0.50}},
}

// ScenarioConfig is the correlation regime of one scenario
type ScenarioConfig struct {
	Index     int        `json:"index"`
	Regime    RegimeType `json:"regime"`
	IntraCorr float64    `json:"intra_corr"`
	InterCorr float64    `json:"inter_corr"`
}

// RegimeCounts returns how many of n scenarios each regime receives. The
// last regime's share is whatever the others leave; rounding uses largest
// remainders so every count is within one of its exact share. The extra
// units go to the largest fractional parts, so black swan is not a strict
// remainder either: n=3 gives 1/1/1/0.
func RegimeCounts(n int) map[RegimeType]int {
	base := make([]int, len(regimes))
	frac := make([]float64, len(regimes))
	rest, used := 1.0, 0
	for i, r := range regimes {
		share := r.share
		if i == len(regimes)-1 {
			share = rest
		}
		rest -= share
		exact := share * float64(n)
		base[i] = int(math.Floor(exact))
		frac[i] = exact - float64(base[i])
		used += base[i]
	}

	order := make([]int, len(regimes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return frac[order[a]] > frac[order[b]] })
	for k := 0; k < n-used; k++ {
		base[order[k%len(order)]]++
	}

	counts := make(map[RegimeType]int, len(regimes))
	for i, r := range regimes {
		counts[r.regime] = base[i]
	}
	return counts
}

// generateScenarios draws correlations for every scenario and shuffles the
// order so the index carries no information about the regime.
func generateScenarios(n int, rng *rand.Rand) []ScenarioConfig {
	counts := RegimeCounts(n)
	out := make([]ScenarioConfig, 0, n)
	for _, r := range regimes {
		for k := 0; k < counts[r.regime]; k++ {
			out = append(out, ScenarioConfig{
				Regime:    r.regime,
				IntraCorr: uniform(rng, r.intra),
				InterCorr: uniform(rng, r.inter),
			})
		}
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	for i := range out {
		out[i].Index = i
	}
	return out
}

func uniform(rng *rand.Rand, r corrRange) float64 {
	return r.lo + rng.Float64()*(r.hi-r.lo)
}
