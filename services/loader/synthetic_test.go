package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDeterministicAndConsistent(t *testing.T) {
	cfg := SyntheticConfig{
		Symbol: "BTCUSDT",
		Start:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Step:   5 * time.Minute,
		Bars:   1500,
		Seed:   42,
	}
	a := Synthetic(cfg)
	b := Synthetic(cfg)
	require.Len(t, a, 1500)
	assert.Equal(t, a, b)

	for i, bar := range a {
		require.True(t, consistent(bar), "bar %d: %+v", i, bar)
	}
	assert.Empty(t, DetectGaps(a, cfg.Step))
	assert.Equal(t, cfg.Start.Add(1499*5*time.Minute), a[1499].Timestamp)

	cfg.Seed = 43
	assert.NotEqual(t, a[10].Close, Synthetic(cfg)[10].Close)
}
