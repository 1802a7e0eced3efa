package selector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/metrics"
)

func TestSelectEmpty(t *testing.T) {
	_, err := Select(nil, StrategyRandom, nil, nil, rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestInOrderSkipsAttempted(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "a"},
		{Index: 1, Provider: "b"},
		{Index: 2, Provider: "c"},
	}

	got, err := Select(cands, StrategyInOrder, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Index)

	got, err = Select(cands, StrategyInOrder, map[int]bool{0: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Index)

	got, err = Select(cands, StrategyInOrder, map[int]bool{0: true, 1: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Index)

	// Every index attempted wraps to the first candidate.
	got, err = Select(cands, StrategyInOrder, map[int]bool{0: true, 1: true, 2: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Index)
}

func TestInOrderRespectsCandidateOrder(t *testing.T) {
	// Filtering can remove targets; in_order follows the surviving order.
	cands := []Candidate{
		{Index: 1, Provider: "b"},
		{Index: 3, Provider: "d"},
	}
	got, err := Select(cands, StrategyInOrder, map[int]bool{1: true}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Index)
}

func TestRandomWeightedDistribution(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "heavy", Weight: 3},
		{Index: 1, Provider: "light", Weight: 1},
	}
	rng := rand.New(rand.NewSource(42))

	const draws = 10000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		got, err := Select(cands, StrategyRandom, nil, nil, rng)
		require.NoError(t, err)
		counts[got.Provider]++
	}

	heavy := float64(counts["heavy"]) / draws
	assert.InDelta(t, 0.75, heavy, 0.05)
}

func TestRandomDefaultsUnsetWeightToOne(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "a"},
		{Index: 1, Provider: "b"},
	}
	rng := rand.New(rand.NewSource(7))
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		got, _ := Select(cands, StrategyRandom, nil, nil, rng)
		counts[got.Provider]++
	}
	assert.InDelta(t, 0.5, float64(counts["a"])/10000, 0.05)
}

func TestCostStrategy(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "pricey", Cost: 30},
		{Index: 1, Provider: "cheap", Cost: 2},
		{Index: 2, Provider: "mid", Cost: 10},
	}
	got, err := Select(cands, StrategyCost, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "cheap", got.Provider)
}

func TestLatencyStrategyPrefersObserved(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "unseen"},
		{Index: 1, Provider: "slow"},
		{Index: 2, Provider: "fast"},
	}
	stats := metrics.Snapshot{
		"slow": {Provider: "slow", AvgTTFT: 900 * time.Millisecond, HasTTFT: true},
		"fast": {Provider: "fast", AvgTTFT: 100 * time.Millisecond, HasTTFT: true},
	}
	got, err := Select(cands, StrategyLatency, nil, stats, nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", got.Provider)
}

func TestLatencyStrategyUnobservedFallsBack(t *testing.T) {
	// With no observations at all, configuration order decides.
	cands := []Candidate{
		{Index: 0, Provider: "a"},
		{Index: 1, Provider: "b"},
	}
	got, err := Select(cands, StrategyLatency, nil, metrics.Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Provider)
}

func TestPerformanceStrategyPicksHighestThroughput(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "a"},
		{Index: 1, Provider: "b"},
	}
	stats := metrics.Snapshot{
		"a": {Provider: "a", AvgTPS: 20, HasTPS: true},
		"b": {Provider: "b", AvgTPS: 85, HasTPS: true},
	}
	got, err := Select(cands, StrategyPerformance, nil, stats, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Provider)
}

func TestUsageStrategyPicksLeastUsed(t *testing.T) {
	cands := []Candidate{
		{Index: 0, Provider: "busy"},
		{Index: 1, Provider: "idle"},
	}
	stats := metrics.Snapshot{
		"busy": {Provider: "busy", Requests: 40},
		"idle": {Provider: "idle", Requests: 3},
	}
	got, err := Select(cands, StrategyUsage, nil, stats, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Provider)

	// A provider absent from the snapshot counts as zero requests.
	stats = metrics.Snapshot{"busy": {Provider: "busy", Requests: 40}}
	got, err = Select(cands, StrategyUsage, nil, stats, nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", got.Provider)
}

func TestUnknownStrategyFallsBackToRandom(t *testing.T) {
	cands := []Candidate{{Index: 0, Provider: "only"}}
	got, err := Select(cands, "mystery", nil, nil, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, "only", got.Provider)
}
