package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCollector(window time.Duration) (*Collector, *time.Time) {
	c := NewCollector(window)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestSnapshotAggregates(t *testing.T) {
	c, _ := testCollector(time.Minute)

	c.RecordStart("openai")
	c.RecordStart("openai")
	c.RecordFirstToken("openai", "provider", 200*time.Millisecond)
	c.RecordFirstToken("openai", "provider", 400*time.Millisecond)
	c.RecordSuccess("openai", 2*time.Second, 100, 50, 0.003)
	c.RecordFailure("openai", 500)

	snap := c.Snapshot()
	st, ok := snap["openai"]
	require.True(t, ok)
	assert.Equal(t, 2, st.Requests)
	assert.Equal(t, 1, st.Successes)
	assert.Equal(t, 1, st.Failures)
	assert.True(t, st.HasTTFT)
	assert.Equal(t, 300*time.Millisecond, st.AvgTTFT)
	assert.Equal(t, 2*time.Second, st.AvgDuration)
	assert.True(t, st.HasTPS)
	assert.InDelta(t, 25.0, st.AvgTPS, 0.01)
	assert.Equal(t, int64(100), st.InputTokens)
	assert.Equal(t, int64(50), st.OutputTokens)
	assert.InDelta(t, 0.003, st.Cost, 1e-9)
}

func TestWindowEviction(t *testing.T) {
	c, now := testCollector(time.Minute)

	c.RecordStart("p")
	c.RecordSuccess("p", time.Second, 10, 10, 0.001)

	*now = now.Add(30 * time.Second)
	c.RecordStart("p")

	st := c.Snapshot()["p"]
	assert.Equal(t, 2, st.Requests)
	assert.Equal(t, 1, st.Successes)

	// The first samples age out; the second request survives.
	*now = now.Add(45 * time.Second)
	st = c.Snapshot()["p"]
	assert.Equal(t, 1, st.Requests)
	assert.Equal(t, 0, st.Successes)
	assert.Equal(t, int64(0), st.InputTokens)
	assert.False(t, st.HasTPS)
}

func TestClientOriginTTFTStaysOutOfWindow(t *testing.T) {
	c, _ := testCollector(time.Minute)

	c.RecordFirstToken("p", "client", 100*time.Millisecond)
	st := c.Snapshot()["p"]
	assert.False(t, st.HasTTFT)

	c.RecordFirstToken("p", "provider", 100*time.Millisecond)
	st = c.Snapshot()["p"]
	assert.True(t, st.HasTTFT)
	assert.Equal(t, 100*time.Millisecond, st.AvgTTFT)
}

func TestZeroDurationSkipsTPS(t *testing.T) {
	c, _ := testCollector(time.Minute)
	c.RecordSuccess("p", 0, 10, 10, 0)
	c.RecordSuccess("p", time.Second, 10, 0, 0)
	st := c.Snapshot()["p"]
	assert.False(t, st.HasTPS)
	assert.Equal(t, 2, st.Successes)
}

func TestDefaultWindowApplied(t *testing.T) {
	c := NewCollector(0)
	assert.Equal(t, DefaultWindow, c.window)
}

func TestHandlerServesRegistry(t *testing.T) {
	c, _ := testCollector(time.Minute)
	c.RecordStart("p")
	assert.NotNil(t, c.Handler())
}
