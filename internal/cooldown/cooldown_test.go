package cooldown

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(opts Options) (*Manager, *time.Time) {
	m := NewManager(opts)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestSetAndExpiry(t *testing.T) {
	m, now := testManager(Options{})
	key := Key{Provider: "openai", Model: "gpt-test"}

	entry := m.Set(Params{Provider: "openai", Model: "gpt-test", Reason: ReasonRateLimit})
	assert.Equal(t, now.Add(60*time.Second), entry.EndTime)
	assert.True(t, m.IsOnCooldown(key))

	// Expiry needs no explicit clear.
	*now = now.Add(61 * time.Second)
	assert.False(t, m.IsOnCooldown(key))
	_, ok := m.Get(key)
	assert.False(t, ok)
}

func TestDurationPrecedence(t *testing.T) {
	override := func(provider string, reason Reason) (time.Duration, bool) {
		if provider == "special" {
			return 2 * time.Minute, true
		}
		return 0, false
	}
	m, _ := testManager(Options{Override: override})

	// Explicit duration wins over everything.
	e := m.Set(Params{Provider: "special", Reason: ReasonRateLimit,
		Duration: 10 * time.Second, RetryAfter: 99 * time.Second})
	assert.Equal(t, 10*time.Second, e.EndTime.Sub(e.StartTime))

	// Provider override beats retry-after.
	e = m.Set(Params{Provider: "special", Reason: ReasonRateLimit, RetryAfter: 99 * time.Second})
	assert.Equal(t, 2*time.Minute, e.EndTime.Sub(e.StartTime))

	// Retry-after beats the default.
	e = m.Set(Params{Provider: "plain", Reason: ReasonRateLimit, RetryAfter: 7 * time.Second})
	assert.Equal(t, 7*time.Second, e.EndTime.Sub(e.StartTime))

	// Default for the reason when nothing else applies.
	e = m.Set(Params{Provider: "plain", Reason: ReasonAuthError})
	assert.Equal(t, 5*time.Minute, e.EndTime.Sub(e.StartTime))
}

func TestDurationClamping(t *testing.T) {
	m, _ := testManager(Options{MinDuration: 5 * time.Second, MaxDuration: 30 * time.Minute})

	e := m.Set(Params{Provider: "p", Reason: ReasonRateLimit, Duration: time.Second})
	assert.Equal(t, 5*time.Second, e.EndTime.Sub(e.StartTime))

	e = m.Set(Params{Provider: "p", Reason: ReasonRateLimit, Duration: 2 * time.Hour})
	assert.Equal(t, 30*time.Minute, e.EndTime.Sub(e.StartTime))
}

func TestConfiguredDefaults(t *testing.T) {
	m, _ := testManager(Options{Defaults: map[string]time.Duration{
		"rate_limit": 90 * time.Second,
	}})
	e := m.Set(Params{Provider: "p", Reason: ReasonRateLimit})
	assert.Equal(t, 90*time.Second, e.EndTime.Sub(e.StartTime))
	// Untouched reasons keep their builtin defaults.
	e = m.Set(Params{Provider: "p", Reason: ReasonTimeout})
	assert.Equal(t, 30*time.Second, e.EndTime.Sub(e.StartTime))
}

func TestMatchesScopes(t *testing.T) {
	m, _ := testManager(Options{})

	m.Set(Params{Provider: "anthropic", Model: "claude-a", Reason: ReasonRateLimit})
	assert.True(t, m.Matches("anthropic", "claude-a", ""))
	assert.False(t, m.Matches("anthropic", "claude-b", ""))

	// A provider-wide entry covers every model.
	m.Set(Params{Provider: "openai", Reason: ReasonServerError})
	assert.True(t, m.Matches("openai", "gpt-a", ""))
	assert.True(t, m.Matches("openai", "gpt-b", "acct"))

	// An account-scoped entry covers that account across models.
	m.Set(Params{Provider: "google", AccountID: "acct-1", Reason: ReasonAuthError})
	assert.True(t, m.Matches("google", "gemini-a", "acct-1"))
	assert.False(t, m.Matches("google", "gemini-a", "acct-2"))
}

func TestRemainingSeconds(t *testing.T) {
	m, now := testManager(Options{})
	key := Key{Provider: "p"}
	m.Set(Params{Provider: "p", Reason: ReasonRateLimit, Duration: 10 * time.Second})

	assert.Equal(t, 10, m.RemainingSeconds(key))

	// Partial seconds round up.
	*now = now.Add(8*time.Second + 500*time.Millisecond)
	assert.Equal(t, 2, m.RemainingSeconds(key))

	*now = now.Add(2 * time.Second)
	assert.Equal(t, 0, m.RemainingSeconds(key))
}

func TestClearAndActiveEntries(t *testing.T) {
	m, now := testManager(Options{})
	m.Set(Params{Provider: "a", Reason: ReasonRateLimit, Duration: 10 * time.Second})
	m.Set(Params{Provider: "b", Reason: ReasonRateLimit, Duration: time.Minute})

	require.Len(t, m.ActiveEntries(), 2)

	m.Clear(Key{Provider: "a"})
	entries := m.ActiveEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Provider)

	*now = now.Add(2 * time.Minute)
	assert.Empty(t, m.ActiveEntries())
}

func TestStatusReason(t *testing.T) {
	cases := []struct {
		status int
		reason Reason
		ok     bool
	}{
		{429, ReasonRateLimit, true},
		{401, ReasonAuthError, true},
		{403, ReasonAuthError, true},
		{408, ReasonTimeout, true},
		{500, ReasonServerError, true},
		{503, ReasonServerError, true},
		{404, "", false},
		{400, "", false},
		{200, "", false},
	}
	for _, c := range cases {
		reason, ok := StatusReason(c.status)
		assert.Equal(t, c.ok, ok, "status %d", c.status)
		assert.Equal(t, c.reason, reason, "status %d", c.status)
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(errors.New("dial tcp: ECONNREFUSED")))
	assert.True(t, IsConnectionError(errors.New("fetch failed")))
	assert.True(t, IsConnectionError(errors.New("Connection reset by peer")))
	assert.False(t, IsConnectionError(errors.New("invalid JSON body")))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cooldowns.json")
	store := NewFileStore(path)

	// Missing file is an empty state, not an error.
	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := []Entry{{
		Provider:   "openai",
		Model:      "gpt-test",
		Reason:     ReasonRateLimit,
		StartTime:  now,
		EndTime:    now.Add(time.Minute),
		HTTPStatus: 429,
		RetryAfter: 7 * time.Second,
	}}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNewManagerDropsExpiredPersistedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	store := NewFileStore(path)
	now := time.Now()
	require.NoError(t, store.Save([]Entry{
		{Provider: "live", Reason: ReasonRateLimit, StartTime: now, EndTime: now.Add(time.Hour)},
		{Provider: "stale", Reason: ReasonRateLimit, StartTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)},
	}))

	m := NewManager(Options{Store: store})
	assert.True(t, m.IsOnCooldown(Key{Provider: "live"}))
	assert.False(t, m.IsOnCooldown(Key{Provider: "stale"}))
}
