// Package cooldown tracks time-bounded exclusions of upstream providers
// after failures, classifies failures into cooldown reasons, and persists
// state across restarts.
package cooldown

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Reason classifies why a provider entered cooldown.
type Reason string

const (
	ReasonRateLimit       Reason = "rate_limit"
	ReasonAuthError       Reason = "auth_error"
	ReasonTimeout         Reason = "timeout"
	ReasonServerError     Reason = "server_error"
	ReasonConnectionError Reason = "connection_error"
)

// builtinDefaults apply when the configuration carries no duration for a
// reason.
var builtinDefaults = map[Reason]time.Duration{
	ReasonRateLimit:       60 * time.Second,
	ReasonAuthError:       5 * time.Minute,
	ReasonTimeout:         30 * time.Second,
	ReasonServerError:     60 * time.Second,
	ReasonConnectionError: 30 * time.Second,
}

// Key identifies one cooldown scope. Model and AccountID may be empty; an
// entry with an empty Model covers every model of the provider.
type Key struct {
	Provider  string
	Model     string
	AccountID string
}

// Entry is one active or persisted cooldown.
type Entry struct {
	Provider   string        `json:"provider"`
	Model      string        `json:"model,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
	Reason     Reason        `json:"reason"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Message    string        `json:"message,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e Entry) key() Key {
	return Key{Provider: e.Provider, Model: e.Model, AccountID: e.AccountID}
}

// Store persists cooldown state. Implementations must tolerate a missing
// state file on first load.
type Store interface {
	Load() ([]Entry, error)
	Save([]Entry) error
}

// Params carries everything Set needs to build an entry. Duration precedence
// is: explicit Duration, then the provider override for the reason, then
// RetryAfter, then the configured/global default, always clamped to
// [min, max].
type Params struct {
	Provider   string
	Model      string
	AccountID  string
	Reason     Reason
	Duration   time.Duration
	HTTPStatus int
	Message    string
	RetryAfter time.Duration
}

// OverrideFunc resolves a provider-specific duration override for a reason.
type OverrideFunc func(provider string, reason Reason) (time.Duration, bool)

// Manager holds cooldown state in memory and flushes it to the store after
// every mutation. Flushes are fire-and-forget; the in-memory map is always
// authoritative.
type Manager struct {
	mu       sync.Mutex
	entries  map[Key]Entry
	store    Store
	logger   *slog.Logger
	min, max time.Duration
	defaults map[Reason]time.Duration
	override OverrideFunc
	now      func() time.Time
}

// Options configures a Manager.
type Options struct {
	Store       Store
	Logger      *slog.Logger
	MinDuration time.Duration
	MaxDuration time.Duration
	Defaults    map[string]time.Duration
	Override    OverrideFunc
}

// NewManager loads persisted state once and returns an operational manager.
// A load failure logs and starts empty rather than refusing to serve.
func NewManager(opts Options) *Manager {
	m := &Manager{
		entries:  make(map[Key]Entry),
		store:    opts.Store,
		logger:   opts.Logger,
		min:      opts.MinDuration,
		max:      opts.MaxDuration,
		defaults: make(map[Reason]time.Duration),
		override: opts.Override,
		now:      time.Now,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for reason, d := range builtinDefaults {
		m.defaults[reason] = d
	}
	for name, d := range opts.Defaults {
		m.defaults[Reason(name)] = d
	}
	if m.store != nil {
		entries, err := m.store.Load()
		if err != nil {
			m.logger.Error("loading cooldown state", "error", err)
		}
		now := m.now()
		for _, e := range entries {
			if e.EndTime.After(now) {
				m.entries[e.key()] = e
			}
		}
	}
	return m
}

// Set writes (or overwrites) the entry for the params' key and returns it.
func (m *Manager) Set(p Params) Entry {
	duration := m.resolveDuration(p)
	now := m.now()
	entry := Entry{
		Provider:   p.Provider,
		Model:      p.Model,
		AccountID:  p.AccountID,
		Reason:     p.Reason,
		StartTime:  now,
		EndTime:    now.Add(duration),
		HTTPStatus: p.HTTPStatus,
		Message:    p.Message,
		RetryAfter: p.RetryAfter,
	}
	m.mu.Lock()
	m.entries[entry.key()] = entry
	m.mu.Unlock()
	m.logger.Warn("provider cooldown set",
		"provider", p.Provider, "model", p.Model,
		"reason", string(p.Reason), "duration", duration)
	m.persist()
	return entry
}

func (m *Manager) resolveDuration(p Params) time.Duration {
	d := p.Duration
	if d == 0 && m.override != nil {
		if od, ok := m.override(p.Provider, p.Reason); ok {
			d = od
		}
	}
	if d == 0 && p.RetryAfter > 0 {
		d = p.RetryAfter
	}
	if d == 0 {
		d = m.defaults[p.Reason]
	}
	if m.min > 0 && d < m.min {
		d = m.min
	}
	if m.max > 0 && d > m.max {
		d = m.max
	}
	return d
}

// Get returns the active entry for the exact key. Expired entries are
// removed lazily.
func (m *Manager) Get(key Key) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !m.now().Before(e.EndTime) {
		delete(m.entries, key)
		return Entry{}, false
	}
	return e, true
}

// IsOnCooldown is the boolean form of Get.
func (m *Manager) IsOnCooldown(key Key) bool {
	_, ok := m.Get(key)
	return ok
}

// Matches reports whether any active entry covers the (provider, model,
// account) tuple: an exact entry, a provider-wide entry, or a matching
// account-scoped entry.
func (m *Manager) Matches(provider, model, accountID string) bool {
	keys := []Key{
		{Provider: provider, Model: model, AccountID: accountID},
		{Provider: provider, Model: model},
		{Provider: provider},
	}
	if accountID != "" {
		keys = append(keys, Key{Provider: provider, AccountID: accountID})
	}
	for _, k := range keys {
		if m.IsOnCooldown(k) {
			return true
		}
	}
	return false
}

// Clear removes the entry immediately.
func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	m.persist()
}

// ClearAll removes every entry.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.entries = make(map[Key]Entry)
	m.mu.Unlock()
	m.persist()
}

// ActiveEntries returns all unexpired entries, evicting expired ones.
func (m *Manager) ActiveEntries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Entry
	for k, e := range m.entries {
		if now.Before(e.EndTime) {
			out = append(out, e)
		} else {
			delete(m.entries, k)
		}
	}
	return out
}

// RemainingSeconds returns the whole seconds until the entry expires,
// rounded up; zero when no entry is active.
func (m *Manager) RemainingSeconds(key Key) int {
	e, ok := m.Get(key)
	if !ok {
		return 0
	}
	remaining := e.EndTime.Sub(m.now())
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// persist snapshots the state and writes it in the background. Losing a
// write is tolerable; hiding it is not.
func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.mu.Lock()
	snapshot := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		snapshot = append(snapshot, e)
	}
	m.mu.Unlock()
	go func() {
		if err := m.store.Save(snapshot); err != nil {
			m.logger.Error("persisting cooldown state", "error", err)
		}
	}()
}

// StatusReason maps an upstream HTTP status to a cooldown reason. The second
// return is false when the status does not warrant a cooldown.
func StatusReason(status int) (Reason, bool) {
	switch {
	case status == 429:
		return ReasonRateLimit, true
	case status == 401 || status == 403:
		return ReasonAuthError, true
	case status == 408:
		return ReasonTimeout, true
	case status >= 500:
		return ReasonServerError, true
	}
	return "", false
}

// connectionErrorMarkers are matched case-insensitively against error text.
var connectionErrorMarkers = []string{
	"fetch failed",
	"econnrefused",
	"enotfound",
	"etimedout",
	"econnreset",
	"network",
	"connection",
}

// IsConnectionError reports whether the error text marks a network-layer
// failure that should cool the provider down.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
