// Package usagelog records per-request usage, errors, and debug traces.
// Streaming requests first log a pending record with zero tokens; stream
// finalization rewrites it with reconstructed counts and cost.
package usagelog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// Record is one usage log entry.
type Record struct {
	RequestID     string        `json:"request_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Alias         string        `json:"alias"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	ClientDialect string        `json:"client_dialect"`
	TargetDialect string        `json:"target_dialect"`
	ClientIP      string        `json:"client_ip,omitempty"`
	APIKey        string        `json:"api_key,omitempty"`
	Stream        bool          `json:"stream"`
	Pending       bool          `json:"pending"`
	Usage         unified.Usage `json:"usage"`
	Cost          float64       `json:"cost"`
	Status        int           `json:"status"`
	ErrorKind     string        `json:"error_kind,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration"`
	// First-token timestamps from the two stream taps; their difference is
	// the transformation overhead.
	ProviderFirstTokenAt time.Time `json:"provider_first_token_at,omitzero"`
	ClientFirstTokenAt   time.Time `json:"client_first_token_at,omitzero"`
	Cancelled            bool      `json:"cancelled,omitempty"`
}

// ErrorRecord is one error log entry, keyed by request id.
type ErrorRecord struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider,omitempty"`
	Kind      string    `json:"kind"`
	Status    int       `json:"status,omitempty"`
	Message   string    `json:"message"`
}

// DebugRecord is one captured stream chunk or request/response body.
type DebugRecord struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"` // "provider" or "client"
	Sequence  int       `json:"sequence"`
	Data      []byte    `json:"data"`
}

// Filter narrows usage queries.
type Filter struct {
	Alias    string
	Provider string
	Since    time.Time
	Pending  *bool
}

// UsageStore persists usage records.
type UsageStore interface {
	Append(Record) error
	UpdateUsage(requestID string, usage unified.Usage, cost float64) error
	Query(Filter) ([]Record, error)
	Delete(requestIDs ...string) error
}

// ErrorStore persists error records.
type ErrorStore interface {
	Append(ErrorRecord) error
	QueryByRequestID(requestID string) ([]ErrorRecord, error)
	Delete(requestIDs ...string) error
}

// DebugStore persists captured stream chunks.
type DebugStore interface {
	Append(DebugRecord) error
	QueryByRequestID(requestID string) ([]DebugRecord, error)
	Delete(requestIDs ...string) error
}

// Logger owns in-flight records and flushes them to the stores. Mutations to
// one record are serialized by the logger's lock; store writes are
// best-effort and logged on failure.
type Logger struct {
	mu      sync.Mutex
	pending map[string]*Record
	usage   UsageStore
	errors  ErrorStore
	bus     *Bus
	logger  *slog.Logger
	now     func() time.Time
}

func NewLogger(usage UsageStore, errors ErrorStore, bus *Bus, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		pending: make(map[string]*Record),
		usage:   usage,
		errors:  errors,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// LogRequest writes the record. Pending records stay tracked in memory so
// first-token marks and the reconstruction update can find them.
func (l *Logger) LogRequest(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	l.mu.Lock()
	if rec.Pending {
		copied := rec
		l.pending[rec.RequestID] = &copied
	}
	l.mu.Unlock()
	if err := l.usage.Append(rec); err != nil {
		l.logger.Error("appending usage record", "request_id", rec.RequestID, "error", err)
	}
	l.emit("usage", rec)
}

// MarkFirstToken stamps the first-token time for the given origin
// ("provider" or "client") on the in-memory record.
func (l *Logger) MarkFirstToken(requestID, origin string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.pending[requestID]
	if !ok {
		return
	}
	switch origin {
	case "provider":
		if rec.ProviderFirstTokenAt.IsZero() {
			rec.ProviderFirstTokenAt = at
		}
	case "client":
		if rec.ClientFirstTokenAt.IsZero() {
			rec.ClientFirstTokenAt = at
		}
	}
}

// UpdateUsageFromReconstructed rewrites the pending record with accurate
// counts and cost, clears pending, and flushes the update.
func (l *Logger) UpdateUsageFromReconstructed(requestID string, usage unified.Usage, cost float64) {
	l.mu.Lock()
	rec, ok := l.pending[requestID]
	if ok {
		rec.Usage = usage
		rec.Cost = cost
		rec.Pending = false
		delete(l.pending, requestID)
	}
	l.mu.Unlock()
	if err := l.usage.UpdateUsage(requestID, usage, cost); err != nil {
		l.logger.Error("updating usage record", "request_id", requestID, "error", err)
	}
	if ok {
		l.emit("usage_updated", *rec)
	}
}

// MarkCancelled flags the in-memory record; the flag lands in the store with
// the reconstruction update.
func (l *Logger) MarkCancelled(requestID string) {
	l.mu.Lock()
	if rec, ok := l.pending[requestID]; ok {
		rec.Cancelled = true
	}
	l.mu.Unlock()
}

// LogError writes an error record alongside whatever usage was captured.
func (l *Logger) LogError(rec ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if l.errors != nil {
		if err := l.errors.Append(rec); err != nil {
			l.logger.Error("appending error record", "request_id", rec.RequestID, "error", err)
		}
	}
	l.emit("error", rec)
}

func (l *Logger) emit(kind string, payload any) {
	if l.bus != nil {
		l.bus.Emit(kind, payload)
	}
}
