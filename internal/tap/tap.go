// Package tap observes streaming bodies without altering them. A provider
// tap wraps the raw upstream body; a client tap wraps the outbound SSE
// writer. Each captures chunks for the debug trace, marks the first token,
// and arms a watchdog; both route stream termination through one Finalizer
// so finalization runs exactly once per request.
package tap

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// Tap origins; the metrics collector keys TTFT observations by these.
const (
	OriginProvider = "provider"
	OriginClient   = "client"
)

// DefaultWatchdogTimeout bounds a stream that never completes.
const DefaultWatchdogTimeout = 300 * time.Second

// Finalizer runs the post-stream step at most once regardless of how many
// termination paths fire (normal end, cancellation, watchdog).
type Finalizer struct {
	once sync.Once
	fn   func(cancelled bool)
}

func NewFinalizer(fn func(cancelled bool)) *Finalizer {
	return &Finalizer{fn: fn}
}

func (f *Finalizer) Finalize(cancelled bool) {
	f.once.Do(func() {
		if f.fn != nil {
			f.fn(cancelled)
		}
	})
}

// Options wires one tap to its collaborators.
type Options struct {
	RequestID string
	Origin    string
	Provider  string
	Start     time.Time
	Metrics   *metrics.Collector
	Usage     *usagelog.Logger
	Debug     usagelog.DebugStore
	Finalizer *Finalizer
	Watchdog  time.Duration
	Logger    *slog.Logger
	// Abort tears down the stream when the watchdog fires, unblocking the
	// relay. A Reader with no Abort closes its inner body.
	Abort func()
}

// state is the capture bookkeeping shared by both tap directions.
type state struct {
	opts       Options
	mu         sync.Mutex
	captured   bytes.Buffer
	seq        int
	firstToken bool
	abort      func()
	watchdog   *time.Timer
	logger     *slog.Logger
}

func newState(opts Options) *state {
	s := &state{opts: opts, abort: opts.Abort, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	timeout := opts.Watchdog
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	s.watchdog = time.AfterFunc(timeout, func() {
		s.logger.Warn("stream watchdog fired",
			"request_id", opts.RequestID, "origin", opts.Origin, "timeout", timeout)
		if opts.Finalizer != nil {
			opts.Finalizer.Finalize(true)
		}
		s.mu.Lock()
		abort := s.abort
		s.mu.Unlock()
		if abort != nil {
			abort()
		}
	})
	return s
}

func (s *state) observe(chunk []byte) {
	s.mu.Lock()
	s.captured.Write(chunk)
	seq := s.seq
	s.seq++
	first := !s.firstToken && hasToken(chunk)
	if first {
		s.firstToken = true
	}
	s.mu.Unlock()

	if first {
		now := time.Now()
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordFirstToken(s.opts.Provider, s.opts.Origin, now.Sub(s.opts.Start))
		}
		if s.opts.Usage != nil {
			s.opts.Usage.MarkFirstToken(s.opts.RequestID, s.opts.Origin, now)
		}
	}
	if s.opts.Debug != nil {
		rec := usagelog.DebugRecord{
			RequestID: s.opts.RequestID,
			Timestamp: time.Now(),
			Origin:    s.opts.Origin,
			Sequence:  seq,
			Data:      append([]byte(nil), chunk...),
		}
		if err := s.opts.Debug.Append(rec); err != nil {
			s.logger.Error("appending debug record",
				"request_id", s.opts.RequestID, "error", err)
		}
	}
}

func (s *state) stop() {
	s.watchdog.Stop()
}

// Captured returns everything seen so far.
func (s *state) Captured() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.captured.Bytes()...)
}

// Chunks returns how many chunks passed through.
func (s *state) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// hasToken reports whether the chunk carries stream payload: a data line
// with a non-empty body that is not a sentinel. Keepalive comments and blank
// framing lines do not count.
func hasToken(chunk []byte) bool {
	for _, line := range bytes.Split(chunk, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		rest = bytes.TrimSpace(rest)
		if len(rest) > 0 && !bytes.Equal(rest, []byte("[DONE]")) {
			return true
		}
	}
	return false
}

// Reader taps the raw upstream body. A watchdog expiry closes the body so a
// relay blocked on Read unwinds instead of leaking.
type Reader struct {
	*state
	inner io.ReadCloser
}

func NewReader(inner io.ReadCloser, opts Options) *Reader {
	r := &Reader{state: newState(opts), inner: inner}
	r.mu.Lock()
	if r.abort == nil {
		r.abort = func() { inner.Close() }
	}
	r.mu.Unlock()
	return r
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.observe(p[:n])
	}
	if err == io.EOF {
		r.stop()
	}
	return n, err
}

func (r *Reader) Close() error {
	r.stop()
	return r.inner.Close()
}

// Writer taps the client-facing SSE bytes, flushing after every chunk so
// events leave the process as they are produced.
type Writer struct {
	*state
	inner io.Writer
}

func NewWriter(inner io.Writer, opts Options) *Writer {
	return &Writer{state: newState(opts), inner: inner}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		w.observe(p[:n])
	}
	if f, ok := w.inner.(interface{ Flush() }); ok {
		f.Flush()
	}
	return n, err
}

// Done stops the watchdog once the stream has fully relayed.
func (w *Writer) Done() {
	w.stop()
}
