// Package metrics keeps a rolling window of per-provider request, latency,
// and throughput samples. The selector consumes snapshots for the latency,
// performance, and usage strategies; the same observations feed a Prometheus
// registry for exposition.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultWindow is the lookback horizon when none is configured.
const DefaultWindow = 5 * time.Minute

type sample struct {
	at time.Time
	v  float64
}

type tokenSample struct {
	at      time.Time
	in, out int64
	cost    float64
}

// series is the windowed sample state for one provider.
type series struct {
	requests  []time.Time
	successes []time.Time
	failures  []time.Time
	ttft      []sample
	durations []sample
	tps       []sample
	tokens    []tokenSample
}

// ProviderStats is an aggregated view over the current window.
type ProviderStats struct {
	Provider     string
	Requests     int
	Successes    int
	Failures     int
	AvgTTFT      time.Duration
	HasTTFT      bool
	AvgDuration  time.Duration
	AvgTPS       float64
	HasTPS       bool
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Snapshot maps provider name to windowed stats.
type Snapshot map[string]ProviderStats

// Collector records observations from concurrent requests and serves
// snapshots. All sample buffers evict entries older than the window.
type Collector struct {
	mu        sync.Mutex
	window    time.Duration
	providers map[string]*series
	now       func() time.Time

	registry *prometheus.Registry
	reqTotal *prometheus.CounterVec
	errTotal *prometheus.CounterVec
	ttftHist *prometheus.HistogramVec
	durHist  *prometheus.HistogramVec
}

// NewCollector builds a collector with the given rolling window.
func NewCollector(window time.Duration) *Collector {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Collector{
		window:    window,
		providers: make(map[string]*series),
		now:       time.Now,
		registry:  prometheus.NewRegistry(),
	}
	c.reqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmgateway_requests_total",
		Help: "Requests dispatched to a provider.",
	}, []string{"provider"})
	c.errTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llmgateway_provider_errors_total",
		Help: "Failed provider requests by HTTP status.",
	}, []string{"provider", "status"})
	c.ttftHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmgateway_ttft_seconds",
		Help:    "Time to first token by observation point.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider", "origin"})
	c.durHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llmgateway_request_duration_seconds",
		Help:    "Completed request duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider"})
	c.registry.MustRegister(c.reqTotal, c.errTotal, c.ttftHist, c.durHist)
	return c
}

// Handler exposes the Prometheus registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) series(provider string) *series {
	s, ok := c.providers[provider]
	if !ok {
		s = &series{}
		c.providers[provider] = s
	}
	return s
}

// RecordStart notes that a request was dispatched to the provider.
func (c *Collector) RecordStart(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := c.series(provider)
	s.requests = append(s.requests, now)
	s.evict(now.Add(-c.window))
	c.reqTotal.WithLabelValues(provider).Inc()
}

// RecordFirstToken records a TTFT observation. origin distinguishes the
// provider-side tap from the client-side tap; only provider-side samples
// enter the selection window.
func (c *Collector) RecordFirstToken(provider, origin string, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if origin == "provider" {
		s := c.series(provider)
		s.ttft = append(s.ttft, sample{at: now, v: float64(elapsed.Milliseconds())})
		s.evict(now.Add(-c.window))
	}
	c.ttftHist.WithLabelValues(provider, origin).Observe(elapsed.Seconds())
}

// RecordSuccess records a completed request with its duration, token counts,
// and computed cost. Tokens-per-second derives from output tokens over the
// full duration.
func (c *Collector) RecordSuccess(provider string, duration time.Duration, inputTokens, outputTokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := c.series(provider)
	s.successes = append(s.successes, now)
	s.durations = append(s.durations, sample{at: now, v: float64(duration.Milliseconds())})
	if outputTokens > 0 && duration > 0 {
		s.tps = append(s.tps, sample{at: now, v: float64(outputTokens) / duration.Seconds()})
	}
	s.tokens = append(s.tokens, tokenSample{at: now, in: inputTokens, out: outputTokens, cost: cost})
	s.evict(now.Add(-c.window))
	c.durHist.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFailure records a failed request with the upstream status (0 for
// network-layer failures).
func (c *Collector) RecordFailure(provider string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	s := c.series(provider)
	s.failures = append(s.failures, now)
	s.evict(now.Add(-c.window))
	c.errTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// Snapshot aggregates the current window for every provider, evicting stale
// samples as a side effect.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	horizon := c.now().Add(-c.window)
	out := make(Snapshot, len(c.providers))
	for name, s := range c.providers {
		s.evict(horizon)
		st := ProviderStats{
			Provider:  name,
			Requests:  len(s.requests),
			Successes: len(s.successes),
			Failures:  len(s.failures),
		}
		if len(s.ttft) > 0 {
			st.AvgTTFT = time.Duration(mean(s.ttft)) * time.Millisecond
			st.HasTTFT = true
		}
		if len(s.durations) > 0 {
			st.AvgDuration = time.Duration(mean(s.durations)) * time.Millisecond
		}
		if len(s.tps) > 0 {
			st.AvgTPS = mean(s.tps)
			st.HasTPS = true
		}
		for _, t := range s.tokens {
			st.InputTokens += t.in
			st.OutputTokens += t.out
			st.Cost += t.cost
		}
		out[name] = st
	}
	return out
}

func mean(samples []sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.v
	}
	return sum / float64(len(samples))
}

func (s *series) evict(horizon time.Time) {
	s.requests = evictTimes(s.requests, horizon)
	s.successes = evictTimes(s.successes, horizon)
	s.failures = evictTimes(s.failures, horizon)
	s.ttft = evictSamples(s.ttft, horizon)
	s.durations = evictSamples(s.durations, horizon)
	s.tps = evictSamples(s.tps, horizon)
	i := 0
	for i < len(s.tokens) && s.tokens[i].at.Before(horizon) {
		i++
	}
	s.tokens = s.tokens[i:]
}

func evictTimes(ts []time.Time, horizon time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(horizon) {
		i++
	}
	return ts[i:]
}

func evictSamples(ss []sample, horizon time.Time) []sample {
	i := 0
	for i < len(ss) && ss[i].at.Before(horizon) {
		i++
	}
	return ss[i:]
}
