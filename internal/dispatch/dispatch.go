// Package dispatch orchestrates one inference request end to end: resolve
// the alias, filter and select a target, translate the body into the
// target's dialect, call the provider, and relay the response, streamed or
// not, back in the client's dialect.
package dispatch

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cooldown"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/router"
	"github.com/howard-nolan/llmgateway/internal/selector"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/unified"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// BehaviorStripAdaptiveThinking removes an adaptive thinking directive from
// messages-dialect requests before they go upstream.
const BehaviorStripAdaptiveThinking = "strip_adaptive_thinking"

// maxErrorBody bounds how much of an upstream error payload gets read.
const maxErrorBody = 64 * 1024

// Request is one inbound inference call, already authenticated.
type Request struct {
	Body          []byte
	RequestID     string
	ClientDialect unified.Dialect
	ClientIP      string
	APIKeyName    string
	// URLModel and URLStream carry the gemini path parameters; empty/false
	// for body-addressed dialects.
	URLModel  string
	URLStream bool
}

// Dispatcher wires the pipeline stages together. One instance serves all
// requests; per-request state lives on the stack.
type Dispatcher struct {
	config    *config.Manager
	router    *router.Router
	registry  *transform.Registry
	cooldowns *cooldown.Manager
	metrics   *metrics.Collector
	client    *provider.Client
	usage     *usagelog.Logger
	debug     usagelog.DebugStore
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Options carries the dispatcher's collaborators.
type Options struct {
	Config    *config.Manager
	Router    *router.Router
	Registry  *transform.Registry
	Cooldowns *cooldown.Manager
	Metrics   *metrics.Collector
	Client    *provider.Client
	Usage     *usagelog.Logger
	Debug     usagelog.DebugStore
	Logger    *slog.Logger
	// Rand overrides the selection source; nil seeds from the clock.
	Rand *rand.Rand
}

func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Dispatcher{
		config:    opts.Config,
		router:    opts.Router,
		registry:  opts.Registry,
		cooldowns: opts.Cooldowns,
		metrics:   opts.Metrics,
		client:    opts.Client,
		usage:     opts.Usage,
		debug:     opts.Debug,
		logger:    logger,
		rng:       rng,
	}
}

// target is the resolved upstream choice for one dispatch.
type target struct {
	alias    string
	provider config.ProviderConfig
	model    string
	dialect  unified.Dialect
}

// dispatchMeta carries whatever routing context was resolved before a
// failure, so error accounting can name the alias and target.
type dispatchMeta struct {
	alias    string
	provider string
	model    string
}

// Dispatch runs the pipeline and writes the full client response, error
// envelopes included. Failures produce both an error record and a usage
// record carrying the error kind and status.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) {
	cfg := d.config.Current()
	start := time.Now()

	var meta dispatchMeta
	if derr := d.dispatch(ctx, w, req, cfg, start, &meta); derr != nil {
		d.usage.LogError(usagelog.ErrorRecord{
			RequestID: req.RequestID,
			Provider:  meta.provider,
			Kind:      derr.Type,
			Status:    derr.Status,
			Message:   derr.Message,
		})
		d.usage.LogRequest(usagelog.Record{
			RequestID:     req.RequestID,
			Alias:         meta.alias,
			Provider:      meta.provider,
			Model:         meta.model,
			ClientDialect: req.ClientDialect.String(),
			ClientIP:      req.ClientIP,
			APIKey:        req.APIKeyName,
			Status:        derr.Status,
			ErrorKind:     derr.Type,
			ErrorMessage:  derr.Message,
			Duration:      time.Since(start),
		})
		writeError(w, req.ClientDialect, derr)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, w http.ResponseWriter, req Request, cfg *config.Config, start time.Time, meta *dispatchMeta) *Error {
	model := req.URLModel
	if model == "" {
		model = gjson.GetBytes(req.Body, "model").String()
	}
	if model == "" {
		return invalidRequest("missing_field", "model is required", http.StatusBadRequest)
	}

	alias, ok := d.router.Resolve(model)
	if !ok {
		return invalidRequest("model_not_found", "unknown model "+model, http.StatusNotFound)
	}
	if !aliasKindSupported(alias.Kind) {
		return invalidRequest("unsupported_alias_kind",
			"alias "+alias.ID+" is not an inference alias", http.StatusBadRequest)
	}

	meta.alias = alias.ID
	tgt, derr := d.pick(alias, cfg, req.ClientDialect)
	if derr != nil {
		return derr
	}
	meta.provider = tgt.provider.Name
	meta.model = tgt.model

	stream := req.URLStream
	if req.ClientDialect != unified.DialectGemini {
		stream = gjson.GetBytes(req.Body, "stream").Bool()
	}

	identity := tgt.dialect == req.ClientDialect
	upstreamBody, derr := d.buildUpstreamBody(req, alias, tgt, stream, identity)
	if derr != nil {
		return derr
	}

	preq, err := provider.BuildRequest(tgt.provider, tgt.dialect, tgt.model, stream, upstreamBody, req.RequestID)
	if err != nil {
		return apiError("request_build_failed", err.Error(), http.StatusInternalServerError)
	}

	d.metrics.RecordStart(tgt.provider.Name)
	resp, err := d.client.Do(ctx, preq)
	if err != nil {
		d.metrics.RecordFailure(tgt.provider.Name, 0)
		if cooldown.IsConnectionError(err) {
			d.cooldowns.Set(cooldown.Params{
				Provider: tgt.provider.Name,
				Model:    tgt.model,
				Reason:   cooldown.ReasonConnectionError,
				Message:  err.Error(),
			})
		}
		return apiError("upstream_unreachable", err.Error(), http.StatusInternalServerError)
	}

	if resp.Status < 200 || resp.Status >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		d.metrics.RecordFailure(tgt.provider.Name, resp.Status)
		if reason, ok := cooldown.StatusReason(resp.Status); ok {
			d.cooldowns.Set(cooldown.Params{
				Provider:   tgt.provider.Name,
				Model:      tgt.model,
				Reason:     reason,
				HTTPStatus: resp.Status,
				Message:    string(body),
				RetryAfter: resp.RetryAfter,
			})
		}
		return upstreamError(resp.Status, body)
	}

	if stream || resp.IsStream {
		d.relayStream(ctx, w, req, cfg, tgt, resp, identity, start)
		return nil
	}
	return d.relayResponse(w, req, tgt, resp, identity, start)
}

// pick filters the alias targets against config and cooldown state and runs
// the selector.
func (d *Dispatcher) pick(alias config.AliasConfig, cfg *config.Config, client unified.Dialect) (target, *Error) {
	var cands []selector.Candidate
	providers := make(map[int]config.ProviderConfig)
	dialects := make(map[int]unified.Dialect)

	for _, ot := range router.OrderTargets(alias, cfg, client) {
		t := ot.Target
		if !t.Active() {
			continue
		}
		p, ok := cfg.Provider(t.Provider)
		if !ok || !p.Active() {
			continue
		}
		dialect, ok := router.TargetDialect(t, p)
		if !ok {
			continue
		}
		if d.cooldowns.Matches(t.Provider, t.Model, "") {
			continue
		}
		providers[ot.Index] = p
		dialects[ot.Index] = dialect
		cands = append(cands, selector.Candidate{
			Index:    ot.Index,
			Provider: t.Provider,
			Model:    t.Model,
			Weight:   t.Weight,
			Cost:     p.ModelCost(t.Model),
		})
	}
	if len(cands) == 0 {
		return target{}, apiError("no_healthy_target",
			"no healthy target for alias "+alias.ID, http.StatusServiceUnavailable)
	}

	d.rngMu.Lock()
	chosen, err := selector.Select(cands, alias.Strategy, nil, d.metrics.Snapshot(), d.rng)
	d.rngMu.Unlock()
	if err != nil {
		return target{}, apiError("no_healthy_target", err.Error(), http.StatusServiceUnavailable)
	}
	return target{
		alias:    alias.ID,
		provider: providers[chosen.Index],
		model:    chosen.Model,
		dialect:  dialects[chosen.Index],
	}, nil
}

// buildUpstreamBody produces the body sent upstream. On the identity fast
// path the raw body is forwarded with only the model rewritten and behavior
// flags applied; otherwise the body pivots through the unified types.
func (d *Dispatcher) buildUpstreamBody(req Request, alias config.AliasConfig, tgt target, stream, identity bool) ([]byte, *Error) {
	if identity {
		body := req.Body
		var err error
		if req.ClientDialect != unified.DialectGemini {
			body, err = sjson.SetBytes(body, "model", tgt.model)
			if err != nil {
				return nil, invalidRequest("malformed_body", err.Error(), http.StatusBadRequest)
			}
		}
		if alias.HasBehavior(BehaviorStripAdaptiveThinking) &&
			req.ClientDialect == unified.DialectMessages &&
			gjson.GetBytes(body, "thinking.type").String() == "adaptive" {
			body, err = sjson.DeleteBytes(body, "thinking")
			if err != nil {
				return nil, invalidRequest("malformed_body", err.Error(), http.StatusBadRequest)
			}
		}
		return body, nil
	}

	ct, err := d.registry.Get(req.ClientDialect)
	if err != nil {
		return nil, apiError("transform_unavailable", err.Error(), http.StatusInternalServerError)
	}
	tt, err := d.registry.Get(tgt.dialect)
	if err != nil {
		return nil, apiError("transform_unavailable", err.Error(), http.StatusInternalServerError)
	}

	unifiedReq, err := ct.ParseRequest(req.Body)
	if err != nil {
		return nil, invalidRequest("malformed_body", err.Error(), http.StatusBadRequest)
	}
	unifiedReq.Model = tgt.model
	unifiedReq.Stream = stream
	if alias.HasBehavior(BehaviorStripAdaptiveThinking) &&
		req.ClientDialect == unified.DialectMessages &&
		unifiedReq.Reasoning != nil && unifiedReq.Reasoning.Effort == "adaptive" {
		unifiedReq.Reasoning = nil
	}

	body, err := tt.FormatRequest(unifiedReq)
	if err != nil {
		return nil, apiError("transform_failed", err.Error(), http.StatusInternalServerError)
	}
	return body, nil
}

// relayResponse handles the non-streaming completion path.
func (d *Dispatcher) relayResponse(w http.ResponseWriter, req Request, tgt target, resp *provider.RawResponse, identity bool, start time.Time) *Error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiError("upstream_read_failed", err.Error(), http.StatusInternalServerError)
	}

	tt, terr := d.registry.Get(tgt.dialect)
	if terr != nil {
		return apiError("transform_unavailable", terr.Error(), http.StatusInternalServerError)
	}

	var clientBody []byte
	var usage unified.Usage
	if identity {
		clientBody = body
		if ur, perr := tt.ParseResponse(body); perr == nil {
			usage = ur.Usage
		}
	} else {
		unifiedResp, err := tt.ParseResponse(body)
		if err != nil {
			return apiError("transform_failed", err.Error(), http.StatusInternalServerError)
		}
		usage = unifiedResp.Usage
		ct, terr := d.registry.Get(req.ClientDialect)
		if terr != nil {
			return apiError("transform_unavailable", terr.Error(), http.StatusInternalServerError)
		}
		clientBody, err = ct.FormatResponse(unifiedResp)
		if err != nil {
			return apiError("transform_failed", err.Error(), http.StatusInternalServerError)
		}
	}

	duration := time.Since(start)
	cost := tgt.provider.RequestCost(tgt.model, int64(usage.InputTokens), int64(usage.OutputTokens))
	d.metrics.RecordSuccess(tgt.provider.Name, duration,
		int64(usage.InputTokens), int64(usage.OutputTokens), cost)
	d.usage.LogRequest(usagelog.Record{
		RequestID:     req.RequestID,
		Alias:         tgt.alias,
		Provider:      tgt.provider.Name,
		Model:         tgt.model,
		ClientDialect: req.ClientDialect.String(),
		TargetDialect: tgt.dialect.String(),
		ClientIP:      req.ClientIP,
		APIKey:        req.APIKeyName,
		Usage:         usage,
		Cost:          cost,
		Status:        resp.Status,
		Duration:      duration,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(clientBody)
	return nil
}

func aliasKindSupported(kind string) bool {
	switch kind {
	case "", "chat", "messages", "gemini":
		return true
	}
	return false
}
