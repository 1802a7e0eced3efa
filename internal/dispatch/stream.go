package dispatch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/tap"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/unified"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// relayStream pumps the upstream SSE body to the client through both taps,
// transforming between dialects unless on the identity fast path. A pending
// usage record is written up front; finalization rewrites it once the stream
// terminates for any reason.
func (d *Dispatcher) relayStream(ctx context.Context, w http.ResponseWriter, req Request, cfg *config.Config, tgt target, resp *provider.RawResponse, identity bool, start time.Time) {
	d.usage.LogRequest(usagelog.Record{
		RequestID:     req.RequestID,
		Alias:         tgt.alias,
		Provider:      tgt.provider.Name,
		Model:         tgt.model,
		ClientDialect: req.ClientDialect.String(),
		TargetDialect: tgt.dialect.String(),
		ClientIP:      req.ClientIP,
		APIKey:        req.APIKeyName,
		Stream:        true,
		Pending:       true,
		Status:        resp.Status,
	})

	var providerTap *tap.Reader
	var clientTap *tap.Writer
	fin := tap.NewFinalizer(func(cancelled bool) {
		d.finalize(req, tgt, providerTap, clientTap, start, cancelled)
	})

	base := tap.Options{
		RequestID: req.RequestID,
		Provider:  tgt.provider.Name,
		Start:     start,
		Metrics:   d.metrics,
		Usage:     d.usage,
		Debug:     d.debug,
		Finalizer: fin,
		Watchdog:  cfg.Stream.WatchdogTimeout,
		Logger:    d.logger,
		// Either tap's watchdog releases the upstream connection so the
		// relay loop unwinds.
		Abort: func() { resp.Body.Close() },
	}
	provOpts := base
	provOpts.Origin = tap.OriginProvider
	providerTap = tap.NewReader(resp.Body, provOpts)
	defer providerTap.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientOpts := base
	clientOpts.Origin = tap.OriginClient
	clientTap = tap.NewWriter(w, clientOpts)

	var relayErr error
	if identity {
		if cfg.Stream.Sanitize {
			relayErr = transform.NewSanitizer(transform.DefaultSanitizeRules).Copy(clientTap, providerTap)
		} else {
			_, relayErr = io.Copy(clientTap, providerTap)
		}
	} else {
		relayErr = d.transformStream(ctx, req.ClientDialect, tgt.dialect, providerTap, clientTap)
	}
	clientTap.Done()

	cancelled := ctx.Err() != nil
	if relayErr != nil && !cancelled {
		d.logger.Error("stream relay failed",
			"request_id", req.RequestID, "provider", tgt.provider.Name, "error", relayErr)
	}
	fin.Finalize(cancelled)
}

func (d *Dispatcher) transformStream(ctx context.Context, client, target unified.Dialect, r io.Reader, w io.Writer) error {
	tt, err := d.registry.Get(target)
	if err != nil {
		return err
	}
	ct, err := d.registry.Get(client)
	if err != nil {
		return err
	}
	events := tt.TransformStream(ctx, r)
	return ct.FormatStream(ctx, events, w)
}

// finalize is the one-shot post-stream step: reconstruct from both captures,
// compare as a consistency signal, and rewrite the pending usage record with
// the client-side reconstruction's counts.
func (d *Dispatcher) finalize(req Request, tgt target, providerTap *tap.Reader, clientTap *tap.Writer, start time.Time, cancelled bool) {
	var clientResp, providerResp *unified.Response
	if ct, err := d.registry.Get(req.ClientDialect); err == nil {
		clientResp = ct.ReconstructStream(clientTap.Captured())
	}
	if tt, err := d.registry.Get(tgt.dialect); err == nil {
		providerResp = tt.ReconstructStream(providerTap.Captured())
	}
	if clientResp != nil && providerResp != nil {
		if len(clientResp.ToolCalls) != len(providerResp.ToolCalls) ||
			contentLen(clientResp) != contentLen(providerResp) {
			d.logger.Warn("stream reconstruction mismatch",
				"request_id", req.RequestID,
				"client_tool_calls", len(clientResp.ToolCalls),
				"provider_tool_calls", len(providerResp.ToolCalls),
				"client_content_len", contentLen(clientResp),
				"provider_content_len", contentLen(providerResp))
		}
	}

	var usage unified.Usage
	if clientResp != nil {
		usage = clientResp.Usage
	}
	cost := tgt.provider.RequestCost(tgt.model, int64(usage.InputTokens), int64(usage.OutputTokens))
	if cancelled {
		d.usage.MarkCancelled(req.RequestID)
	}
	d.usage.UpdateUsageFromReconstructed(req.RequestID, usage, cost)

	duration := time.Since(start)
	// Cancelled or watchdog-terminated streams stay out of the success
	// window so the latency and performance strategies see only completed
	// requests.
	if !cancelled {
		d.metrics.RecordSuccess(tgt.provider.Name, duration,
			int64(usage.InputTokens), int64(usage.OutputTokens), cost)
	}
	d.logger.Info("stream finalized",
		"request_id", req.RequestID,
		"provider", tgt.provider.Name,
		"duration", duration,
		"cancelled", cancelled,
		"provider_chunks", providerTap.Chunks(),
		"client_chunks", clientTap.Chunks())
}

func contentLen(resp *unified.Response) int {
	if resp.Content == nil {
		return 0
	}
	return len(*resp.Content)
}
