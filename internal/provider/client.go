// Package provider makes raw HTTP calls to upstream LLM APIs. Dialect
// translation happens elsewhere; this package only builds the upstream
// request (URL, auth, extra body fields) and returns the upstream response
// without consuming it.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/unified"
)

// Request is a fully prepared upstream call.
type Request struct {
	Method    string
	URL       string
	Body      []byte
	Headers   map[string]string
	RequestID string
}

// RawResponse is the upstream response with its body left unread so that
// streaming bodies can be tapped and relayed.
type RawResponse struct {
	Status     int
	Headers    http.Header
	Body       io.ReadCloser
	IsStream   bool
	RetryAfter time.Duration
}

// Client issues upstream requests. The zero timeout on the embedded
// http.Client is deliberate: streaming responses stay open for minutes and
// per-request deadlines come from the caller's context.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{},
		logger: logger,
	}
}

// Do sends the request. A non-2xx status is not an error here; the caller
// inspects Status and decides. Errors are reserved for the network layer.
func (c *Client) Do(ctx context.Context, req Request) (*RawResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	c.logger.Debug("upstream response",
		"request_id", req.RequestID,
		"url", req.URL,
		"status", httpResp.StatusCode,
		"elapsed", time.Since(start))

	contentType := httpResp.Header.Get("Content-Type")
	return &RawResponse{
		Status:     httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       httpResp.Body,
		IsStream:   strings.HasPrefix(contentType, "text/event-stream"),
		RetryAfter: ParseRetryAfter(httpResp.Header.Get("Retry-After")),
	}, nil
}

// anthropicAPIVersion pins the messages-dialect API behavior; required on
// every request against that surface.
const anthropicAPIVersion = "2023-06-01"

// BuildRequest assembles the upstream call for one target: endpoint URL for
// the dialect, auth header per the provider's auth type, custom headers, and
// extra_body fields merged into the serialized request.
func BuildRequest(p config.ProviderConfig, dialect unified.Dialect, model string, stream bool, body []byte, requestID string) (Request, error) {
	base, ok := p.Endpoints[dialect.String()]
	if !ok {
		return Request{}, fmt.Errorf("provider %q has no endpoint for dialect %q", p.Name, dialect)
	}
	base = strings.TrimRight(base, "/")

	var url string
	switch dialect {
	case unified.DialectChat:
		url = base + "/chat/completions"
	case unified.DialectMessages:
		url = base + "/messages"
	case unified.DialectGemini:
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		url = fmt.Sprintf("%s/models/%s:%s", base, model, action)
		if stream {
			url += "?alt=sse"
		}
	default:
		return Request{}, fmt.Errorf("unsupported dialect %q", dialect)
	}

	headers := make(map[string]string, len(p.Headers)+2)
	switch p.Auth.Type {
	case config.AuthXAPIKey:
		headers["x-api-key"] = p.Auth.Secret
	default:
		headers["Authorization"] = "Bearer " + p.Auth.Secret
	}
	if dialect == unified.DialectMessages {
		headers["anthropic-version"] = anthropicAPIVersion
	}
	if stream {
		headers["Accept"] = "text/event-stream"
	}
	for name, value := range p.Headers {
		headers[name] = value
	}

	merged, err := mergeExtraBody(body, p.ExtraBody)
	if err != nil {
		return Request{}, fmt.Errorf("merging extra_body for provider %q: %w", p.Name, err)
	}

	return Request{
		Method:    http.MethodPost,
		URL:       url,
		Body:      merged,
		Headers:   headers,
		RequestID: requestID,
	}, nil
}

// mergeExtraBody sets each configured extra field on the JSON body,
// overwriting on key collision.
func mergeExtraBody(body []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return body, nil
	}
	out := body
	var err error
	for key, value := range extra {
		out, err = sjson.SetBytes(out, key, value)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseRetryAfter handles both forms of the header: delta-seconds and an
// HTTP-date. Returns 0 when absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}
