// Package transform implements the per-dialect transformers: parsing and
// formatting of requests, responses, usage blocks, and SSE streams for the
// chat (OpenAI), messages (Anthropic), and gemini (Google) API shapes, plus
// reconstruction of a complete response from captured stream text.
package transform

import (
	"context"
	"fmt"
	"io"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// Transformer converts between one dialect's wire format and the unified
// pivot types.
//
// ParseRequest fails with an error on malformed structure; unknown fields
// are silently ignored. FormatRequest output is always parseable by the same
// dialect's ParseRequest.
//
// TransformStream reads SSE from r and emits one unified event per data
// frame, in order, without coalescing deltas. It terminates on the dialect's
// end sentinel or EOF and ignores comments and keepalive pings. FormatStream
// writes the dialect's native SSE framing for a sequence of unified events,
// including the dialect's end sentinel.
//
// ReconstructStream aggregates a full captured SSE text into a single
// response: text and reasoning concatenated in order, tool-call fragments
// joined by ascending index, last-seen finish reason and usage. It returns
// nil when no valid frames were observed.
type Transformer interface {
	Dialect() unified.Dialect

	ParseRequest(raw []byte) (*unified.Request, error)
	FormatRequest(req *unified.Request) ([]byte, error)

	ParseResponse(raw []byte) (*unified.Response, error)
	FormatResponse(resp *unified.Response) ([]byte, error)

	ParseUsage(raw []byte) (unified.Usage, error)
	FormatUsage(u unified.Usage) ([]byte, error)

	TransformStream(ctx context.Context, r io.Reader) <-chan unified.StreamEvent
	FormatStream(ctx context.Context, events <-chan unified.StreamEvent, w io.Writer) error

	ReconstructStream(raw []byte) *unified.Response
}

// Registry holds one transformer per dialect, indexed densely by tag.
type Registry struct {
	byDialect [unified.NumDialects]Transformer
}

// NewRegistry builds the registry with all three dialect transformers.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, t := range []Transformer{
		&ChatTransformer{},
		&MessagesTransformer{},
		&GeminiTransformer{},
	} {
		r.byDialect[t.Dialect()] = t
	}
	return r
}

// Get returns the transformer for the dialect.
func (r *Registry) Get(d unified.Dialect) (Transformer, error) {
	if int(d) >= len(r.byDialect) || r.byDialect[d] == nil {
		return nil, fmt.Errorf("no transformer registered for dialect %q", d)
	}
	return r.byDialect[d], nil
}
