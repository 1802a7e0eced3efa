package transform

import (
	"sort"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// toolCallAccumulator collects the fragments of one streamed tool call.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// streamAccumulator folds a sequence of unified stream events into a single
// response. Every dialect's ReconstructStream converts its captured frames
// into unified events and feeds them here, so aggregation semantics are
// identical across dialects.
type streamAccumulator struct {
	id        string
	model     string
	created   int64
	content   strings.Builder
	reasoning strings.Builder
	hasText   bool
	hasThink  bool
	tools     map[int]*toolCallAccumulator
	finish    string
	usage     *unified.Usage
	seen      bool
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{tools: make(map[int]*toolCallAccumulator)}
}

func (a *streamAccumulator) add(ev unified.StreamEvent) {
	a.seen = true
	if a.id == "" {
		a.id = ev.ID
	}
	if a.model == "" {
		a.model = ev.Model
	}
	if a.created == 0 {
		a.created = ev.Created
	}
	if ev.Delta.Content != "" {
		a.content.WriteString(ev.Delta.Content)
		a.hasText = true
	}
	if ev.Delta.Reasoning != "" {
		a.reasoning.WriteString(ev.Delta.Reasoning)
		a.hasThink = true
	}
	for _, tc := range ev.Delta.ToolCalls {
		acc, ok := a.tools[tc.Index]
		if !ok {
			acc = &toolCallAccumulator{}
			a.tools[tc.Index] = acc
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Name != "" {
			acc.name = tc.Name
		}
		acc.args.WriteString(tc.Arguments)
	}
	if ev.FinishReason != nil && *ev.FinishReason != "" {
		a.finish = *ev.FinishReason
	}
	if ev.Usage != nil {
		u := *ev.Usage
		a.usage = &u
	}
}

// response materializes the accumulated state, or returns nil when no valid
// frame contributed anything.
func (a *streamAccumulator) response() *unified.Response {
	if !a.seen {
		return nil
	}
	resp := &unified.Response{
		ID:           a.id,
		Model:        a.model,
		Created:      a.created,
		FinishReason: a.finish,
	}
	if a.hasText {
		s := a.content.String()
		resp.Content = &s
	}
	if a.hasThink {
		s := a.reasoning.String()
		resp.Reasoning = &s
	}
	if len(a.tools) > 0 {
		indexes := make([]int, 0, len(a.tools))
		for i := range a.tools {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			acc := a.tools[i]
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: acc.args.String(),
			})
		}
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	return resp
}
