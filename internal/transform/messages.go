package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// MessagesTransformer implements the Anthropic messages dialect.
type MessagesTransformer struct{}

func (t *MessagesTransformer) Dialect() unified.Dialect { return unified.DialectMessages }

// defaultMaxTokens is applied when formatting a request that carries no
// max_tokens; the messages dialect rejects requests without it.
const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type messagesRequest struct {
	Model         string            `json:"model"`
	MaxTokens     int               `json:"max_tokens"`
	System        json.RawMessage   `json:"system,omitempty"`
	Messages      []messagesMessage `json:"messages"`
	Temperature   *float64          `json:"temperature,omitempty"`
	TopP          *float64          `json:"top_p,omitempty"`
	StopSequences []string          `json:"stop_sequences,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	Tools         []messagesTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage   `json:"tool_choice,omitempty"`
	Thinking      *messagesThinking `json:"thinking,omitempty"`
	Metadata      *messagesMetadata `json:"metadata,omitempty"`
}

type messagesMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type messagesBlock struct {
	Type      string               `json:"type"`
	Text      string               `json:"text,omitempty"`
	Thinking  string               `json:"thinking,omitempty"`
	Signature string               `json:"signature,omitempty"`
	ID        string               `json:"id,omitempty"`
	Name      string               `json:"name,omitempty"`
	Input     json.RawMessage      `json:"input,omitempty"`
	ToolUseID string               `json:"tool_use_id,omitempty"`
	Content   json.RawMessage      `json:"content,omitempty"`
	IsError   bool                 `json:"is_error,omitempty"`
	Source    *messagesImageSource `json:"source,omitempty"`
}

type messagesImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type messagesTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type messagesThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type messagesMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

type messagesUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type messagesResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []messagesBlock `json:"content"`
	StopReason *string         `json:"stop_reason"`
	Usage      *messagesUsage  `json:"usage,omitempty"`
}

// messagesStreamEvent is the data payload of any messages SSE frame; the
// "type" discriminator selects which fields are present.
type messagesStreamEvent struct {
	Type         string              `json:"type"`
	Message      *messagesResponse   `json:"message,omitempty"`
	Index        int                 `json:"index,omitempty"`
	ContentBlock *messagesBlock      `json:"content_block,omitempty"`
	Delta        *messagesEventDelta `json:"delta,omitempty"`
	Usage        *messagesUsage      `json:"usage,omitempty"`
}

type messagesEventDelta struct {
	Type        string  `json:"type,omitempty"`
	Text        string  `json:"text,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`
	Signature   string  `json:"signature,omitempty"`
	PartialJSON string  `json:"partial_json,omitempty"`
	StopReason  *string `json:"stop_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Finish reason mapping
// ---------------------------------------------------------------------------

func stopReasonToUnified(s string) string {
	switch s {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return s
}

func unifiedToStopReason(s string) string {
	switch s {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	}
	return s
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

func (t *MessagesTransformer) ParseRequest(raw []byte) (*unified.Request, error) {
	var mr messagesRequest
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("parsing messages request: %w", err)
	}
	if mr.Model == "" {
		return nil, fmt.Errorf("messages request missing model")
	}

	req := &unified.Request{
		Model:       mr.Model,
		MaxTokens:   mr.MaxTokens,
		Temperature: mr.Temperature,
		TopP:        mr.TopP,
		Stop:        mr.StopSequences,
		Stream:      mr.Stream,
		ToolChoice:  mr.ToolChoice,
	}
	if mr.Metadata != nil {
		req.User = mr.Metadata.UserID
	}
	if mr.Thinking != nil {
		switch mr.Thinking.Type {
		case "enabled":
			req.Reasoning = &unified.Reasoning{MaxTokens: mr.Thinking.BudgetTokens}
		case "adaptive":
			req.Reasoning = &unified.Reasoning{Effort: "adaptive"}
		case "disabled":
			req.Reasoning = &unified.Reasoning{Exclude: true}
		}
	}
	for _, tool := range mr.Tools {
		req.Tools = append(req.Tools, unified.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}

	if len(mr.System) > 0 {
		parts := parseMessagesContent(mr.System)
		if len(parts) > 0 {
			req.Messages = append(req.Messages, unified.Message{Role: "system", Parts: parts})
		}
	}
	for _, m := range mr.Messages {
		req.Messages = append(req.Messages, unified.Message{
			Role:  m.Role,
			Parts: parseMessagesContent(m.Content),
		})
	}
	return req, nil
}

// parseMessagesContent handles the string-or-blocks content forms.
func parseMessagesContent(raw json.RawMessage) []unified.Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []unified.Part{{Type: unified.PartText, Text: s}}
	}
	var blocks []messagesBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []unified.Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, unified.Part{Type: unified.PartText, Text: b.Text})
		case "thinking":
			out = append(out, unified.Part{Type: unified.PartReasoning, Text: b.Thinking, Signature: b.Signature})
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			out = append(out, unified.Part{Type: unified.PartToolCall, ToolCall: &unified.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			}})
		case "tool_result":
			var content string
			if len(b.Content) > 0 {
				if err := json.Unmarshal(b.Content, &content); err != nil {
					// Block-array results collapse to their text.
					for _, p := range parseMessagesContent(b.Content) {
						if p.Type == unified.PartText {
							content += p.Text
						}
					}
				}
			}
			out = append(out, unified.Part{Type: unified.PartToolResult, ToolResult: &unified.ToolResult{
				ToolCallID: b.ToolUseID,
				Content:    content,
				IsError:    b.IsError,
			}})
		case "image":
			if b.Source == nil {
				continue
			}
			part := unified.Part{Type: unified.PartImage, MimeType: b.Source.MediaType}
			if b.Source.Type == "url" {
				part.ImageURL = b.Source.URL
			} else {
				part.ImageData = b.Source.Data
			}
			out = append(out, part)
		}
	}
	return out
}

func (t *MessagesTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	mr := messagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
		ToolChoice:    req.ToolChoice,
	}
	if mr.MaxTokens == 0 {
		mr.MaxTokens = defaultMaxTokens
	}
	if req.User != "" {
		mr.Metadata = &messagesMetadata{UserID: req.User}
	}
	if req.Reasoning != nil {
		switch {
		case req.Reasoning.Effort == "adaptive":
			mr.Thinking = &messagesThinking{Type: "adaptive"}
		case req.Reasoning.Exclude:
			mr.Thinking = &messagesThinking{Type: "disabled"}
		case req.Reasoning.MaxTokens > 0:
			mr.Thinking = &messagesThinking{Type: "enabled", BudgetTokens: req.Reasoning.MaxTokens}
		case req.Reasoning.Effort != "":
			mr.Thinking = &messagesThinking{Type: "enabled", BudgetTokens: effortToBudget(req.Reasoning.Effort)}
		}
	}
	for _, tool := range req.Tools {
		mr.Tools = append(mr.Tools, messagesTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	var system []messagesBlock
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			for _, p := range msg.Parts {
				if p.Type == unified.PartText {
					system = append(system, messagesBlock{Type: "text", Text: p.Text})
				}
			}
			continue
		}
		role := msg.Role
		if role == "tool" {
			// The messages dialect carries tool results in a user turn.
			role = "user"
		}
		blocks := formatMessagesBlocks(msg.Parts)
		if len(blocks) == 0 {
			continue
		}
		content, err := json.Marshal(blocks)
		if err != nil {
			return nil, err
		}
		mr.Messages = append(mr.Messages, messagesMessage{Role: role, Content: content})
	}
	if len(system) > 0 {
		raw, err := json.Marshal(system)
		if err != nil {
			return nil, err
		}
		mr.System = raw
	}
	return json.Marshal(mr)
}

func formatMessagesBlocks(parts []unified.Part) []messagesBlock {
	var out []messagesBlock
	for _, p := range parts {
		switch p.Type {
		case unified.PartText:
			out = append(out, messagesBlock{Type: "text", Text: p.Text})
		case unified.PartReasoning:
			out = append(out, messagesBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case unified.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			input := json.RawMessage(p.ToolCall.Arguments)
			if !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			out = append(out, messagesBlock{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: input,
			})
		case unified.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			content, _ := json.Marshal(p.ToolResult.Content)
			out = append(out, messagesBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolResult.ToolCallID,
				Content:   content,
				IsError:   p.ToolResult.IsError,
			})
		case unified.PartImage:
			src := &messagesImageSource{MediaType: p.MimeType}
			if p.ImageURL != "" {
				src.Type = "url"
				src.URL = p.ImageURL
			} else {
				src.Type = "base64"
				src.Data = p.ImageData
			}
			out = append(out, messagesBlock{Type: "image", Source: src})
		}
	}
	return out
}

// effortToBudget maps chat-style reasoning effort onto a thinking budget.
func effortToBudget(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 8192
	case "high":
		return 24576
	}
	return 8192
}

// ---------------------------------------------------------------------------
// Response
// ---------------------------------------------------------------------------

func (t *MessagesTransformer) ParseResponse(raw []byte) (*unified.Response, error) {
	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, fmt.Errorf("parsing messages response: %w", err)
	}
	resp := &unified.Response{ID: mr.ID, Model: mr.Model}
	if mr.StopReason != nil {
		resp.FinishReason = stopReasonToUnified(*mr.StopReason)
	}
	if mr.Usage != nil {
		resp.Usage = messagesUsageToUnified(*mr.Usage)
	}
	var content, reasoning string
	var hasText, hasThink bool
	for _, b := range mr.Content {
		switch b.Type {
		case "text":
			content += b.Text
			hasText = true
		case "thinking":
			reasoning += b.Thinking
			hasThink = true
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	if hasText {
		resp.Content = &content
	}
	if hasThink {
		resp.Reasoning = &reasoning
	}
	return resp, nil
}

func (t *MessagesTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	mr := messagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if resp.Reasoning != nil {
		mr.Content = append(mr.Content, messagesBlock{Type: "thinking", Thinking: *resp.Reasoning})
	}
	if resp.Content != nil {
		mr.Content = append(mr.Content, messagesBlock{Type: "text", Text: *resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage("{}")
		}
		mr.Content = append(mr.Content, messagesBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
	}
	stop := unifiedToStopReason(resp.FinishReason)
	mr.StopReason = &stop
	if !resp.Usage.IsZero() {
		u := unifiedUsageToMessages(resp.Usage)
		mr.Usage = &u
	}
	return json.Marshal(mr)
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func messagesUsageToUnified(u messagesUsage) unified.Usage {
	return unified.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func unifiedUsageToMessages(u unified.Usage) messagesUsage {
	return messagesUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheCreationTokens,
	}
}

func (t *MessagesTransformer) ParseUsage(raw []byte) (unified.Usage, error) {
	var u messagesUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return unified.Usage{}, fmt.Errorf("parsing messages usage: %w", err)
	}
	return messagesUsageToUnified(u), nil
}

func (t *MessagesTransformer) FormatUsage(u unified.Usage) ([]byte, error) {
	return json.Marshal(unifiedUsageToMessages(u))
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// messagesDecodeState tracks block→tool mappings across one stream.
type messagesDecodeState struct {
	id        string
	model     string
	toolByBlk map[int]int
	nextTool  int
	input     messagesUsage
}

// decodeMessagesFrame converts one SSE frame into at most one unified event.
// The bool result is false when the stream is complete.
func (st *messagesDecodeState) decode(f sseFrame) (*unified.StreamEvent, bool) {
	var ev messagesStreamEvent
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		return nil, true
	}
	out := &unified.StreamEvent{ID: st.id, Model: st.model}

	switch ev.Type {
	case "message_start":
		if ev.Message == nil {
			return nil, true
		}
		st.id = ev.Message.ID
		st.model = ev.Message.Model
		if ev.Message.Usage != nil {
			st.input = *ev.Message.Usage
		}
		out.ID = st.id
		out.Model = st.model
		out.Delta.Role = "assistant"
		return out, true

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			if st.toolByBlk == nil {
				st.toolByBlk = make(map[int]int)
			}
			idx := st.nextTool
			st.nextTool++
			st.toolByBlk[ev.Index] = idx
			out.Delta.ToolCalls = []unified.ToolCallDelta{{
				Index: idx,
				ID:    ev.ContentBlock.ID,
				Type:  "function",
				Name:  ev.ContentBlock.Name,
			}}
			return out, true
		}
		return nil, true

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, true
		}
		switch ev.Delta.Type {
		case "text_delta":
			out.Delta.Content = ev.Delta.Text
			return out, true
		case "thinking_delta":
			out.Delta.Reasoning = ev.Delta.Thinking
			return out, true
		case "input_json_delta":
			idx, ok := st.toolByBlk[ev.Index]
			if !ok {
				return nil, true
			}
			out.Delta.ToolCalls = []unified.ToolCallDelta{{
				Index:     idx,
				Arguments: ev.Delta.PartialJSON,
			}}
			return out, true
		}
		return nil, true

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != nil {
			reason := stopReasonToUnified(*ev.Delta.StopReason)
			out.FinishReason = &reason
		}
		if ev.Usage != nil {
			merged := *ev.Usage
			if merged.InputTokens == 0 {
				merged.InputTokens = st.input.InputTokens
			}
			if merged.CacheReadInputTokens == 0 {
				merged.CacheReadInputTokens = st.input.CacheReadInputTokens
			}
			if merged.CacheCreationInputTokens == 0 {
				merged.CacheCreationInputTokens = st.input.CacheCreationInputTokens
			}
			u := messagesUsageToUnified(merged)
			out.Usage = &u
		}
		return out, true

	case "message_stop":
		return nil, false
	}
	// ping and unknown event types are ignored.
	return nil, true
}

func (t *MessagesTransformer) TransformStream(ctx context.Context, r io.Reader) <-chan unified.StreamEvent {
	out := make(chan unified.StreamEvent)
	go func() {
		defer close(out)
		st := &messagesDecodeState{}
		_ = forEachFrame(r, func(f sseFrame) bool {
			ev, cont := st.decode(f)
			if ev != nil {
				select {
				case out <- *ev:
				case <-ctx.Done():
					return false
				}
			}
			return cont
		})
	}()
	return out
}

// messagesEncodeState drives the block-structured SSE framing when
// formatting unified events into the messages dialect.
type messagesEncodeState struct {
	started   bool
	blockKind string // "", "text", "thinking", "tool"
	blockIdx  int
	toolBlk   map[int]int // unified tool index → block index
	curTool   int         // unified index of the open tool block
	finish    *string
	usage     *unified.Usage
}

func (t *MessagesTransformer) FormatStream(ctx context.Context, events <-chan unified.StreamEvent, w io.Writer) error {
	st := &messagesEncodeState{toolBlk: make(map[int]int), curTool: -1}

	emit := func(name string, payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return writeFrame(w, name, string(raw))
	}

	closeBlock := func() error {
		if st.blockKind == "" {
			return nil
		}
		err := emit("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": st.blockIdx,
		})
		st.blockKind = ""
		st.curTool = -1
		st.blockIdx++
		return err
	}

	openBlock := func(kind string, block map[string]any) error {
		if err := closeBlock(); err != nil {
			return err
		}
		st.blockKind = kind
		return emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         st.blockIdx,
			"content_block": block,
		})
	}

	start := func(ev unified.StreamEvent) error {
		if st.started {
			return nil
		}
		st.started = true
		return emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"type":        "message",
				"id":          ev.ID,
				"role":        "assistant",
				"model":       ev.Model,
				"content":     []any{},
				"stop_reason": nil,
				"usage":       messagesUsage{},
			},
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if !st.started {
					return nil
				}
				if err := closeBlock(); err != nil {
					return err
				}
				stop := "end_turn"
				if st.finish != nil {
					stop = unifiedToStopReason(*st.finish)
				}
				deltaEvent := map[string]any{
					"type":  "message_delta",
					"delta": map[string]any{"stop_reason": stop},
				}
				if st.usage != nil {
					deltaEvent["usage"] = unifiedUsageToMessages(*st.usage)
				}
				if err := emit("message_delta", deltaEvent); err != nil {
					return err
				}
				return emit("message_stop", map[string]any{"type": "message_stop"})
			}

			if err := start(ev); err != nil {
				return err
			}
			if ev.FinishReason != nil && *ev.FinishReason != "" {
				reason := *ev.FinishReason
				st.finish = &reason
			}
			if ev.Usage != nil {
				u := *ev.Usage
				st.usage = &u
			}

			if ev.Delta.Reasoning != "" {
				if st.blockKind != "thinking" {
					if err := openBlock("thinking", map[string]any{"type": "thinking", "thinking": ""}); err != nil {
						return err
					}
				}
				if err := emit("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": st.blockIdx,
					"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Delta.Reasoning},
				}); err != nil {
					return err
				}
			}
			if ev.Delta.Content != "" {
				if st.blockKind != "text" {
					if err := openBlock("text", map[string]any{"type": "text", "text": ""}); err != nil {
						return err
					}
				}
				if err := emit("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": st.blockIdx,
					"delta": map[string]any{"type": "text_delta", "text": ev.Delta.Content},
				}); err != nil {
					return err
				}
			}
			for _, tc := range ev.Delta.ToolCalls {
				if tc.Name != "" || tc.ID != "" {
					id := tc.ID
					if id == "" {
						id = fmt.Sprintf("toolu_%d", tc.Index)
					}
					if err := openBlock("tool", map[string]any{
						"type":  "tool_use",
						"id":    id,
						"name":  tc.Name,
						"input": map[string]any{},
					}); err != nil {
						return err
					}
					st.toolBlk[tc.Index] = st.blockIdx
					st.curTool = tc.Index
				}
				if tc.Arguments != "" {
					blk, ok := st.toolBlk[tc.Index]
					if !ok || st.blockKind != "tool" || st.curTool != tc.Index {
						continue
					}
					if err := emit("content_block_delta", map[string]any{
						"type":  "content_block_delta",
						"index": blk,
						"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Arguments},
					}); err != nil {
						return err
					}
				}
			}
		}
	}
}

func (t *MessagesTransformer) ReconstructStream(raw []byte) *unified.Response {
	acc := newStreamAccumulator()
	st := &messagesDecodeState{}
	_ = forEachFrame(bytes.NewReader(raw), func(f sseFrame) bool {
		ev, cont := st.decode(f)
		if ev != nil {
			acc.add(*ev)
		}
		return cont
	})
	return acc.response()
}
