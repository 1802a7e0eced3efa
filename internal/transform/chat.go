package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// ChatTransformer implements the OpenAI chat-completions dialect.
type ChatTransformer struct{}

func (t *ChatTransformer) Dialect() unified.Dialect { return unified.DialectChat }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type chatRequest struct {
	Model               string             `json:"model"`
	Messages            []chatMessage      `json:"messages"`
	MaxTokens           int                `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                `json:"max_completion_tokens,omitempty"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	PresencePenalty     *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64           `json:"frequency_penalty,omitempty"`
	Stop                json.RawMessage    `json:"stop,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *chatStreamOptions `json:"stream_options,omitempty"`
	Tools               []chatTool         `json:"tools,omitempty"`
	ToolChoice          json.RawMessage    `json:"tool_choice,omitempty"`
	ReasoningEffort     string             `json:"reasoning_effort,omitempty"`
	ResponseFormat      json.RawMessage    `json:"response_format,omitempty"`
	Modalities          []string           `json:"modalities,omitempty"`
	LogitBias           map[string]float64 `json:"logit_bias,omitempty"`
	User                string             `json:"user,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
}

// chatContentPart is one element of an array-form message content.
type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens,omitempty"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	} `json:"completion_tokens_details,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int                  `json:"index"`
	Message      *chatResponseMessage `json:"message,omitempty"`
	Delta        *chatDelta           `json:"delta,omitempty"`
	FinishReason *string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role             string         `json:"role"`
	Content          *string        `json:"content"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
	Images           []chatImage    `json:"images,omitempty"`
}

type chatImage struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

func (t *ChatTransformer) ParseRequest(raw []byte) (*unified.Request, error) {
	var cr chatRequest
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("parsing chat request: %w", err)
	}
	if cr.Model == "" {
		return nil, fmt.Errorf("chat request missing model")
	}

	req := &unified.Request{
		Model:            cr.Model,
		MaxTokens:        cr.MaxTokens,
		Temperature:      cr.Temperature,
		TopP:             cr.TopP,
		PresencePenalty:  cr.PresencePenalty,
		FrequencyPenalty: cr.FrequencyPenalty,
		Stream:           cr.Stream,
		ToolChoice:       cr.ToolChoice,
		ResponseFormat:   cr.ResponseFormat,
		Modalities:       cr.Modalities,
		LogitBias:        cr.LogitBias,
		User:             cr.User,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = cr.MaxCompletionTokens
	}
	if cr.ReasoningEffort != "" {
		req.Reasoning = &unified.Reasoning{Effort: cr.ReasoningEffort}
	}
	req.Stop = parseStringOrList(cr.Stop)

	for _, tool := range cr.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, unified.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	for _, m := range cr.Messages {
		msg := unified.Message{Role: m.Role}
		msg.Parts = append(msg.Parts, parseChatContent(m.Content, m.Role, m.ToolCallID)...)
		if m.ReasoningContent != "" {
			msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartReasoning, Text: m.ReasoningContent})
		}
		for _, tc := range m.ToolCalls {
			msg.Parts = append(msg.Parts, unified.Part{Type: unified.PartToolCall, ToolCall: &unified.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}})
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

// parseChatContent handles the string-or-array content forms. A "tool" role
// message's content becomes a tool result part.
func parseChatContent(raw json.RawMessage, role, toolCallID string) []unified.Part {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if role == "tool" {
			return []unified.Part{{Type: unified.PartToolResult, ToolResult: &unified.ToolResult{
				ToolCallID: toolCallID,
				Content:    s,
			}}}
		}
		if s == "" {
			return nil
		}
		return []unified.Part{{Type: unified.PartText, Text: s}}
	}
	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []unified.Part
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, unified.Part{Type: unified.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, unified.Part{Type: unified.PartImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	if role == "tool" {
		// Array-form tool results collapse to their text.
		var text string
		for _, p := range out {
			if p.Type == unified.PartText {
				text += p.Text
			}
		}
		return []unified.Part{{Type: unified.PartToolResult, ToolResult: &unified.ToolResult{
			ToolCallID: toolCallID,
			Content:    text,
		}}}
	}
	return out
}

func parseStringOrList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func (t *ChatTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	cr := chatRequest{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stream:           req.Stream,
		ToolChoice:       req.ToolChoice,
		ResponseFormat:   req.ResponseFormat,
		Modalities:       req.Modalities,
		LogitBias:        req.LogitBias,
		User:             req.User,
	}
	if len(req.Stop) > 0 {
		raw, err := json.Marshal(req.Stop)
		if err != nil {
			return nil, err
		}
		cr.Stop = raw
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" {
		cr.ReasoningEffort = req.Reasoning.Effort
	}
	if req.Stream {
		cr.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	for _, tool := range req.Tools {
		cr.Tools = append(cr.Tools, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	for _, msg := range req.Messages {
		cm, extra := formatChatMessage(msg)
		cr.Messages = append(cr.Messages, cm)
		cr.Messages = append(cr.Messages, extra...)
	}
	return json.Marshal(cr)
}

// formatChatMessage renders one unified message. A message mixing tool
// results with other content splits into multiple wire messages because the
// chat dialect dedicates the whole message to a single tool result.
func formatChatMessage(msg unified.Message) (chatMessage, []chatMessage) {
	cm := chatMessage{Role: msg.Role}
	var extra []chatMessage

	var textOnly string
	var parts []chatContentPart
	var structured bool

	for _, p := range msg.Parts {
		switch p.Type {
		case unified.PartText:
			textOnly += p.Text
			parts = append(parts, chatContentPart{Type: "text", Text: p.Text})
		case unified.PartImage:
			url := p.ImageURL
			if url == "" && p.ImageData != "" {
				url = "data:" + p.MimeType + ";base64," + p.ImageData
			}
			parts = append(parts, chatContentPart{Type: "image_url", ImageURL: &chatImageURL{URL: url}})
			structured = true
		case unified.PartReasoning:
			cm.ReasoningContent += p.Text
		case unified.PartToolCall:
			if p.ToolCall != nil {
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:   p.ToolCall.ID,
					Type: "function",
					Function: chatFunctionCall{
						Name:      p.ToolCall.Name,
						Arguments: p.ToolCall.Arguments,
					},
				})
			}
		case unified.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			content, _ := json.Marshal(p.ToolResult.Content)
			tm := chatMessage{
				Role:       "tool",
				ToolCallID: p.ToolResult.ToolCallID,
				Content:    content,
			}
			if msg.Role == "tool" && cm.Content == nil && cm.ToolCallID == "" {
				cm = tm
			} else {
				extra = append(extra, tm)
			}
		}
	}

	if cm.Role != "tool" {
		if structured {
			raw, _ := json.Marshal(parts)
			cm.Content = raw
		} else if textOnly != "" {
			raw, _ := json.Marshal(textOnly)
			cm.Content = raw
		}
	}
	return cm, extra
}

// ---------------------------------------------------------------------------
// Response
// ---------------------------------------------------------------------------

func (t *ChatTransformer) ParseResponse(raw []byte) (*unified.Response, error) {
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("parsing chat response: %w", err)
	}
	resp := &unified.Response{
		ID:      cr.ID,
		Model:   cr.Model,
		Created: cr.Created,
	}
	if cr.Usage != nil {
		resp.Usage = chatUsageToUnified(*cr.Usage)
	}
	if len(cr.Choices) > 0 {
		choice := cr.Choices[0]
		if choice.FinishReason != nil {
			resp.FinishReason = *choice.FinishReason
		}
		if choice.Message != nil {
			resp.Content = choice.Message.Content
			resp.Reasoning = choice.Message.ReasoningContent
			for _, tc := range choice.Message.ToolCalls {
				resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			for _, img := range choice.Message.Images {
				mime, data := splitDataURL(img.ImageURL.URL)
				resp.Images = append(resp.Images, unified.ImageOutput{MimeType: mime, Data: data})
			}
		}
	}
	return resp, nil
}

func (t *ChatTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	msg := &chatResponseMessage{Role: "assistant", Content: resp.Content, ReasoningContent: resp.Reasoning}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: chatFunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	for _, img := range resp.Images {
		msg.Images = append(msg.Images, chatImage{
			Type:     "image_url",
			ImageURL: chatImageURL{URL: "data:" + img.MimeType + ";base64," + img.Data},
		})
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	cr := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chatChoice{{Index: 0, Message: msg, FinishReason: &finish}},
	}
	if !resp.Usage.IsZero() {
		u := unifiedUsageToChat(resp.Usage)
		cr.Usage = &u
	}
	return json.Marshal(cr)
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

// chatUsageToUnified applies the subtraction convention: the dialect reports
// reasoning tokens inside completion_tokens, the unified output count
// excludes them.
func chatUsageToUnified(u chatUsage) unified.Usage {
	out := unified.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
		out.OutputTokens -= out.ReasoningTokens
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return out
}

func unifiedUsageToChat(u unified.Usage) chatUsage {
	out := chatUsage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens + u.ReasoningTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens,omitempty"`
		}{ReasoningTokens: u.ReasoningTokens}
	}
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens,omitempty"`
		}{CachedTokens: u.CacheReadTokens}
	}
	return out
}

func (t *ChatTransformer) ParseUsage(raw []byte) (unified.Usage, error) {
	var u chatUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return unified.Usage{}, fmt.Errorf("parsing chat usage: %w", err)
	}
	return chatUsageToUnified(u), nil
}

func (t *ChatTransformer) FormatUsage(u unified.Usage) ([]byte, error) {
	return json.Marshal(unifiedUsageToChat(u))
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// chatDone is the chat dialect's stream end sentinel.
const chatDone = "[DONE]"

// decodeChatFrame converts one data frame into a unified event. Returns nil
// on the sentinel or an unparseable frame.
func decodeChatFrame(data string) *unified.StreamEvent {
	if data == chatDone {
		return nil
	}
	var chunk chatResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil
	}
	ev := &unified.StreamEvent{
		ID:      chunk.ID,
		Model:   chunk.Model,
		Created: chunk.Created,
	}
	if chunk.Usage != nil {
		u := chatUsageToUnified(*chunk.Usage)
		ev.Usage = &u
	}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		ev.FinishReason = choice.FinishReason
		if choice.Delta != nil {
			ev.Delta.Role = choice.Delta.Role
			ev.Delta.Content = choice.Delta.Content
			ev.Delta.Reasoning = choice.Delta.ReasoningContent
			for i, tc := range choice.Delta.ToolCalls {
				idx := i
				if tc.Index != nil {
					idx = *tc.Index
				}
				ev.Delta.ToolCalls = append(ev.Delta.ToolCalls, unified.ToolCallDelta{
					Index:     idx,
					ID:        tc.ID,
					Type:      tc.Type,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
	}
	return ev
}

func (t *ChatTransformer) TransformStream(ctx context.Context, r io.Reader) <-chan unified.StreamEvent {
	out := make(chan unified.StreamEvent)
	go func() {
		defer close(out)
		_ = forEachFrame(r, func(f sseFrame) bool {
			if f.data == chatDone {
				return false
			}
			ev := decodeChatFrame(f.data)
			if ev == nil {
				return true
			}
			select {
			case out <- *ev:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out
}

func (t *ChatTransformer) FormatStream(ctx context.Context, events <-chan unified.StreamEvent, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return writeFrame(w, "", chatDone)
			}
			chunk := chatResponse{
				ID:      ev.ID,
				Object:  "chat.completion.chunk",
				Created: ev.Created,
				Model:   ev.Model,
			}
			delta := &chatDelta{
				Role:             ev.Delta.Role,
				Content:          ev.Delta.Content,
				ReasoningContent: ev.Delta.Reasoning,
			}
			for _, tc := range ev.Delta.ToolCalls {
				idx := tc.Index
				delta.ToolCalls = append(delta.ToolCalls, chatToolCall{
					Index: &idx,
					ID:    tc.ID,
					Type:  tc.Type,
					Function: chatFunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			chunk.Choices = []chatChoice{{Index: 0, Delta: delta, FinishReason: ev.FinishReason}}
			if ev.Usage != nil {
				u := unifiedUsageToChat(*ev.Usage)
				chunk.Usage = &u
			}
			raw, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			if err := writeFrame(w, "", string(raw)); err != nil {
				return err
			}
		}
	}
}

func (t *ChatTransformer) ReconstructStream(raw []byte) *unified.Response {
	acc := newStreamAccumulator()
	_ = forEachFrame(bytes.NewReader(raw), func(f sseFrame) bool {
		if f.data == chatDone {
			return false
		}
		if ev := decodeChatFrame(f.data); ev != nil {
			acc.add(*ev)
		}
		return true
	})
	return acc.response()
}

// splitDataURL separates a data: URL into mime type and base64 payload.
// Non-data URLs return the URL itself as the payload with an empty mime.
func splitDataURL(url string) (mime, data string) {
	const prefix = "data:"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return "", url
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ',' {
			meta := rest[:i]
			if j := bytes.IndexByte([]byte(meta), ';'); j >= 0 {
				meta = meta[:j]
			}
			return meta, rest[i+1:]
		}
	}
	return "", url
}
