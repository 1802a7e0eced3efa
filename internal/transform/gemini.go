package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/unified"
)

// GeminiTransformer implements the Google generateContent dialect. The model
// name and streaming flag live in the URL path for this dialect, so
// ParseRequest leaves Request.Model empty and Request.Stream false; the
// dispatcher fills both from the route.
type GeminiTransformer struct{}

func (t *GeminiTransformer) Dialect() unified.Dialect { return unified.DialectGemini }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	ToolConfig        json.RawMessage  `json:"toolConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	ThoughtSignature string                  `json:"thoughtSignature,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FileData         *geminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens    int                   `json:"maxOutputTokens,omitempty"`
	Temperature        *float64              `json:"temperature,omitempty"`
	TopP               *float64              `json:"topP,omitempty"`
	StopSequences      []string              `json:"stopSequences,omitempty"`
	ResponseMimeType   string                `json:"responseMimeType,omitempty"`
	ResponseModalities []string              `json:"responseModalities,omitempty"`
	ThinkingConfig     *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig        json.RawMessage       `json:"imageConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates,omitempty"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
	Index        int            `json:"index,omitempty"`
}

// ---------------------------------------------------------------------------
// Finish reason mapping
// ---------------------------------------------------------------------------

func geminiFinishToUnified(s string) string {
	switch s {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	case "":
		return ""
	}
	return strings.ToLower(s)
}

func unifiedFinishToGemini(s string) string {
	switch s {
	case "stop", "tool_calls", "":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "content_filter":
		return "SAFETY"
	}
	return strings.ToUpper(s)
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

func (t *GeminiTransformer) ParseRequest(raw []byte) (*unified.Request, error) {
	var gr geminiRequest
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("parsing gemini request: %w", err)
	}
	if len(gr.Contents) == 0 {
		return nil, fmt.Errorf("gemini request missing contents")
	}

	req := &unified.Request{ToolChoice: gr.ToolConfig}
	if gc := gr.GenerationConfig; gc != nil {
		req.MaxTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.Stop = gc.StopSequences
		req.Modalities = gc.ResponseModalities
		req.ImageConfig = gc.ImageConfig
		if gc.ResponseMimeType == "application/json" {
			req.ResponseFormat = json.RawMessage(`{"type":"json_object"}`)
		}
		if tc := gc.ThinkingConfig; tc != nil {
			req.Reasoning = &unified.Reasoning{
				MaxTokens: tc.ThinkingBudget,
				Exclude:   !tc.IncludeThoughts,
			}
		}
	}
	for _, tool := range gr.Tools {
		for _, decl := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, unified.Tool{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}
	if gr.SystemInstruction != nil {
		msg := unified.Message{Role: "system", Parts: geminiPartsToUnified(gr.SystemInstruction.Parts)}
		if len(msg.Parts) > 0 {
			req.Messages = append(req.Messages, msg)
		}
	}
	for _, c := range gr.Contents {
		role := c.Role
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		req.Messages = append(req.Messages, unified.Message{
			Role:  role,
			Parts: geminiPartsToUnified(c.Parts),
		})
	}
	return req, nil
}

func geminiPartsToUnified(parts []geminiPart) []unified.Part {
	var out []unified.Part
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			out = append(out, unified.Part{Type: unified.PartToolCall, ToolCall: &unified.ToolCall{
				Name:      p.FunctionCall.Name,
				Arguments: args,
			}, Signature: p.ThoughtSignature})
		case p.FunctionResponse != nil:
			out = append(out, unified.Part{Type: unified.PartToolResult, ToolResult: &unified.ToolResult{
				ToolCallID: p.FunctionResponse.Name,
				Content:    string(p.FunctionResponse.Response),
			}})
		case p.InlineData != nil:
			out = append(out, unified.Part{
				Type:      unified.PartImage,
				MimeType:  p.InlineData.MimeType,
				ImageData: p.InlineData.Data,
			})
		case p.FileData != nil:
			out = append(out, unified.Part{
				Type:     unified.PartImage,
				MimeType: p.FileData.MimeType,
				ImageURL: p.FileData.FileURI,
			})
		case p.Thought:
			out = append(out, unified.Part{Type: unified.PartReasoning, Text: p.Text, Signature: p.ThoughtSignature})
		case p.Text != "":
			out = append(out, unified.Part{Type: unified.PartText, Text: p.Text})
		}
	}
	return out
}

func (t *GeminiTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	gr := geminiRequest{ToolConfig: req.ToolChoice}

	gc := &geminiGenConfig{
		MaxOutputTokens:    req.MaxTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		StopSequences:      req.Stop,
		ResponseModalities: req.Modalities,
		ImageConfig:        req.ImageConfig,
	}
	if len(req.ResponseFormat) > 0 && strings.Contains(string(req.ResponseFormat), "json") {
		gc.ResponseMimeType = "application/json"
	}
	if req.Reasoning != nil {
		gc.ThinkingConfig = &geminiThinkingConfig{
			IncludeThoughts: !req.Reasoning.Exclude,
		}
		if req.Reasoning.MaxTokens > 0 {
			gc.ThinkingConfig.ThinkingBudget = req.Reasoning.MaxTokens
		} else if req.Reasoning.Effort != "" {
			gc.ThinkingConfig.ThinkingBudget = effortToBudget(req.Reasoning.Effort)
		}
	}
	if gc.MaxOutputTokens != 0 || gc.Temperature != nil || gc.TopP != nil ||
		len(gc.StopSequences) > 0 || gc.ResponseMimeType != "" ||
		len(gc.ResponseModalities) > 0 || gc.ThinkingConfig != nil || len(gc.ImageConfig) > 0 {
		gr.GenerationConfig = gc
	}

	if len(req.Tools) > 0 {
		tool := geminiTool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, geminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		gr.Tools = []geminiTool{tool}
	}

	for _, msg := range req.Messages {
		parts := unifiedPartsToGemini(msg.Parts)
		if len(parts) == 0 {
			continue
		}
		switch msg.Role {
		case "system":
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{Parts: parts}
			} else {
				gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, parts...)
			}
		case "assistant":
			gr.Contents = append(gr.Contents, geminiContent{Role: "model", Parts: parts})
		default:
			gr.Contents = append(gr.Contents, geminiContent{Role: "user", Parts: parts})
		}
	}
	return json.Marshal(gr)
}

func unifiedPartsToGemini(parts []unified.Part) []geminiPart {
	var out []geminiPart
	for _, p := range parts {
		switch p.Type {
		case unified.PartText:
			out = append(out, geminiPart{Text: p.Text})
		case unified.PartReasoning:
			out = append(out, geminiPart{Text: p.Text, Thought: true, ThoughtSignature: p.Signature})
		case unified.PartImage:
			if p.ImageData != "" {
				out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: p.MimeType, Data: p.ImageData}})
			} else if p.ImageURL != "" {
				out = append(out, geminiPart{FileData: &geminiFileData{MimeType: p.MimeType, FileURI: p.ImageURL}})
			}
		case unified.PartToolCall:
			if p.ToolCall == nil {
				continue
			}
			args := json.RawMessage(p.ToolCall.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			out = append(out, geminiPart{
				FunctionCall:     &geminiFunctionCall{Name: p.ToolCall.Name, Args: args},
				ThoughtSignature: p.Signature,
			})
		case unified.PartToolResult:
			if p.ToolResult == nil {
				continue
			}
			resp := json.RawMessage(p.ToolResult.Content)
			if !json.Valid(resp) {
				wrapped, _ := json.Marshal(map[string]string{"result": p.ToolResult.Content})
				resp = wrapped
			}
			out = append(out, geminiPart{
				FunctionResponse: &geminiFunctionResponse{Name: p.ToolResult.ToolCallID, Response: resp},
			})
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Response
// ---------------------------------------------------------------------------

func (t *GeminiTransformer) ParseResponse(raw []byte) (*unified.Response, error) {
	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("parsing gemini response: %w", err)
	}
	resp := &unified.Response{ID: gr.ResponseID, Model: gr.ModelVersion}
	if gr.UsageMetadata != nil {
		resp.Usage = geminiUsageToUnified(*gr.UsageMetadata)
	}
	if len(gr.Candidates) == 0 {
		return resp, nil
	}
	cand := gr.Candidates[0]
	resp.FinishReason = geminiFinishToUnified(cand.FinishReason)
	if cand.Content == nil {
		return resp, nil
	}
	var content, reasoning string
	var hasText, hasThink bool
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := "{}"
			if len(p.FunctionCall.Args) > 0 {
				args = string(p.FunctionCall.Args)
			}
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
		case p.InlineData != nil:
			resp.Images = append(resp.Images, unified.ImageOutput{
				MimeType: p.InlineData.MimeType,
				Data:     p.InlineData.Data,
			})
		case p.Thought:
			reasoning += p.Text
			hasThink = true
		case p.Text != "":
			content += p.Text
			hasText = true
		}
	}
	if hasText {
		resp.Content = &content
	}
	if hasThink {
		resp.Reasoning = &reasoning
	}
	if len(resp.ToolCalls) > 0 && resp.FinishReason == "stop" {
		resp.FinishReason = "tool_calls"
	}
	return resp, nil
}

func (t *GeminiTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	content := &geminiContent{Role: "model"}
	if resp.Reasoning != nil {
		content.Parts = append(content.Parts, geminiPart{Text: *resp.Reasoning, Thought: true})
	}
	if resp.Content != nil {
		content.Parts = append(content.Parts, geminiPart{Text: *resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		args := json.RawMessage(tc.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		content.Parts = append(content.Parts, geminiPart{
			FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
		})
	}
	for _, img := range resp.Images {
		content.Parts = append(content.Parts, geminiPart{
			InlineData: &geminiBlob{MimeType: img.MimeType, Data: img.Data},
		})
	}
	gr := geminiResponse{
		Candidates: []geminiCandidate{{
			Content:      content,
			FinishReason: unifiedFinishToGemini(resp.FinishReason),
		}},
		ModelVersion: resp.Model,
		ResponseID:   resp.ID,
	}
	if !resp.Usage.IsZero() {
		u := unifiedUsageToGemini(resp.Usage)
		gr.UsageMetadata = &u
	}
	return json.Marshal(gr)
}

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

func geminiUsageToUnified(u geminiUsage) unified.Usage {
	out := unified.Usage{
		InputTokens:     u.PromptTokenCount,
		OutputTokens:    u.CandidatesTokenCount,
		TotalTokens:     u.TotalTokenCount,
		ReasoningTokens: u.ThoughtsTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens + out.ReasoningTokens
	}
	return out
}

func unifiedUsageToGemini(u unified.Usage) geminiUsage {
	return geminiUsage{
		PromptTokenCount:        u.InputTokens,
		CandidatesTokenCount:    u.OutputTokens,
		TotalTokenCount:         u.TotalTokens,
		ThoughtsTokenCount:      u.ReasoningTokens,
		CachedContentTokenCount: u.CacheReadTokens,
	}
}

func (t *GeminiTransformer) ParseUsage(raw []byte) (unified.Usage, error) {
	var u geminiUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return unified.Usage{}, fmt.Errorf("parsing gemini usage: %w", err)
	}
	return geminiUsageToUnified(u), nil
}

func (t *GeminiTransformer) FormatUsage(u unified.Usage) ([]byte, error) {
	return json.Marshal(unifiedUsageToGemini(u))
}

// ---------------------------------------------------------------------------
// Streaming
// ---------------------------------------------------------------------------

// geminiDecodeState numbers function calls across the stream so tool deltas
// carry stable ascending indexes.
type geminiDecodeState struct {
	nextTool int
}

func (st *geminiDecodeState) decode(data string) *unified.StreamEvent {
	var gr geminiResponse
	if err := json.Unmarshal([]byte(data), &gr); err != nil {
		return nil
	}
	ev := &unified.StreamEvent{ID: gr.ResponseID, Model: gr.ModelVersion}
	if gr.UsageMetadata != nil {
		u := geminiUsageToUnified(*gr.UsageMetadata)
		ev.Usage = &u
	}
	if len(gr.Candidates) > 0 {
		cand := gr.Candidates[0]
		if cand.FinishReason != "" {
			reason := geminiFinishToUnified(cand.FinishReason)
			ev.FinishReason = &reason
		}
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					args := "{}"
					if len(p.FunctionCall.Args) > 0 {
						args = string(p.FunctionCall.Args)
					}
					ev.Delta.ToolCalls = append(ev.Delta.ToolCalls, unified.ToolCallDelta{
						Index:     st.nextTool,
						Type:      "function",
						Name:      p.FunctionCall.Name,
						Arguments: args,
					})
					st.nextTool++
				case p.Thought:
					ev.Delta.Reasoning += p.Text
				default:
					ev.Delta.Content += p.Text
				}
			}
		}
		if ev.FinishReason != nil && *ev.FinishReason == "stop" && len(ev.Delta.ToolCalls) > 0 {
			reason := "tool_calls"
			ev.FinishReason = &reason
		}
	}
	return ev
}

func (t *GeminiTransformer) TransformStream(ctx context.Context, r io.Reader) <-chan unified.StreamEvent {
	out := make(chan unified.StreamEvent)
	go func() {
		defer close(out)
		st := &geminiDecodeState{}
		_ = forEachFrame(r, func(f sseFrame) bool {
			ev := st.decode(f.data)
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

// geminiToolBuffer accumulates fragmented tool-call arguments; the gemini
// dialect requires complete functionCall objects, so fragments buffer until
// stream end.
type geminiToolBuffer struct {
	name string
	args strings.Builder
}

func (t *GeminiTransformer) FormatStream(ctx context.Context, events <-chan unified.StreamEvent, w io.Writer) error {
	var model, id string
	var finish *string
	var usage *unified.Usage
	tools := make(map[int]*geminiToolBuffer)
	var toolOrder []int

	emitFrame := func(gr geminiResponse) error {
		raw, err := json.Marshal(gr)
		if err != nil {
			return err
		}
		return writeFrame(w, "", string(raw))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				// Terminal frame: buffered tool calls, finish reason, usage.
				final := geminiResponse{ModelVersion: model, ResponseID: id}
				content := &geminiContent{Role: "model"}
				for _, i := range toolOrder {
					buf := tools[i]
					args := json.RawMessage(buf.args.String())
					if !json.Valid(args) || len(args) == 0 {
						args = json.RawMessage("{}")
					}
					content.Parts = append(content.Parts, geminiPart{
						FunctionCall: &geminiFunctionCall{Name: buf.name, Args: args},
					})
				}
				reason := "STOP"
				if finish != nil {
					reason = unifiedFinishToGemini(*finish)
				}
				cand := geminiCandidate{FinishReason: reason}
				if len(content.Parts) > 0 {
					cand.Content = content
				}
				final.Candidates = []geminiCandidate{cand}
				if usage != nil {
					u := unifiedUsageToGemini(*usage)
					final.UsageMetadata = &u
				}
				return emitFrame(final)
			}

			if model == "" {
				model = ev.Model
			}
			if id == "" {
				id = ev.ID
			}
			if ev.FinishReason != nil && *ev.FinishReason != "" {
				reason := *ev.FinishReason
				finish = &reason
			}
			if ev.Usage != nil {
				u := *ev.Usage
				usage = &u
			}
			for _, tc := range ev.Delta.ToolCalls {
				buf, ok := tools[tc.Index]
				if !ok {
					buf = &geminiToolBuffer{}
					tools[tc.Index] = buf
					toolOrder = append(toolOrder, tc.Index)
				}
				if tc.Name != "" {
					buf.name = tc.Name
				}
				buf.args.WriteString(tc.Arguments)
			}

			if ev.Delta.Content == "" && ev.Delta.Reasoning == "" {
				continue
			}
			content := &geminiContent{Role: "model"}
			if ev.Delta.Reasoning != "" {
				content.Parts = append(content.Parts, geminiPart{Text: ev.Delta.Reasoning, Thought: true})
			}
			if ev.Delta.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: ev.Delta.Content})
			}
			if err := emitFrame(geminiResponse{
				Candidates:   []geminiCandidate{{Content: content}},
				ModelVersion: model,
				ResponseID:   id,
			}); err != nil {
				return err
			}
		}
	}
}

func (t *GeminiTransformer) ReconstructStream(raw []byte) *unified.Response {
	acc := newStreamAccumulator()
	st := &geminiDecodeState{}
	_ = forEachFrame(bytes.NewReader(raw), func(f sseFrame) bool {
		if ev := st.decode(f.data); ev != nil {
			acc.add(*ev)
		}
		return true
	})
	return acc.response()
}
