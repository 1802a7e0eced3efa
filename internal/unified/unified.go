// Package unified defines the dialect-neutral request, response, usage, and
// stream-event types that every transformer parses into and formats from.
// The rest of the gateway (dispatcher, usage logger, reconstruction) works
// exclusively with these types, so no component outside the transformers
// needs to know any provider's wire format.
package unified

import "encoding/json"

// Dialect identifies one of the supported API shapes.
type Dialect uint8

const (
	// DialectChat is the OpenAI chat-completions shape.
	DialectChat Dialect = iota
	// DialectMessages is the Anthropic messages shape.
	DialectMessages
	// DialectGemini is the Google generateContent shape.
	DialectGemini

	numDialects
)

// NumDialects is the number of supported dialects; the transformer registry
// is a dense array of this size indexed by Dialect.
const NumDialects = int(numDialects)

func (d Dialect) String() string {
	switch d {
	case DialectChat:
		return "chat"
	case DialectMessages:
		return "messages"
	case DialectGemini:
		return "gemini"
	}
	return "unknown"
}

// ParseDialect maps a config or API string to a Dialect.
func ParseDialect(s string) (Dialect, bool) {
	switch s {
	case "chat", "openai":
		return DialectChat, true
	case "messages", "anthropic", "claude":
		return DialectMessages, true
	case "gemini", "google":
		return DialectGemini, true
	}
	return 0, false
}

// Part kinds within a message.
const (
	PartText       = "text"
	PartImage      = "image"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
	PartReasoning  = "reasoning"
)

// Part is one piece of a message's content. Exactly one of the payload
// fields is meaningful for a given Type.
type Part struct {
	Type string

	// Text carries text and reasoning content.
	Text string

	// Image payload: either a URL or inline base64 data with a mime type.
	ImageURL  string
	ImageData string
	MimeType  string

	// ToolCall is set when Type == PartToolCall.
	ToolCall *ToolCall

	// ToolResult is set when Type == PartToolResult.
	ToolResult *ToolResult

	// Signature carries a provider reasoning signature (Gemini
	// thoughtSignature, Anthropic thinking signature) so it survives a
	// round trip through the pivot format.
	Signature string
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON string exactly as accumulated from the wire; it is never parsed
// and re-serialized, which keeps streamed fragments byte-faithful.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the client-supplied outcome of an earlier tool call.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one turn of the conversation.
type Message struct {
	Role  string // "system", "user", "assistant", "tool"
	Parts []Part
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Tool is a function definition offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Reasoning is the dialect-neutral thinking directive.
type Reasoning struct {
	// Effort is the chat-style effort level ("low", "medium", "high").
	Effort string
	// MaxTokens is the messages/gemini-style thinking budget.
	MaxTokens int
	// Exclude requests that reasoning not be returned to the client.
	Exclude bool
}

// Request is the pivot format every dialect parses into and formats from.
type Request struct {
	Model            string
	Messages         []Message
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stop             []string
	Stream           bool
	Tools            []Tool
	// ToolChoice is kept as raw JSON; its shape is dialect-specific and the
	// transformers map the common cases ("auto", "none", forced function).
	ToolChoice     json.RawMessage
	Reasoning      *Reasoning
	ResponseFormat json.RawMessage
	Modalities     []string
	ImageConfig    json.RawMessage
	LogitBias      map[string]float64
	User           string
}

// Usage is the dialect-neutral token accounting block. All counts are
// non-negative; Total is input + output (+ reasoning where the dialect counts
// reasoning separately from output).
type Usage struct {
	InputTokens         int
	OutputTokens        int
	TotalTokens         int
	ReasoningTokens     int
	CacheReadTokens     int
	CacheCreationTokens int
}

// IsZero reports whether no counts were observed.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// ImageOutput is one generated image in a response.
type ImageOutput struct {
	MimeType string
	Data     string // base64
}

// Response is the pivot format for a complete (non-streaming or
// reconstructed) model response.
type Response struct {
	ID           string
	Model        string
	Created      int64
	Content      *string
	Reasoning    *string
	ToolCalls    []ToolCall
	Images       []ImageOutput
	FinishReason string
	Usage        Usage
}

// ToolCallDelta is a streamed tool-call fragment. Fragments with the same
// Index belong to one call; Arguments strings concatenate in arrival order.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Delta is the incremental payload of one stream event.
type Delta struct {
	Role      string
	Content   string
	Reasoning string
	ToolCalls []ToolCallDelta
}

// StreamEvent is one dialect-neutral streaming event. FinishReason is nil
// until the final content event; Usage is present only on the terminal
// accounting event.
type StreamEvent struct {
	ID           string
	Model        string
	Created      int64
	Delta        Delta
	FinishReason *string
	Usage        *Usage
}
