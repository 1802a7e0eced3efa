package unified

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	cases := map[string]Dialect{
		"chat":      DialectChat,
		"openai":    DialectChat,
		"messages":  DialectMessages,
		"anthropic": DialectMessages,
		"claude":    DialectMessages,
		"gemini":    DialectGemini,
		"google":    DialectGemini,
	}
	for name, want := range cases {
		d, ok := ParseDialect(name)
		require.True(t, ok, name)
		assert.Equal(t, want, d)
	}

	_, ok := ParseDialect("grpc")
	assert.False(t, ok)
}

func TestDialectString(t *testing.T) {
	assert.Equal(t, "chat", DialectChat.String())
	assert.Equal(t, "messages", DialectMessages.String())
	assert.Equal(t, "gemini", DialectGemini.String())
	assert.Equal(t, "unknown", Dialect(200).String())
}

func TestMessageText(t *testing.T) {
	m := Message{Role: "assistant", Parts: []Part{
		{Type: PartReasoning, Text: "thinking"},
		{Type: PartText, Text: "hello "},
		{Type: PartText, Text: "world"},
	}}
	assert.Equal(t, "hello world", m.Text())
}

func TestUsageIsZero(t *testing.T) {
	assert.True(t, Usage{}.IsZero())
	assert.False(t, Usage{InputTokens: 1}.IsZero())
}
