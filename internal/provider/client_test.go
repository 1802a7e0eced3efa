package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/unified"
)

func TestBuildRequestChat(t *testing.T) {
	p := config.ProviderConfig{
		Name:      "openai",
		Endpoints: map[string]string{"chat": "https://api.openai.example/v1/"},
		Auth:      config.ProviderAuth{Type: config.AuthBearer, Secret: "sk-1"},
	}
	req, err := BuildRequest(p, unified.DialectChat, "gpt-test", false, []byte(`{"model":"gpt-test"}`), "rid")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://api.openai.example/v1/chat/completions", req.URL)
	assert.Equal(t, "Bearer sk-1", req.Headers["Authorization"])
	assert.NotContains(t, req.Headers, "Accept")
	assert.NotContains(t, req.Headers, "anthropic-version")
}

func TestBuildRequestMessages(t *testing.T) {
	p := config.ProviderConfig{
		Name:      "anthropic",
		Endpoints: map[string]string{"messages": "https://api.anthropic.example/v1"},
		Auth:      config.ProviderAuth{Type: config.AuthXAPIKey, Secret: "sk-ant"},
	}
	req, err := BuildRequest(p, unified.DialectMessages, "claude-test", true, []byte(`{}`), "rid")
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.example/v1/messages", req.URL)
	assert.Equal(t, "sk-ant", req.Headers["x-api-key"])
	assert.Equal(t, anthropicAPIVersion, req.Headers["anthropic-version"])
	assert.Equal(t, "text/event-stream", req.Headers["Accept"])
	assert.NotContains(t, req.Headers, "Authorization")
}

func TestBuildRequestGemini(t *testing.T) {
	p := config.ProviderConfig{
		Name:      "google",
		Endpoints: map[string]string{"gemini": "https://generativelanguage.example/v1beta"},
		Auth:      config.ProviderAuth{Secret: "sk-g"},
	}
	req, err := BuildRequest(p, unified.DialectGemini, "gemini-test", false, []byte(`{}`), "rid")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.example/v1beta/models/gemini-test:generateContent", req.URL)

	req, err = BuildRequest(p, unified.DialectGemini, "gemini-test", true, []byte(`{}`), "rid")
	require.NoError(t, err)
	assert.Equal(t, "https://generativelanguage.example/v1beta/models/gemini-test:streamGenerateContent?alt=sse", req.URL)
}

func TestBuildRequestMissingEndpoint(t *testing.T) {
	p := config.ProviderConfig{Name: "openai", Endpoints: map[string]string{"chat": "x"}}
	_, err := BuildRequest(p, unified.DialectMessages, "m", false, nil, "rid")
	assert.Error(t, err)
}

func TestBuildRequestCustomHeadersWin(t *testing.T) {
	p := config.ProviderConfig{
		Name:      "custom",
		Endpoints: map[string]string{"chat": "https://llm.example"},
		Auth:      config.ProviderAuth{Secret: "s"},
		Headers:   map[string]string{"Authorization": "Bearer override", "X-Team": "infra"},
	}
	req, err := BuildRequest(p, unified.DialectChat, "m", false, []byte(`{}`), "rid")
	require.NoError(t, err)
	assert.Equal(t, "Bearer override", req.Headers["Authorization"])
	assert.Equal(t, "infra", req.Headers["X-Team"])
}

func TestBuildRequestMergesExtraBody(t *testing.T) {
	p := config.ProviderConfig{
		Name:      "custom",
		Endpoints: map[string]string{"chat": "https://llm.example"},
		ExtraBody: map[string]any{"provider_options.routing": "fallback", "seed": 7},
	}
	req, err := BuildRequest(p, unified.DialectChat, "m", false, []byte(`{"model":"m"}`), "rid")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"m","provider_options":{"routing":"fallback"},"seed":7}`, string(req.Body))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, 7*time.Second, ParseRetryAfter(" 7 "))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.Greater(t, d, 80*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), ParseRetryAfter(past))
}

// vcrClient records upstream traffic into a cassette on the first pass, then
// replays it with the live server gone. The caller stops the recorder to
// flush the cassette before replaying.
func vcrClient(t *testing.T, cassette string, mode recorder.Mode) (*Client, *recorder.Recorder) {
	t.Helper()
	rec, err := recorder.New(cassette, recorder.WithMode(mode))
	require.NoError(t, err)
	c := NewClient(nil)
	c.http = rec.GetDefaultClient()
	return c, rec
}

func TestClientDoRecordReplay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/chat/completions":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":"chatcmpl-1","choices":[]}`))
		case "/v1/limited":
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
		default:
			http.NotFound(w, r)
		}
	}))

	cassette := filepath.Join(t.TempDir(), "upstream")
	call := func(c *Client, path string) *RawResponse {
		resp, err := c.Do(context.Background(), Request{
			Method:    http.MethodPost,
			URL:       upstream.URL + path,
			Body:      []byte(`{"model":"gpt-test"}`),
			Headers:   map[string]string{"Authorization": "Bearer sk-test"},
			RequestID: "rid",
		})
		require.NoError(t, err)
		return resp
	}

	recording, rec := vcrClient(t, cassette, recorder.ModeRecordOnly)
	resp := call(recording, "/v1/chat/completions")
	assert.Equal(t, http.StatusOK, resp.Status)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"id":"chatcmpl-1","choices":[]}`, string(body))

	limited := call(recording, "/v1/limited")
	// Non-2xx is data, not an error.
	assert.Equal(t, http.StatusTooManyRequests, limited.Status)
	assert.Equal(t, 7*time.Second, limited.RetryAfter)
	limited.Body.Close()

	require.NoError(t, rec.Stop())
	upstream.Close()

	replaying, replayRec := vcrClient(t, cassette, recorder.ModeReplayOnly)
	defer replayRec.Stop()
	resp = call(replaying, "/v1/chat/completions")
	assert.Equal(t, http.StatusOK, resp.Status)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"id":"chatcmpl-1","choices":[]}`, string(body))
	assert.False(t, resp.IsStream)
}

func TestClientDoDetectsStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Write([]byte("data: {\"x\":1}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()

	c := NewClient(nil)
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    upstream.URL,
		Body:   []byte(`{}`),
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, resp.IsStream)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "data: [DONE]")
}

func TestClientDoNetworkError(t *testing.T) {
	c := NewClient(nil)
	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    "http://127.0.0.1:1/unreachable",
		Body:   []byte(`{}`),
	})
	assert.Error(t, err)
}
