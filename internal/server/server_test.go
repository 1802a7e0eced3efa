package server

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/cooldown"
	"github.com/howard-nolan/llmgateway/internal/dispatch"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/router"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	yaml := fmt.Sprintf(`
auth:
  keys:
    - name: team-a
      secret: sk-valid
    - name: retired
      secret: sk-old
      enabled: false
providers:
  - name: anthropic
    dialects: [messages]
    endpoints:
      messages: %s
aliases:
  - id: default
    aliases: [claude-fast]
    targets:
      - provider: anthropic
        model: claude-test
`, upstreamURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	mgr, err := config.NewManager(path, slog.Default())
	require.NoError(t, err)
	cfg := mgr.Current()

	aliases := router.New(cfg)
	collector := metrics.NewCollector(time.Minute)
	bus := usagelog.NewBus()
	usageLogger := usagelog.NewLogger(usagelog.NewMemoryUsageStore(), usagelog.NewMemoryErrorStore(), bus, nil)

	dispatcher := dispatch.New(dispatch.Options{
		Config:    mgr,
		Router:    aliases,
		Registry:  transform.NewRegistry(),
		Cooldowns: cooldown.NewManager(cooldown.Options{}),
		Metrics:   collector,
		Client:    provider.NewClient(nil),
		Usage:     usageLogger,
		Debug:     usagelog.NewMemoryDebugStore(),
		Rand:      rand.New(rand.NewSource(1)),
	})
	return New(Options{
		Config:     mgr,
		Aliases:    aliases,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Bus:        bus,
	})
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.GetBytes(w.Body.Bytes(), "status").String())

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", gjson.GetBytes(w.Body.Bytes(), "status").String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	// No credentials.
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())

	// Wrong key.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer sk-wrong")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Disabled key.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer sk-old")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthErrorEnvelopeMatchesPathDialect(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "error", gjson.GetBytes(w.Body.Bytes(), "type").String())
	assert.Equal(t, "authentication_error", gjson.GetBytes(w.Body.Bytes(), "error.type").String())

	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", strings.NewReader("{}")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int64(401), gjson.GetBytes(w.Body.Bytes(), "error.code").Int())
	assert.Equal(t, "authentication_error", gjson.GetBytes(w.Body.Bytes(), "error.status").String())
}

func TestGoogleAPIKeyHeaderAccepted(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	req.Header.Set("x-goog-api-key", "sk-valid")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnthropicAPIKeyHeaderAccepted(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "sk-valid")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeminiPathParsing(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	// Missing action separator.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/justmodel", strings.NewReader("{}"))
	req.Header.Set("x-goog-api-key", "sk-valid")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown action.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1beta/models/m:countTokens", strings.NewReader("{}"))
	req.Header.Set("x-goog-api-key", "sk-valid")
	s.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "countTokens")
}

func TestListModels(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.Bytes()
	assert.Equal(t, "list", gjson.GetBytes(body, "object").String())
	assert.Equal(t, "default", gjson.GetBytes(body, "data.0.id").String())
	assert.Equal(t, "llmgateway", gjson.GetBytes(body, "data.0.owned_by").String())

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1beta/models", nil)
	req.Header.Set("Authorization", "Bearer sk-valid")
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.Bytes()
	assert.Equal(t, "models/default", gjson.GetBytes(body, "models.0.name").String())
	assert.Contains(t, gjson.GetBytes(body, "models.0.supportedGenerationMethods").String(), "streamGenerateContent")
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, "http://unused.example")

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-custom")
	s.ServeHTTP(w, req)
	assert.Equal(t, "req-custom", w.Header().Get("X-Request-Id"))
}

func TestInferenceRoutesToDispatcher(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":1,"output_tokens":2}}`))
	}))
	defer upstream.Close()

	s := newTestServer(t, upstream.URL)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model": "claude-fast", "max_tokens": 16, "messages": [{"role": "user", "content": "hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-valid")
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", gjson.GetBytes(w.Body.Bytes(), "content.0.text").String())
}
