package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/llmgateway/internal/dispatch"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/unified"
)

// maxBodySize bounds inbound request bodies.
const maxBodySize = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.config.Current() == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "loading"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleInference serves the body-addressed dialects: chat and messages.
func (s *Server) handleInference(dialect unified.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			s.writeRequestError(w, dialect, "read_failed", "reading request body: "+err.Error())
			return
		}
		s.dispatcher.Dispatch(r.Context(), w, dispatch.Request{
			Body:          body,
			RequestID:     requestIDFrom(r.Context()),
			ClientDialect: dialect,
			ClientIP:      r.RemoteAddr,
			APIKeyName:    apiKeyNameFrom(r.Context()),
		})
	}
}

// handleGemini serves /v1beta/models/{model}:{action}; the model name and
// streaming mode ride in the URL rather than the body.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelAction := chi.URLParam(r, "modelAction")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok || model == "" {
		s.writeRequestError(w, unified.DialectGemini, "invalid_path",
			"expected /v1beta/models/{model}:{action}")
		return
	}
	stream := strings.Contains(action, "streamGenerateContent")
	if !stream && action != "generateContent" {
		s.writeRequestError(w, unified.DialectGemini, "invalid_action",
			"unsupported action "+action)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeRequestError(w, unified.DialectGemini, "read_failed", "reading request body: "+err.Error())
		return
	}
	s.dispatcher.Dispatch(r.Context(), w, dispatch.Request{
		Body:          body,
		RequestID:     requestIDFrom(r.Context()),
		ClientDialect: unified.DialectGemini,
		ClientIP:      r.RemoteAddr,
		APIKeyName:    apiKeyNameFrom(r.Context()),
		URLModel:      model,
		URLStream:     stream,
	})
}

// modelEntry is one row of the OpenAI-style model listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	entries := []modelEntry{}
	for _, alias := range s.aliases.Aliases() {
		entries = append(entries, modelEntry{
			ID:      alias.ID,
			Object:  "model",
			Created: created,
			OwnedBy: "llmgateway",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// geminiModelEntry is one row of the gemini-style model listing.
type geminiModelEntry struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (s *Server) handleListGeminiModels(w http.ResponseWriter, r *http.Request) {
	entries := []geminiModelEntry{}
	for _, alias := range s.aliases.Aliases() {
		entries = append(entries, geminiModelEntry{
			Name:                       "models/" + alias.ID,
			DisplayName:                alias.ID,
			SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"models": entries})
}

// handleEvents relays the internal event bus as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "events unavailable", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := s.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Kind + "\ndata: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeRequestError(w http.ResponseWriter, dialect unified.Dialect, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	w.Write(transform.FormatError(dialect, "invalid_request_error", code, message, http.StatusBadRequest))
}
