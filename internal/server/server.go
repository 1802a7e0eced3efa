// Package server sets up the HTTP router, middleware, and request handlers
// for the gateway's inbound surface.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/dispatch"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/router"
	"github.com/howard-nolan/llmgateway/internal/transform"
	"github.com/howard-nolan/llmgateway/internal/unified"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// Server holds the HTTP router and the dependencies handlers need.
type Server struct {
	router     chi.Router
	config     *config.Manager
	aliases    *router.Router
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collector
	bus        *usagelog.Bus
	logger     *slog.Logger
}

// Options carries the server's collaborators.
type Options struct {
	Config     *config.Manager
	Aliases    *router.Router
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Collector
	Bus        *usagelog.Bus
	Logger     *slog.Logger
	HTTPLog    *httplog.Logger
}

// New wires up routes and middleware and returns the server ready to use as
// an http.Handler.
func New(opts Options) *Server {
	s := &Server{
		config:     opts.Config,
		aliases:    opts.Aliases,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		bus:        opts.Bus,
		logger:     opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.routes(opts.HTTPLog)
	return s
}

func (s *Server) routes(reqLogger *httplog.Logger) {
	r := chi.NewRouter()

	if reqLogger != nil {
		r.Use(httplog.RequestLogger(reqLogger))
	}
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
	}))
	r.Use(requestID)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleInference(unified.DialectChat))
		r.Post("/v1/messages", s.handleInference(unified.DialectMessages))
		r.Post("/v1beta/models/{modelAction}", s.handleGemini)
		r.Get("/v1/models", s.handleListModels)
		r.Get("/v1beta/models", s.handleListGeminiModels)
		r.Get("/v1/events", s.handleEvents)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	apiKeyNameKey contextKey = "api_key_name"
)

// requestID assigns every request a UUID, echoed in the X-Request-Id header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate accepts a bearer token, an x-api-key header, or an
// x-goog-api-key header; an active configured key must match.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("x-goog-api-key")
		if secret == "" {
			secret = r.Header.Get("x-api-key")
		}
		if secret == "" {
			auth := r.Header.Get("Authorization")
			if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
				secret = after
			}
		}
		if secret == "" {
			s.writeAuthError(w, r, "missing credentials")
			return
		}
		cfg := s.config.Current()
		for _, key := range cfg.Auth.Keys {
			if key.Active() && key.Secret == secret {
				ctx := context.WithValue(r.Context(), apiKeyNameKey, key.Name)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		s.writeAuthError(w, r, "invalid credentials")
	})
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, message string) {
	dialect := dialectForPath(r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(transform.FormatError(dialect, "authentication_error", "unauthorized", message, http.StatusUnauthorized))
}

func dialectForPath(path string) unified.Dialect {
	switch {
	case strings.HasPrefix(path, "/v1beta/"):
		return unified.DialectGemini
	case strings.HasPrefix(path, "/v1/messages"):
		return unified.DialectMessages
	}
	return unified.DialectChat
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func apiKeyNameFrom(ctx context.Context) string {
	name, _ := ctx.Value(apiKeyNameKey).(string)
	return name
}
