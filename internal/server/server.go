// Package server exposes the gateway over HTTP: the OpenAI-compatible chat
// completion endpoint and the interaction audit API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tollgate-ai/tollgate/internal/auth"
	"github.com/tollgate-ai/tollgate/internal/storage"
)

// Options configures the HTTP server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Authenticator  *auth.Authenticator
	Gateway        ChatExecutor
	Store          storage.InteractionStore
}

type Server struct {
	Router *chi.Mux
	logger *slog.Logger
	http   *http.Server
}

// New builds the router with the standard middleware stack and mounts the
// API. The health endpoint is unauthenticated; everything under /v1 requires
// an API key.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	handlers := &Handlers{Gateway: opts.Gateway, Store: opts.Store, Logger: logger}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(timeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tollgate")
	})

	r.Get("/healthz", handlers.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		if opts.Authenticator != nil {
			r.Use(AuthMiddleware(opts.Authenticator))
		}
		r.Post("/chat/completions", handlers.handleChatCompletions)
		r.Get("/interactions", handlers.handleListInteractions)
		r.Get("/interactions/{id}", handlers.handleGetInteraction)
		r.Get("/agents/{id}/interactions", handlers.handleAgentInteractions)
	})

	return &Server{
		Router: r,
		logger: logger,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", opts.Port),
			Handler: r,
		},
	}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
