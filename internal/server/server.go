// Package server wires the engine's protocol surface: the versioned
// REST API, the WebSocket watch stream, and the health probe, behind a
// shared middleware stack.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	v1 "github.com/dkod-io/dkod-engine/internal/api/v1"
	"github.com/dkod-io/dkod-engine/internal/api/ws"
	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/graph"
	"github.com/dkod-io/dkod-engine/internal/server/middleware"
)

// Deps are the engine services the server exposes. Bus and Auth are
// required; a nil Search falls back to the no-op index.
type Deps struct {
	Auth       *auth.Service
	Sessions   v1.SessionService
	Files      v1.FileService
	Changesets v1.ChangesetService
	Verifier   v1.VerifyQueue
	Merger     v1.MergeService
	Pipelines  domain.PipelineRepository
	Symbols    domain.SymbolRepository
	Search     graph.VectorSearch
	Bus        *bus.Bus
}

// Server is the HTTP server that wires all protocol routes and
// middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the
// background goroutines owned by the middleware stack (rate limiter
// eviction); cancel it at shutdown.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	if deps.Search == nil {
		deps.Search = graph.NoOp{}
	}

	s := &Server{
		router: router,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Protocol routes on /v1 in two groups: the unauthenticated token
	// exchange (rate limited per client IP) and everything else behind
	// bearer auth (rate limited per agent).
	router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(ctx, 1, 5))

			authAPI := humachi.New(r, apiConfig("dkod Auth API"))
			v1.RegisterAuthRoutes(authAPI, deps.Auth)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(deps.Auth))
			r.Use(middleware.RateLimitByAgent(ctx, 50, 100))

			api := humachi.New(r, apiConfig("dkod Engine API"))
			registerAPIRoutes(api, deps)
		})
	})

	// WebSocket watch stream. Auth applies; rate limiting does not,
	// a watch is one long-lived request.
	router.Route("/ws/v1", func(r chi.Router) {
		r.Use(middleware.Auth(deps.Auth))
		registerWatchRoutes(r, ws.NewHandler(deps.Bus))
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

func apiConfig(title string) huma.Config {
	cfg := huma.DefaultConfig(title, "1.0.0")
	cfg.Servers = []*huma.Server{{URL: "/v1"}}
	return cfg
}

// Handler returns the wired router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests. Blocks until the server
// stops.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, letting in-flight
// requests drain until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
