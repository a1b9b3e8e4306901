// Package api exposes the scoring pipeline over HTTP: analysis, score and
// anomaly retrieval, rule administration, and fraud-case handling.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, fraudSvc *fraud.Service, engine *rules.Engine, version string) *Server {
	handler := NewHandler(repo, cache, bus, fraudSvc, engine, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Scoring
		r.Post("/analyze", handler.Analyze)
		r.Post("/analyze/user", handler.AnalyzeUser)
		r.Post("/indicators", handler.Indicators)

		// Score retrieval and recalculation
		r.Get("/scores/{id}", handler.GetScore)
		r.Post("/scores/{id}/recalculate", handler.RecalculateScore)

		// Transactions and their anomaly detections
		r.Get("/transactions/{id}", handler.GetTransaction)
		r.Get("/transactions/{id}/anomalies", handler.ListAnomalies)

		// Profile and device lookups
		r.Get("/profiles/{userId}", handler.GetProfile)
		r.Get("/devices/{hash}", handler.GetDevice)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Fraud cases
		r.Get("/cases", handler.ListCases)
		r.Post("/cases/{id}/resolve", handler.ResolveCase)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
