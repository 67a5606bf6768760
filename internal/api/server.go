package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/starbooked/merlin/internal/alerts"
	"github.com/starbooked/merlin/internal/blacklist"
	"github.com/starbooked/merlin/internal/domain"
	"github.com/starbooked/merlin/internal/evaluator"
	"github.com/starbooked/merlin/internal/rules"
	"github.com/starbooked/merlin/internal/stats"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(
	cfg domain.ServerConfig,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	catalog *rules.Catalog,
	eval *evaluator.Evaluator,
	bl *blacklist.Store,
	dispatcher *alerts.Dispatcher,
	aggregator *stats.Aggregator,
	version string,
) *Server {
	handler := NewHandler(repo, cache, bus, catalog, eval, bl, dispatcher, aggregator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Booking evaluation
	router.Post("/evaluate", handler.Evaluate)

	// Assessment retrieval and review
	router.Get("/assessments", handler.ListAssessments)
	router.Get("/assessments/{id}", handler.GetAssessment)
	router.Post("/assessments/{id}/review", handler.ReviewAssessment)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Put("/rules/{id}", handler.UpdateRule)
	router.Delete("/rules/{id}", handler.DeleteRule)
	router.Post("/rules/reload", handler.ReloadRules)

	// Blacklist management
	router.Get("/blacklist", handler.ListBlacklistEntries)
	router.Post("/blacklist", handler.AddBlacklistEntry)
	router.Delete("/blacklist", handler.RemoveBlacklistEntry)

	// Alerts
	router.Get("/alerts", handler.ListAlerts)
	router.Post("/alerts/{id}/read", handler.MarkAlertRead)
	router.Post("/alerts/purge", handler.PurgeAlerts)

	// Reporting
	router.Get("/stats", handler.GetStats)

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
