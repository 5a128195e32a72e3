package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Service *service.Service

	// Bus receives queued injections when Async is set
	Bus   domain.EventBus
	Async bool

	// Gatherer backs GET /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer

	Version string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps.Service, deps.Bus, deps.Async, deps.Version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Gatherer != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Group(func(r chi.Router) {
		r.Use(DatasetMiddleware(deps.Service.DatasetID()))

		// Graph views
		r.Get("/snapshot", handler.Snapshot)
		r.Get("/entities/{id}", handler.Entity)
		r.Get("/entities/{id}/history", handler.EntityHistory)
		r.Get("/neighbors", handler.Neighbors)
		r.Get("/clusters", handler.Clusters)
		r.Get("/dashboard", handler.Dashboard)

		// Queries
		r.Post("/query", handler.Query)
		r.Post("/query/parse", handler.ParseQuery)
		r.Get("/counterfactual", handler.Counterfactual)

		// Anomaly injection
		r.Post("/buckets/{t}/transactions", handler.Inject)

		// Alert rules
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Delete("/rules/{id}", handler.DeleteRule)

		// Alerts and audit trail
		r.Get("/alerts", handler.ListAlerts)
		r.Get("/audit/buckets/{t}", handler.BucketAudit)
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
