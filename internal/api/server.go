// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/payout-reconciler/internal/logging"
	"github.com/payout-reconciler/internal/models"
	"github.com/payout-reconciler/internal/service"
	"github.com/payout-reconciler/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// PayoutServiceInterface defines the interface for payout operations
type PayoutServiceInterface interface {
	Submit(ctx context.Context, params service.SubmitParams) (*models.PayoutRequest, error)
	Get(ctx context.Context, id string) (*models.PayoutRequest, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.PayoutRequest, error)
	Cancel(ctx context.Context, id string) error
	ConfirmKYC(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[types.PayoutStatus]int64, error)
}

// ConflictServiceInterface defines the interface for conflict queue operations
type ConflictServiceInterface interface {
	List(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error)
	ResolveManual(ctx context.Context, id, resolvedValue, resolver string) error
}

// StatsServiceInterface defines the interface for reconciliation statistics
type StatsServiceInterface interface {
	Reconciliation(ctx context.Context) (*service.ReconciliationStats, error)
}

// Server represents the HTTP API server.
type Server struct {
	router          *mux.Router
	httpServer      *http.Server
	payoutService   PayoutServiceInterface
	conflictService ConflictServiceInterface
	statsService    StatsServiceInterface
	config          *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	payoutService PayoutServiceInterface,
	conflictService ConflictServiceInterface,
	statsService StatsServiceInterface,
) *Server {
	s := &Server{
		router:          mux.NewRouter(),
		payoutService:   payoutService,
		conflictService: conflictService,
		statsService:    statsService,
		config:          config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Middleware order matters: recovery outermost, rate limiting after CORS
	s.router.Use(RecoveryMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes(rateLimiter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(rateLimiter *RateLimiter) {
	// Operational endpoints, no rate limiting
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(RateLimitMiddleware(rateLimiter))

	// Payout endpoints
	api.HandleFunc("/payouts", s.handleSubmitPayout).Methods("POST")
	api.HandleFunc("/payouts", s.handleListPayouts).Methods("GET")
	api.HandleFunc("/payouts/{id}", s.handleGetPayout).Methods("GET")
	api.HandleFunc("/payouts/{id}", s.handleCancelPayout).Methods("DELETE")
	api.HandleFunc("/payouts/{id}/kyc", s.handleConfirmKYC).Methods("POST")

	// Conflict endpoints
	api.HandleFunc("/conflicts", s.handleListConflicts).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", s.handleResolveConflict).Methods("POST")

	// Reconciliation endpoints
	api.HandleFunc("/reconciliation/stats", s.handleReconciliationStats).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "payout-reconciler",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router, used by tests
func (s *Server) Router() *mux.Router {
	return s.router
}
