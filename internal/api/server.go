// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"

	"github.com/wallet-dashboard/internal/circuitbreaker"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
	"github.com/wallet-dashboard/internal/portfolio"
	"github.com/wallet-dashboard/internal/types"
)

// Service interfaces for dependency injection and testing

// PortfolioService serves valued wallet snapshots
type PortfolioService interface {
	GetPortfolio(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error)
	Refresh(ctx context.Context, w portfolio.Wallet) (*portfolio.Snapshot, error)
}

// HistoryService lists explorer history for an address
type HistoryService interface {
	Supports(chainID types.ChainID) bool
	ListTransactions(ctx context.Context, address string, chainID types.ChainID, limit int) []types.Transaction
	ListTokenTransfers(ctx context.Context, address string, chainID types.ChainID, limit int) []types.TokenTransfer
	RecentActivity(ctx context.Context, address string, chainID types.ChainID, limit int) []types.Activity
}

// ChainLister lists chains that have a balance reader
type ChainLister interface {
	ChainIDs() []types.ChainID
}

// BreakerReporter exposes upstream circuit breaker state
type BreakerReporter interface {
	AllStats() []circuitbreaker.Stats
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	portfolio  PortfolioService
	history    HistoryService
	chains     ChainLister
	breakers   BreakerReporter
	metrics    *metrics.Metrics
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerSecond int // per client IP
	Burst             int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed
	TrustedProxies    []netip.Prefix
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	portfolioService PortfolioService,
	history HistoryService,
	chains ChainLister,
	breakers BreakerReporter,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:    mux.NewRouter(),
		portfolio: portfolioService,
		history:   history,
		chains:    chains,
		breakers:  breakers,
		metrics:   m,
		logger:    logger.Named("api"),
		config:    config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst, s.config.TrustedProxies)

	// order matters
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.metrics))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)
	s.router.NotFoundHandler = http.HandlerFunc(handleNotFound)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = s.router.MethodNotAllowedHandler
	api.Use(RateLimitMiddleware(rateLimiter))
	api.Use(CompressionMiddleware)
	s.setupRoutes(api)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes. Every route also accepts OPTIONS so
// CORSMiddleware can answer browser preflights.
func (s *Server) setupRoutes(api *mux.Router) {
	const wallet = "/chains/{chainId}/wallets/{address}"

	api.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/status/breakers", s.handleBreakers).Methods(http.MethodGet, http.MethodOptions)

	api.HandleFunc(wallet+"/portfolio", s.handleGetPortfolio).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc(wallet+"/portfolio/refresh", s.handleRefreshPortfolio).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc(wallet+"/transactions", s.handleListTransactions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc(wallet+"/token-transfers", s.handleListTokenTransfers).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc(wallet+"/activity", s.handleRecentActivity).Methods(http.MethodGet, http.MethodOptions)
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, fmt.Sprintf("Method %s is not allowed on %s", r.Method, r.URL.Path), nil)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("No route for %s", r.URL.Path), nil)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "wallet-dashboard",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
