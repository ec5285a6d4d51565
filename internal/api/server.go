// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coffee-change/internal/events"
	"github.com/coffee-change/internal/logging"
	"github.com/coffee-change/internal/models"
	"github.com/coffee-change/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service interfaces for dependency injection and testing

// RegistryAPI manages monitored wallets
type RegistryAPI interface {
	Register(ctx context.Context, address string, label, walletID *string) (*service.RegistrationResult, error)
	Lookup(ctx context.Context, address string) (*models.MonitoredAddress, error)
	Deactivate(ctx context.Context, address string) error
	List(ctx context.Context) ([]*models.MonitoredAddress, error)
}

// IngestionAPI ledgers webhook deliveries
type IngestionAPI interface {
	AcceptsTag(tag string) bool
	ProcessPayload(ctx context.Context, p *events.Payload) (*service.IngestResult, error)
}

// SettlementAPI settles round-ups
type SettlementAPI interface {
	SettleForUser(ctx context.Context, req service.SettleRequest) (*service.SettlementResult, error)
	SettleAllPending(ctx context.Context, userAddress string) (*service.BatchResult, error)
	RecordExternalSettlement(ctx context.Context, userAddress, stakingTxHash, amountRaw string) (*service.ExternalSettlementResult, error)
	Status(ctx context.Context, entryID string) (*service.EntryStatus, error)
}

// SummaryAPI serves dashboard aggregates
type SummaryAPI interface {
	Summary(ctx context.Context, userAddress string) (*service.UserSummary, error)
}

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	registry   RegistryAPI
	ingestion  IngestionAPI
	settlement SettlementAPI
	summary    SummaryAPI
	checks     map[string]HealthCheck
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	WebhookSecret        string
	WebhookSkipSignature bool          // Development only
	WebhookTimeout       time.Duration // Bounds registry and ledger calls per delivery

	RateLimitRPS   float64 // Per client, management routes only
	RateLimitBurst int
}

// NewServer creates a new API server instance. checks may be nil.
func NewServer(
	config *ServerConfig,
	registry RegistryAPI,
	ingestion IngestionAPI,
	settlement SettlementAPI,
	summary SummaryAPI,
	checks map[string]HealthCheck,
) *Server {
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = 10 * time.Second
	}
	s := &Server{
		router:     mux.NewRouter(),
		registry:   registry,
		ingestion:  ingestion,
		settlement: settlement,
		summary:    summary,
		checks:     checks,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Order matters: logging sees the final status, recovery runs inside it
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Preflights must match a route before router middleware runs; CORSMiddleware answers them
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// The notifier retries on its own schedule, so the webhook is not rate limited
	s.router.HandleFunc("/api/webhook/moralis", s.handleMoralisWebhook).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)))
	api.Use(CompressionMiddleware)

	// Wallet registry
	api.HandleFunc("/wallets", s.handleRegisterWallet).Methods("POST")
	api.HandleFunc("/wallets", s.handleListWallets).Methods("GET")
	api.HandleFunc("/wallets/{address}", s.handleGetWallet).Methods("GET")
	api.HandleFunc("/wallets/{address}", s.handleDeactivateWallet).Methods("DELETE")

	// Settlement
	api.HandleFunc("/settlements", s.handleSettle).Methods("POST")
	api.HandleFunc("/settlements/pending", s.handleSettlePending).Methods("POST")
	api.HandleFunc("/settlements/external", s.handleExternalSettlement).Methods("POST")
	api.HandleFunc("/settlements/{ledgerEntryId}", s.handleSettlementStatus).Methods("GET")

	// Dashboard
	api.HandleFunc("/users/{address}/summary", s.handleUserSummary).Methods("GET")
}

// Handler exposes the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports liveness plus the state of each dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       health,
		"service":      "coffee-change",
		"dependencies": deps,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
