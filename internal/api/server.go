// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tip-ledger/internal/models"
	"github.com/tip-ledger/internal/service"
)

// Service interfaces for dependency injection and testing

// WalletServiceInterface defines the account and balance operations.
type WalletServiceInterface interface {
	EnsureUser(ctx context.Context, platformID int64, handle string) (*models.User, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	FindUserByHandle(ctx context.Context, handle string) (*models.User, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	VerifyBalance(ctx context.Context, userID int64) (hybrid, full int64, err error)
	GetOrAssignDepositAddress(ctx context.Context, userID int64) (string, error)
}

// TransferServiceInterface defines the internal transfer operations.
type TransferServiceInterface interface {
	Transfer(ctx context.Context, fromID, toID, amount int64, outReason models.Reason, reference string) (*service.Receipt, error)
}

// WithdrawServiceInterface defines the withdrawal operations.
type WithdrawServiceInterface interface {
	Withdraw(ctx context.Context, userID int64, address string, amount int64) (*models.Withdrawal, error)
	GetWithdrawal(ctx context.Context, id int64) (*models.Withdrawal, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	logger      *zap.Logger
	walletSvc   WalletServiceInterface
	transferSvc TransferServiceInterface
	withdrawSvc WithdrawServiceInterface
	db          Pinger
	cache       Pinger
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance. db and cache are only
// used by the health endpoint and may be nil in tests.
func NewServer(
	config *ServerConfig,
	logger *zap.Logger,
	walletSvc WalletServiceInterface,
	transferSvc TransferServiceInterface,
	withdrawSvc WithdrawServiceInterface,
	db Pinger,
	cache Pinger,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		logger:      logger,
		walletSvc:   walletSvc,
		transferSvc: transferSvc,
		withdrawSvc: withdrawSvc,
		db:          db,
		cache:       cache,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
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
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// User endpoints
	api.HandleFunc("/users/ensure", s.handleEnsureUser).Methods("POST")
	api.HandleFunc("/users/by-handle/{handle}", s.handleGetUserByHandle).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}", s.handleGetUser).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}/balance/verify", s.handleVerifyBalance).Methods("GET")
	api.HandleFunc("/users/{id:[0-9]+}/deposit-address", s.handleDepositAddress).Methods("POST")

	// Transfer endpoints
	api.HandleFunc("/transfers", s.handleCreateTransfer).Methods("POST")

	// Withdrawal endpoints
	api.HandleFunc("/withdrawals", s.handleCreateWithdrawal).Methods("POST")
	api.HandleFunc("/withdrawals/{id:[0-9]+}", s.handleGetWithdrawal).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{}

	for name, p := range map[string]Pinger{"postgres": s.db, "redis": s.cache} {
		if p == nil {
			continue
		}
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}

	respondJSON(w, status, map[string]any{
		"status":  map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"service": "tip-ledger",
		"checks":  checks,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
