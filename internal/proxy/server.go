// Package proxy is the HTTP surface of the gateway.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/access"
	"github.com/raaihank/pii-gateway/internal/chat"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/security"
	"github.com/raaihank/pii-gateway/internal/websocket"
)

// Version is reported by /info
var Version = "0.1.0"

// CompletionService runs a chat completion through the pipeline
type CompletionService interface {
	Complete(ctx context.Context, provider string, req *chat.Request) (*chat.Response, error)
}

// ProviderCatalog lists the configured upstreams
type ProviderCatalog interface {
	Names() []string
	Has(provider string) bool
}

// Deps are the collaborators the server routes to. Hub, Limiter and Metrics
// may be nil.
type Deps struct {
	Completion CompletionService
	Engine     *privacy.Engine
	Policies   policy.Store
	Providers  ProviderCatalog
	Auth       access.Authenticator
	Hub        *websocket.Hub
	Limiter    *security.RateLimiter
	Metrics    *metrics.Metrics
}

// Server represents the gateway HTTP server
type Server struct {
	config *config.Config
	deps   Deps
	logger *logger.Logger
	router *mux.Router
	server *http.Server
}

// New creates a new server and registers its routes
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		logger: log.WithComponent("proxy"),
		router: mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled && s.deps.Metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled && s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.deps.Hub.HandleWebSocket).Methods(http.MethodGet)
	}

	s.router.Handle("/chat/completions",
		s.rateLimitMiddleware(http.HandlerFunc(s.handleCompletions))).Methods(http.MethodPost)

	fsb := s.router.PathPrefix("/fsb/anonymization").Subrouter()
	fsb.Use(access.RequireRole(s.deps.Auth, s.config.Access.AuditRole, s.logger))
	fsb.HandleFunc("/deanonymize", s.handleDeanonymize).Methods(http.MethodPost)
	fsb.HandleFunc("/settings", s.handleListPolicies).Methods(http.MethodGet)
	fsb.HandleFunc("/settings", s.handleCreatePolicy).Methods(http.MethodPost)
	fsb.HandleFunc("/settings/{provider}/{model:.+}", s.handleGetPolicy).Methods(http.MethodGet)
	fsb.HandleFunc("/settings/{provider}/{model:.+}", s.handleUpdatePolicy).Methods(http.MethodPut)
	fsb.HandleFunc("/settings/{provider}/{model:.+}", s.handleDeletePolicy).Methods(http.MethodDelete)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting PII gateway server",
		zap.Int("port", s.config.Server.Port),
		zap.String("default_provider", s.config.Upstream.DefaultProvider),
		zap.Strings("providers", s.deps.Providers.Names()),
		zap.Bool("privacy_enabled", s.config.Privacy.Enabled))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII gateway server")
	return s.server.Shutdown(ctx)
}
