// Package server exposes the reward and settlement engines over HTTP, plus
// migration progress, deploy config, metrics and an engine event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/perpops/internal/crypto"
	"github.com/alanyoungcy/perpops/internal/domain"
	"github.com/alanyoungcy/perpops/internal/server/handler"
	"github.com/alanyoungcy/perpops/internal/server/middleware"
	"github.com/alanyoungcy/perpops/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// APIKey is a comma-separated list of accepted keys; empty disables
	// authentication.
	APIKey string

	// RateLimit requests per RateWindow per client IP; zero disables it.
	// MutationRateLimit is the separate budget for POST and DELETE.
	RateLimit         int
	MutationRateLimit int
	RateWindow        time.Duration
	TrustProxyHeaders bool
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Rewards    *handler.RewardHandler
	Markets    *handler.MarketHandler
	Migrations *handler.MigrationHandler
	Config     *handler.ConfigHandler
	Events     *handler.EventHandler
	Metrics    http.Handler
}

// Options are the optional collaborators of the server.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Signer   *crypto.RequestSigner
	Recorder middleware.Recorder
	// Wallet recovers the account behind mutating requests; nil uses
	// DefaultWalletSkew.
	Wallet *crypto.WalletVerifier
}

// DefaultWalletSkew bounds the age of a wallet-signed request.
const DefaultWalletSkew = 5 * time.Minute

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// The chain is, outermost first: CORS, logging, rate limit, auth, signature,
// wallet.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if h := handlers.Rewards; h != nil {
		mux.HandleFunc("GET /api/rewards", h.GetPool)
		mux.HandleFunc("POST /api/rewards/notify", h.Notify)
		mux.HandleFunc("GET /api/rewards/stakers/{staker}", h.GetStaker)
		mux.HandleFunc("POST /api/rewards/stakers/{staker}/checkpoint", h.Checkpoint)
		mux.HandleFunc("POST /api/rewards/stakers/{staker}/withdraw", h.Withdraw)
	}

	if h := handlers.Markets; h != nil {
		mux.HandleFunc("GET /api/markets", h.ListMarkets)
		mux.HandleFunc("GET /api/markets/{market}", h.GetMarket)
		mux.HandleFunc("POST /api/markets/{market}/shutdown", h.Shutdown)
		mux.HandleFunc("GET /api/markets/{market}/positions", h.ListPositions)
		mux.HandleFunc("POST /api/markets/{market}/positions", h.OpenPosition)
		mux.HandleFunc("GET /api/markets/{market}/positions/{trader}", h.GetPosition)
		mux.HandleFunc("DELETE /api/markets/{market}/positions/{trader}", h.ClosePosition)
		mux.HandleFunc("POST /api/markets/{market}/positions/{trader}/settle", h.SettlePosition)
		mux.HandleFunc("POST /api/insurance-fund/shutdown", h.ShutdownAll)
	}

	if h := handlers.Migrations; h != nil {
		mux.HandleFunc("GET /api/migrations", h.ListMigrations)
		mux.HandleFunc("GET /api/migrations/audit", h.ListAudit)
	}
	if h := handlers.Config; h != nil {
		mux.HandleFunc("GET /api/config/{stage}", h.GetConfig)
	}
	if h := handlers.Events; h != nil {
		mux.HandleFunc("GET /api/events", h.ListEvents)
	}

	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	wallet := opts.Wallet
	if wallet == nil {
		wallet = crypto.NewWalletVerifier(DefaultWalletSkew)
	}

	var h http.Handler = mux
	h = middleware.Wallet(wallet, logger, nil)(h)
	h = middleware.Signature(opts.Signer, nil)(h)
	h = middleware.Auth(strings.Split(cfg.APIKey, ","), "/api/health", "/metrics")(h)
	h = middleware.RateLimit(opts.Limiter, middleware.RatePolicy{
		Limit:         cfg.RateLimit,
		MutationLimit: cfg.MutationRateLimit,
		Window:        cfg.RateWindow,
		TrustProxy:    cfg.TrustProxyHeaders,
	}, logger)(h)
	h = middleware.Logging(logger, opts.Recorder)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler; tests drive it with httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve accepts connections on l; used when the caller picks the port.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting", slog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
