// Package server wires storage, the payment gateway and the settlement
// engine behind the HTTP API and runs them until shutdown.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/paynest/escrowd/internal/circuitbreaker"
	"github.com/paynest/escrowd/internal/config"
	"github.com/paynest/escrowd/internal/gateway"
	"github.com/paynest/escrowd/internal/health"
	"github.com/paynest/escrowd/internal/ledger"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/metrics"
	"github.com/paynest/escrowd/internal/ratelimit"
	"github.com/paynest/escrowd/internal/receipts"
	"github.com/paynest/escrowd/internal/security"
	"github.com/paynest/escrowd/internal/settlement"
)

// Version is reported by /health, build_info and exported traces.
var Version = "dev"

// Server owns the HTTP listener and every long-lived dependency.
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil with in-memory storage
	ledger      ledger.Store
	receiptRepo receipts.Store
	gateway     gateway.Client
	breaker     *circuitbreaker.Breaker
	receipts    *receipts.Service
	settlements *settlement.Service
	poller      *settlement.Poller
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

	cancelRun   context.CancelFunc
	stopTracing func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway replaces the gateway selected from config (for testing)
func WithGateway(gw gateway.Client) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithDrainDelay sets how long Shutdown keeps serving after readiness
// drops, so load balancers can stop routing first.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New builds a server from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStorage(); err != nil {
		return nil, err
	}
	if err := s.openGateway(); err != nil {
		s.closeDB()
		return nil, err
	}
	s.buildEngine()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	metrics.SetBuildInfo(Version)
	s.healthy.Store(true)
	return s, nil
}

// openStorage selects Postgres when DATABASE_URL is set and the in-memory
// stores otherwise. Production refuses to start without a database.
func (s *Server) openStorage() error {
	if s.cfg.DatabaseURL == "" {
		if s.cfg.IsProduction() {
			return errors.New("DATABASE_URL is required in production")
		}
		s.ledger = ledger.NewMemoryStore()
		s.receiptRepo = receipts.NewMemoryStore()
		s.logger.Warn("using in-memory storage, settlements are lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := metrics.RegisterDB(db, "escrowd"); err != nil {
		s.logger.Warn("db pool metrics unavailable", "error", err)
	}

	s.db = db
	s.ledger = ledger.NewPostgresStore(db)
	s.receiptRepo = receipts.NewPostgresStore(db)
	s.health.Register("database", health.DBChecker("database", db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openGateway() error {
	switch {
	case s.gateway != nil:
		return nil
	case s.cfg.UseSandboxGateway():
		s.gateway = gateway.NewSandbox(gateway.SandboxOptions{AutoAdvanceAfter: 2})
		s.logger.Warn("using sandbox payment gateway")
		return nil
	}

	if err := security.ValidateGatewayURL(s.cfg.GatewayBaseURL, s.cfg.IsDevelopment()); err != nil {
		return fmt.Errorf("invalid gateway configuration: %w", err)
	}
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.gateway = gateway.NewHTTPClient(gateway.HTTPConfig{
		BaseURL:      s.cfg.GatewayBaseURL,
		ClientID:     s.cfg.GatewayClientID,
		ClientSecret: s.cfg.GatewayClientSecret,
		Timeout:      s.cfg.GatewayTimeout,
	}, s.breaker)
	s.health.Register("gateway", health.BreakerChecker("gateway", s.breaker))
	s.logger.Info("using payment gateway", "base_url", s.cfg.GatewayBaseURL)
	return nil
}

func (s *Server) buildEngine() {
	signer := receipts.NewSigner(s.cfg.ReceiptHMACSecret, s.cfg.ReceiptHMACRetiredSecret...)
	if signer == nil {
		s.logger.Warn("RECEIPT_HMAC_SECRET not set, receipts are unsigned")
	}
	s.receipts = receipts.NewService(s.receiptRepo, s.ledger, signer)

	s.settlements = settlement.NewService(s.ledger, s.gateway, s.receipts, settlement.Config{
		HoldingAccount:   s.cfg.HoldingAccount,
		CollectionExpiry: s.cfg.CollectionExpiry,
		PayoutClaimTTL:   s.cfg.PayoutClaimTTL,
	})
	s.poller = settlement.NewPoller(s.settlements, s.cfg.ReconcileInterval, s.logger)
	s.health.Register("poller", func(_ context.Context) health.Status {
		// Only meaningful once Run has started the loop.
		if !s.ready.Load() || s.poller.Running() {
			return health.Status{Healthy: true}
		}
		return health.Status{Healthy: false, Detail: "reconcile loop not running"}
	})

	if s.cfg.WebhookSecret == "" {
		s.logger.Warn("WEBHOOK_SECRET not set, webhook signatures are not verified")
	}
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Settlements exposes the settlement engine (for testing and tooling)
func (s *Server) Settlements() *settlement.Service {
	return s.settlements
}
