package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paynest/escrowd/internal/health"
	"github.com/paynest/escrowd/internal/metrics"
	"github.com/paynest/escrowd/internal/receipts"
	"github.com/paynest/escrowd/internal/settlement"
	"github.com/paynest/escrowd/internal/traces"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	settlement.NewHandler(s.settlements, s.cfg.WebhookSecret).RegisterRoutes(v1)
	receipts.NewHandler(s.receipts).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such endpoint",
		})
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run binds the listener, starts the reconcile loop and blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives or the listener fails. It always shuts
// down before returning.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go s.poller.Start(runCtx)

	// The listener is bound, so the port accepts connections from here on.
	s.ready.Store(true)
	s.logger.Info("server ready", "addr", ln.Addr().String(), "env", s.cfg.Env)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serveErr:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown drains traffic, then stops components in dependency order:
// HTTP first, then the reconcile loop, then exporters and the database.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown", "drain", s.drainDelay)
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// No request is in flight any more; stop the loop so no transaction is
	// cut off mid-write.
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.poller.Stop()

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
