package server

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paynest/escrowd/internal/idgen"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/metrics"
	"github.com/paynest/escrowd/internal/ratelimit"
	"github.com/paynest/escrowd/internal/security"
	"github.com/paynest/escrowd/internal/validation"
)

// requestIDPattern bounds what we echo back from an upstream X-Request-ID.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,64}$`)

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Gateway callbacks arrive in bursts and are authenticated by signature,
	// so only client traffic is rate limited.
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware(func(c *gin.Context) string {
		if unthrottled(c.Request.URL.Path) {
			return ""
		}
		return c.ClientIP()
	}))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestContext())
	s.router.Use(accessLog())
}

func unthrottled(path string) bool {
	return strings.HasPrefix(path, "/v1/webhooks/") || strings.HasPrefix(path, "/health") || path == "/metrics"
}

// requestContext attaches the request id and base logger to the request
// context. A well-formed upstream id is kept so traces line up across hops.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if !requestIDPattern.MatchString(id) {
			id = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)

		c.Next()
	}
}

// accessLog writes one line per request: errors at ERROR, client errors at
// WARN, probes and scrapes at DEBUG.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case strings.HasPrefix(path, "/health"), path == "/metrics":
			level = slog.LevelDebug
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if level >= slog.LevelWarn {
			attrs = append(attrs, "client_ip", c.ClientIP())
		}
		if route := c.FullPath(); route != "" && route != path {
			attrs = append(attrs, "route", route)
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request completed", attrs...)
	}
}
