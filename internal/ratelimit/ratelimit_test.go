package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("10.0.0.1"), "request %d is within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"))

	*now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "one token per second at 60/min")
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer l.Stop()

	l.Allow("a")
	*now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"))
	}
	assert.False(t, l.Allow("a"))
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	defer l.Stop()

	l.Allow("a")
	*now = now.Add(2 * time.Minute)
	l.Allow("b")
	l.evictIdle()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "a")
	assert.Contains(t, l.buckets, "b")
}

func TestLimiter_StopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(Config{RequestsPerMinute: 30, BurstSize: 2})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string {
		if strings.HasPrefix(c.Request.URL.Path, "/webhooks") {
			return ""
		}
		return ByClientIP(c)
	}))
	r.GET("/settlements", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/webhooks", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.7:4000"
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("/settlements").Code)
	assert.Equal(t, http.StatusOK, get("/settlements").Code)
	w := get("/settlements")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get("/webhooks").Code, "empty key is never limited")
	}
}
