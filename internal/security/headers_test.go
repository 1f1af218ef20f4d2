package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HeadersMiddleware())
	r.GET("/v1/settlements/x", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/settlements/x", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		wantOrigin string
		wantCreds  string
		preflight  bool
		wantCode   int
	}{
		{name: "listed origin", allowed: []string{"https://pay.example.com"}, origin: "https://pay.example.com",
			wantOrigin: "https://pay.example.com", wantCreds: "true", wantCode: http.StatusOK},
		{name: "unlisted origin", allowed: []string{"https://pay.example.com"}, origin: "https://evil.example.com",
			wantCode: http.StatusOK},
		{name: "wildcard has no credentials", allowed: []string{"*"}, origin: "https://any.example.com",
			wantOrigin: "https://any.example.com", wantCode: http.StatusOK},
		{name: "preflight", allowed: []string{"*"}, origin: "https://any.example.com",
			wantOrigin: "https://any.example.com", preflight: true, wantCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORSMiddleware(tt.allowed))
			r.GET("/v1/settlements", func(c *gin.Context) { c.Status(http.StatusOK) })

			method := http.MethodGet
			if tt.preflight {
				method = http.MethodOptions
			}
			req := httptest.NewRequest(method, "/v1/settlements", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestValidateGatewayURL(t *testing.T) {
	tests := []struct {
		url      string
		insecure bool
		wantErr  bool
	}{
		{"https://203.0.113.10/api", false, false},
		{"http://203.0.113.10/api", false, true},
		{"http://localhost:9000", true, false},
		{"https://localhost", false, true},
		{"https://127.0.0.1", false, true},
		{"https://10.1.2.3", false, true},
		{"https://169.254.169.254", false, true},
		{"ftp://203.0.113.10", false, true},
		{"https:///nohost", false, true},
	}
	for _, tt := range tests {
		err := ValidateGatewayURL(tt.url, tt.insecure)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}
