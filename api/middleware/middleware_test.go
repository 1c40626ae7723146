package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/neptunomedical/vigia/config"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/lookups/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	return r
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		secret       string
		header       string
		expectedCode int
	}{
		{"valid key", "s3cret", "s3cret", http.StatusOK},
		{"wrong key", "s3cret", "other", http.StatusUnauthorized},
		{"missing key", "s3cret", "", http.StatusUnauthorized},
		{"secret not configured", "", "s3cret", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: tt.secret}})
			router := newRouter(SecretKeyAuthMiddleware())

			req := httptest.NewRequest(http.MethodGet, "/lookups/1", nil)
			if tt.header != "" {
				req.Header.Set(SecretKeyHeader, tt.header)
			}
			resp := httptest.NewRecorder()
			router.ServeHTTP(resp, req)

			assert.Equal(t, tt.expectedCode, resp.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 1
	cleanup := 60
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{
		RequestsPerSecond:  &rps,
		Burst:              &burst,
		CleanupIntervalSec: &cleanup,
	}}
	router := newRouter(RateLimitMiddleware(conf))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/lookups/1", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	router := newRouter(RateLimitMiddleware(&config.Configuration{}))

	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/lookups/1", nil))
		assert.Equal(t, http.StatusOK, resp.Code)
	}
}

func limitedConfig() *config.Configuration {
	rps := 1.0
	burst := 1
	return &config.Configuration{RateLimit: config.RateLimitConfig{RequestsPerSecond: &rps, Burst: &burst}}
}

func TestRateLimitMiddleware_RejectsWithLookupMessage(t *testing.T) {
	router := newRouter(RateLimitMiddleware(limitedConfig()))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/lookups/1", nil)
		req.RemoteAddr = "10.0.0.2:1234"
		last = httptest.NewRecorder()
		router.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Contains(t, last.Body.String(), rateLimitMessage)
}

func TestRateLimitMiddleware_HealthIsNotThrottled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(limitedConfig()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.3:1234"
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}
}
