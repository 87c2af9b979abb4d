package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"livesignal/internal/core/domain"
	"livesignal/pkg/config"
	apperrors "livesignal/pkg/errors"
	"livesignal/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticSessions map[string]domain.Identity

func (s staticSessions) ValidateSession(token string) (domain.Identity, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return "", domain.ErrInvalidSession
}

func newRouter(t *testing.T, mw ...gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	return r
}

func do(r http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter(t, AuthMiddleware(staticSessions{"good": "0xB0B"}))
	r.GET("/me", func(c *gin.Context) {
		id, ok := Identity(c)
		require.True(t, ok)
		c.String(http.StatusOK, string(id))
	})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"unknown token", "Bearer bad", http.StatusUnauthorized},
		{"valid", "Bearer good", http.StatusOK},
		{"case insensitive scheme", "bearer good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			w := do(r, http.MethodGet, "/me", h)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "0xB0B", w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeUnauthorized))
			}
		})
	}
}

func TestOptionalAuthMiddleware(t *testing.T) {
	r := newRouter(t, OptionalAuthMiddleware(staticSessions{"good": "0xB0B"}))
	r.GET("/", func(c *gin.Context) {
		id, _ := Identity(c)
		c.String(http.StatusOK, string(id))
	})

	w := do(r, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(r, http.MethodGet, "/", http.Header{"Authorization": {"Bearer bad"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	w = do(r, http.MethodGet, "/", http.Header{"Authorization": {"Bearer good"}})
	assert.Equal(t, "0xB0B", w.Body.String())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	log := logger.NewContextLogger(zaptest.NewLogger(t))
	r := newRouter(t, ErrorHandlerMiddleware(log))
	r.GET("/app", func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFoundError("stream").WithContext("stream_id", "stream-42"))
	})
	r.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})

	w := do(r, http.MethodGet, "/app", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"NOT_FOUND"`)
	assert.Contains(t, w.Body.String(), `"stream_id":"stream-42"`)

	w = do(r, http.MethodGet, "/plain", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(apperrors.ErrCodeInternal))
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestRecoveryMiddleware(t *testing.T) {
	log := logger.NewContextLogger(zaptest.NewLogger(t))
	r := newRouter(t, RecoveryMiddleware(log))
	r.GET("/panic", func(c *gin.Context) { panic("nil descriptor") })

	w := do(r, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	r := newRouter(t, RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		seen = logger.RequestID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := do(r, http.MethodGet, "/", http.Header{"X-Request-Id": {"req-1"}})
	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	w = do(r, http.MethodGet, "/", nil)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	r := newRouter(t, NewHTTPRateLimitMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/test", nil).Code)
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	r := newRouter(t, NewHTTPRateLimitMiddleware(cfg))
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/test", nil).Code)

	w := do(r, http.MethodGet, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Another client has its own budget.
	w = do(r, http.MethodGet, "/test", http.Header{"X-Forwarded-For": {"203.0.113.7, 10.0.0.1"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConnectRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2

	r := newRouter(t, NewConnectRateLimitMiddleware(cfg))
	r.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ws", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/ws", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/ws", nil).Code)
}

func TestRateLimiterStore_EvictsIdle(t *testing.T) {
	s := newRateLimiterStore(1, 1)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.getLimiter("a")
	s.getLimiter("b")
	assert.Equal(t, 2, s.size())

	now = now.Add(11 * time.Minute)
	s.getLimiter("c")
	assert.Equal(t, 1, s.size())
}
