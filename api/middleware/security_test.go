package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"client": ClientID(c)})
	})
	return r
}

func TestAuthenticate(t *testing.T) {
	sec := NewSecurityMiddleware(zap.NewNop(), map[string]string{"crm": "key-crm", "site": "key-site"}, "X-API-Key", nil)
	r := newEngine(sec.Authenticate())

	tests := []struct {
		name       string
		key        string
		wantStatus int
		wantBody   string
	}{
		{"missing key", "", http.StatusUnauthorized, `{"error":"Missing API key"}`},
		{"invalid key", "key-other", http.StatusUnauthorized, `{"error":"Invalid API key"}`},
		{"valid key", "key-site", http.StatusOK, `{"client":"site"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestRateLimit(t *testing.T) {
	sec := NewSecurityMiddleware(zap.NewNop(), map[string]string{"crm": "key-crm"}, "", nil)

	tests := []struct {
		name       string
		allowed    bool
		err        error
		wantStatus int
	}{
		{"allowed", true, nil, http.StatusOK},
		{"over the limit", false, nil, http.StatusTooManyRequests},
		{"limiter down fails open", false, errors.New("redis down"), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := new(MockLimiter)
			limiter.On("Allow", mock.Anything, "ingest:crm").Return(tt.allowed, tt.err).Once()
			r := newEngine(sec.Authenticate(), sec.RateLimit(limiter))

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.Header.Set("X-API-Key", "key-crm")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
			limiter.AssertExpectations(t)
		})
	}
}

func TestCORS(t *testing.T) {
	sec := NewSecurityMiddleware(zap.NewNop(), nil, "X-API-Key", []string{"https://ops.example"})
	r := newEngine(sec.CORS())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestValidatePayload(t *testing.T) {
	sec := NewSecurityMiddleware(zap.NewNop(), nil, "", nil)
	r := newEngine(sec.ValidatePayload())

	tests := []struct {
		name        string
		contentType string
		body        string
		wantStatus  int
	}{
		{"json body", "application/json", `{"a":1}`, http.StatusOK},
		{"wrong content type", "text/plain", `{"a":1}`, http.StatusUnsupportedMediaType},
		{"empty body", "application/json; charset=utf-8", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
