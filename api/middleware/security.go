package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"integration-hub/internal/cache"
	"integration-hub/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clientIDKey = "clientID"

type SecurityMiddleware struct {
	logger         *zap.Logger
	apiKeys        map[string]string // clientID -> apiKey
	apiKeyHeader   string
	allowedOrigins []string
}

func NewSecurityMiddleware(logger *zap.Logger, apiKeys map[string]string, apiKeyHeader string, allowedOrigins []string) *SecurityMiddleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &SecurityMiddleware{
		logger:         logger,
		apiKeys:        apiKeys,
		apiKeyHeader:   apiKeyHeader,
		allowedOrigins: allowedOrigins,
	}
}

// ClientID returns the authenticated client of the request, if any.
func ClientID(c *gin.Context) string {
	return c.GetString(clientIDKey)
}

func (m *SecurityMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(m.apiKeyHeader)
		if apiKey == "" {
			m.logger.Warn("Missing API key", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing API key"})
			return
		}

		clientID := m.validateAPIKey(apiKey)
		if clientID == "" {
			prefixLen := len(apiKey)
			if prefixLen > 8 {
				prefixLen = 8
			}
			m.logger.Warn("Invalid API key", zap.String("ip", c.ClientIP()), zap.String("api_key_prefix", apiKey[:prefixLen]))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
			return
		}

		c.Set(clientIDKey, clientID)
		c.Next()
	}
}

func (m *SecurityMiddleware) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := m.allowOrigin(c.GetHeader("Origin"))
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, "+m.apiKeyHeader)
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (m *SecurityMiddleware) allowOrigin(origin string) string {
	for _, allowed := range m.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

// RateLimit throttles authenticated clients. Limiter failures let the
// request through.
func (m *SecurityMiddleware) RateLimit(limiter cache.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ClientID(c)
		if id == "" {
			c.Next()
			return
		}

		allowed, err := limiter.Allow(c.Request.Context(), "ingest:"+id)
		if err != nil {
			m.logger.Error("Rate limiter unavailable", zap.String("client_id", id), zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitExceeded.WithLabelValues(id, "ingestion").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (m *SecurityMiddleware) ValidatePayload() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
			return
		}

		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Empty request body"})
			return
		}

		c.Next()
	}
}

func (m *SecurityMiddleware) validateAPIKey(apiKey string) string {
	for clientID, key := range m.apiKeys {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			return clientID
		}
	}
	return ""
}
