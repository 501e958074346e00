package api

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/FlowCortex/internal/audit"
	"github.com/aosanya/FlowCortex/internal/store"
)

// Claims is the bearer token payload.
type Claims struct {
	UserID         string   `json:"userId"`
	OrganizationID string   `json:"organizationId"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions"`
	jwt.RegisteredClaims
}

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// LoggingMiddleware logs HTTP requests with structured logging
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": requestID(c),
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start),
			"client_ip":  c.ClientIP(),
		})

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("HTTP request completed")
		case status >= 400:
			entry.Warn("HTTP request completed")
		default:
			entry.Info("HTTP request completed")
		}
	}
}

// RecoveryMiddleware handles panics and returns 500 errors gracefully
func RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"request_id": requestID(c),
			"panic":      recovered,
			"path":       c.Request.URL.Path,
		}).Error("Panic recovered in HTTP handler")

		internalError(c, "internal server error")
	})
}

// CORSMiddleware enforces the configured origin allowlist.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (len(allowed) == 0 || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// tokenBucket implements a token bucket rate limiter. Tokens refill
// continuously at refillRate per second up to the burst capacity.
type tokenBucket struct {
	tokens         float64
	maxTokens      float64
	refillRate     float64
	lastRefillTime time.Time
	mu             sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:         float64(burst),
		maxTokens:      float64(burst),
		refillRate:     rate,
		lastRefillTime: time.Now(),
	}
}

// allow checks if a request is allowed and consumes a token if so.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefillTime).Seconds()

	// Refill tokens based on elapsed time
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefillTime = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// rateLimiter holds one token bucket per client. RATE_LIMIT_MAX is both the
// burst capacity and the refill budget per RATE_LIMIT_WINDOW.
type rateLimiter struct {
	mu      sync.Mutex
	rate    float64
	burst   int
	clients map[string]*tokenBucket
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	rate := float64(max) / window.Seconds()
	return &rateLimiter{
		rate:    rate,
		burst:   max,
		clients: make(map[string]*tokenBucket),
	}
}

// allow reports whether the client's bucket has a token for this request.
func (r *rateLimiter) allow(client string) bool {
	r.mu.Lock()
	bucket, exists := r.clients[client]
	if !exists {
		bucket = newTokenBucket(r.rate, r.burst)
		r.clients[client] = bucket
	}
	r.mu.Unlock()

	return bucket.allow()
}

// RateLimitMiddleware bounds requests per client per window.
func RateLimitMiddleware(max int, window time.Duration) gin.HandlerFunc {
	limiter := newRateLimiter(max, window)

	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			fail(c, 429, CodeRateLimited, "Too Many Requests", "rate limit exceeded", nil)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the bearer token and binds the actor to the
// request. Authentication failures emit audit records; stack traces never
// reach the client.
func AuthMiddleware(secret string, aud *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			aud.Record(c.Request.Context(), audit.Entry{
				Action:     audit.ActionAuthFailure,
				Resource:   "http",
				Severity:   audit.SeverityMedium,
				SourceAddr: c.ClientIP(),
				Details:    map[string]any{"path": c.Request.URL.Path, "reason": "missing bearer token"},
			})
			unauthorized(c, "missing bearer token")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(
			strings.TrimPrefix(header, "Bearer "),
			claims,
			func(*jwt.Token) (any, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{"HS256"}),
		)
		if err != nil || !token.Valid {
			aud.Record(c.Request.Context(), audit.Entry{
				Action:     audit.ActionAuthFailure,
				Resource:   "http",
				Severity:   audit.SeverityHigh,
				SourceAddr: c.ClientIP(),
				Details:    map[string]any{"path": c.Request.URL.Path, "reason": "invalid token"},
			})
			unauthorized(c, "invalid bearer token")
			return
		}
		if claims.UserID == "" || claims.OrganizationID == "" {
			aud.Record(c.Request.Context(), audit.Entry{
				Action:     audit.ActionAuthFailure,
				Resource:   "http",
				Severity:   audit.SeverityHigh,
				SourceAddr: c.ClientIP(),
				Details:    map[string]any{"path": c.Request.URL.Path, "reason": "missing identity claims"},
			})
			unauthorized(c, "token is missing identity claims")
			return
		}

		c.Set("actor", store.Actor{
			UserID:         claims.UserID,
			OrganizationID: claims.OrganizationID,
			Role:           claims.Role,
			Permissions:    claims.Permissions,
		})
		c.Next()
	}
}

// actorFrom returns the authenticated actor bound to the request.
func actorFrom(c *gin.Context) store.Actor {
	if value, exists := c.Get("actor"); exists {
		if actor, ok := value.(store.Actor); ok {
			return actor
		}
	}
	return store.Actor{}
}
