// CODEHIVE Middleware
// Cross-cutting gin middleware: CORS, security headers, request ids,
// rate limiting, and panic recovery.

package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"codehive/internal/logging"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrorResponse is the standardized failure envelope.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"requestId,omitempty"`
}

// Recovery returns panics as a standardized 500 without killing the process.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		requestID := c.GetString("request_id")
		logging.L().Error("panic recovered",
			zap.Any("panic", recovered),
			zap.String("request_id", requestID),
			zap.String("path", c.Request.URL.Path),
			zap.ByteString("stack", debug.Stack()),
		)

		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "Internal server error",
			Code:      "INTERNAL_SERVER_ERROR",
			Timestamp: time.Now().UTC(),
			RequestID: requestID,
		})
	})
}

// RequestID attaches a unique id to each request for log correlation.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

func generateRequestID() string {
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(randomBytes))
}

// CORS allows the configured frontend origins. CORS_ALLOWED_ORIGINS is a
// comma-separated allowlist; unset falls back to local dev origins.
func CORS() gin.HandlerFunc {
	allowed := allowedOrigins()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		for _, a := range allowed {
			if origin == a {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				break
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func allowedOrigins() []string {
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		parts := strings.Split(env, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		return origins
	}
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
	}
}

// Security adds standard security headers.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		c.Next()
	}
}

// RateLimiter pairs a token bucket with its last activity time.
type RateLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter manages per-IP token buckets with periodic cleanup.
type IPRateLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

// NewIPRateLimiter creates a per-IP rate limiter.
func NewIPRateLimiter(rateLimit rate.Limit, burst int) *IPRateLimiter {
	limiter := &IPRateLimiter{
		limiters: make(map[string]*RateLimiter),
		rate:     rateLimit,
		burst:    burst,
		cleanup:  10 * time.Minute,
	}

	go limiter.cleanupRoutine()

	return limiter
}

// GetLimiter returns the rate limiter for a given IP.
func (irl *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	irl.mu.Lock()
	defer irl.mu.Unlock()

	limiter, exists := irl.limiters[ip]
	if !exists {
		limiter = &RateLimiter{
			limiter:  rate.NewLimiter(irl.rate, irl.burst),
			lastSeen: time.Now(),
		}
		irl.limiters[ip] = limiter
	} else {
		limiter.lastSeen = time.Now()
	}

	return limiter.limiter
}

func (irl *IPRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(irl.cleanup)
	defer ticker.Stop()

	for range ticker.C {
		irl.mu.Lock()
		cutoff := time.Now().Add(-time.Hour)
		for ip, limiter := range irl.limiters {
			if limiter.lastSeen.Before(cutoff) {
				delete(irl.limiters, ip)
			}
		}
		irl.mu.Unlock()
	}
}

var (
	globalRateLimiter *IPRateLimiter
	authRateLimiter   *IPRateLimiter
)

// InitRateLimiter configures the general per-IP limiter.
func InitRateLimiter(requestsPerMinute int, burst int) {
	globalRateLimiter = NewIPRateLimiter(rate.Limit(requestsPerMinute)/60, burst)
}

// InitAuthRateLimiter configures the stricter limiter for credential endpoints.
func InitAuthRateLimiter(requestsPerMinute int, burst int) {
	authRateLimiter = NewIPRateLimiter(rate.Limit(requestsPerMinute)/60, burst)
}

// RateLimit applies the general per-IP rate limit.
func RateLimit() gin.HandlerFunc {
	if globalRateLimiter == nil {
		InitRateLimiter(600, 50)
	}

	return func(c *gin.Context) {
		limiter := globalRateLimiter.GetLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "Rate limit exceeded",
				Code:      "RATE_LIMIT_EXCEEDED",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// AuthRateLimit applies the stricter limit to login/register to slow
// credential stuffing.
func AuthRateLimit() gin.HandlerFunc {
	if authRateLimiter == nil {
		InitAuthRateLimiter(10, 5)
	}

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		limiter := authRateLimiter.GetLimiter(clientIP)

		if !limiter.Allow() {
			logging.L().Warn("auth rate limit exceeded",
				zap.String("ip", clientIP),
				zap.String("path", c.Request.URL.Path),
			)
			c.JSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "Too many authentication attempts. Please try again later.",
				Code:      "AUTH_RATE_LIMIT_EXCEEDED",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequestLogger logs each request through the shared zap logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logging.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}
