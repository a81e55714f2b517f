package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewIPRateLimiter(t *testing.T) {
	tests := []struct {
		name      string
		rateLimit rate.Limit
		burst     int
	}{
		{
			name:      "standard rate limit",
			rateLimit: rate.Limit(100),
			burst:     10,
		},
		{
			name:      "high rate limit",
			rateLimit: rate.Limit(1000),
			burst:     50,
		},
		{
			name:      "low rate limit",
			rateLimit: rate.Limit(1),
			burst:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewIPRateLimiter(tt.rateLimit, tt.burst)

			require.NotNil(t, limiter)
			assert.Equal(t, tt.rateLimit, limiter.rate)
			assert.Equal(t, tt.burst, limiter.burst)
			assert.NotNil(t, limiter.limiters)
		})
	}
}

func TestIPRateLimiter_GetLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Limit(10), 5)

	t.Run("creates new limiter for new IP", func(t *testing.T) {
		l1 := limiter.GetLimiter("192.168.1.1")
		require.NotNil(t, l1)

		// Same IP should get the same bucket
		l2 := limiter.GetLimiter("192.168.1.1")
		assert.Equal(t, l1, l2)
	})

	t.Run("creates different limiters for different IPs", func(t *testing.T) {
		l1 := limiter.GetLimiter("192.168.1.1")
		l2 := limiter.GetLimiter("192.168.1.2")
		l3 := limiter.GetLimiter("10.0.0.1")

		assert.NotNil(t, l1)
		assert.NotNil(t, l2)
		assert.NotNil(t, l3)
	})

	t.Run("concurrent access is safe", func(t *testing.T) {
		var wg sync.WaitGroup
		ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}

		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				ip := ips[idx%len(ips)]
				l := limiter.GetLimiter(ip)
				assert.NotNil(t, l)
			}(i)
		}

		wg.Wait()
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		expectedStatus int
		expectBlocked  bool
	}{
		{
			name:           "single request passes",
			requestCount:   1,
			expectedStatus: http.StatusOK,
			expectBlocked:  false,
		},
		{
			name:           "burst requests pass",
			requestCount:   5,
			expectedStatus: http.StatusOK,
			expectBlocked:  false,
		},
		{
			name:           "exceeding burst gets blocked",
			requestCount:   10,
			expectedStatus: http.StatusTooManyRequests,
			expectBlocked:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitRateLimiter(60, 5) // 1 per second, burst of 5

			router := gin.New()
			router.Use(RateLimit())
			router.GET("/test", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"status": "ok"})
			})

			var lastStatus int
			blocked := false

			for i := 0; i < tt.requestCount; i++ {
				w := httptest.NewRecorder()
				req, _ := http.NewRequest("GET", "/test", nil)
				req.Header.Set("X-Forwarded-For", "192.168.1.1")
				router.ServeHTTP(w, req)
				lastStatus = w.Code

				if w.Code == http.StatusTooManyRequests {
					blocked = true
					break
				}
			}

			if tt.expectBlocked {
				assert.True(t, blocked)
				assert.Equal(t, http.StatusTooManyRequests, lastStatus)
			} else {
				assert.Equal(t, tt.expectedStatus, lastStatus)
			}
		})
	}
}

func TestAuthRateLimitMiddleware(t *testing.T) {
	InitAuthRateLimiter(10, 3)

	router := gin.New()
	router.Use(AuthRateLimit())
	router.POST("/login", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	blocked := false
	for i := 0; i < 6; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("POST", "/login", nil)
		req.Header.Set("X-Forwarded-For", "10.9.8.7")
		router.ServeHTTP(w, req)

		if w.Code == http.StatusTooManyRequests {
			blocked = true
			assert.Contains(t, w.Body.String(), "AUTH_RATE_LIMIT_EXCEEDED")
			break
		}
	}

	assert.True(t, blocked, "expected auth limiter to block after burst")
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/test", func(c *gin.Context) {
		requestID := c.GetString("request_id")
		c.JSON(http.StatusOK, gin.H{"request_id": requestID})
	})

	t.Run("generates request ID when not provided", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "custom-request-id-123")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "custom-request-id-123", w.Header().Get("X-Request-ID"))
	})
}

func TestCORSMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	t.Run("allows default dev origins", func(t *testing.T) {
		for _, origin := range []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
		} {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", origin)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, origin, w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("blocks unconfigured origins", func(t *testing.T) {
		blockedOrigins := []string{
			"http://malicious.com",
			"https://hacker.site",
			"http://localhost:4000",
		}

		for _, origin := range blockedOrigins {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			req.Header.Set("Origin", origin)
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code) // request itself still succeeds
			assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("respects CORS_ALLOWED_ORIGINS", func(t *testing.T) {
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://codehive.dev, https://staging.codehive.dev")

		envRouter := gin.New()
		envRouter.Use(CORS())
		envRouter.GET("/test", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://codehive.dev")
		envRouter.ServeHTTP(w, req)
		assert.Equal(t, "https://codehive.dev", w.Header().Get("Access-Control-Allow-Origin"))

		// default dev origins no longer allowed once the env is set
		w = httptest.NewRecorder()
		req, _ = http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		envRouter.ServeHTTP(w, req)
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("handles preflight OPTIONS requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("sets required CORS headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)

		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	})
}

func TestSecurityMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(Security())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	t.Run("sets security headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
		assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
		assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(Recovery())
	router.GET("/panic", func(c *gin.Context) {
		panic("test panic")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	t.Run("recovers from panic", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/panic", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "Internal server error")
	})

	t.Run("does not affect normal requests", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ok", nil)
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestGenerateRequestID(t *testing.T) {
	t.Run("generates unique IDs", func(t *testing.T) {
		ids := make(map[string]bool)

		for i := 0; i < 100; i++ {
			id := generateRequestID()
			assert.NotEmpty(t, id)
			assert.False(t, ids[id], "Duplicate ID generated: %s", id)
			ids[id] = true
		}
	})

	t.Run("ID format is consistent", func(t *testing.T) {
		id := generateRequestID()
		assert.Contains(t, id, "-")
	})
}

func TestErrorResponse(t *testing.T) {
	t.Run("error response structure", func(t *testing.T) {
		resp := ErrorResponse{
			Error:     "Test error",
			Code:      "TEST_ERROR",
			Timestamp: time.Now().UTC(),
			RequestID: "test-123",
			Details: map[string]interface{}{
				"key": "value",
			},
		}

		assert.Equal(t, "Test error", resp.Error)
		assert.Equal(t, "TEST_ERROR", resp.Code)
		assert.Equal(t, "test-123", resp.RequestID)
		assert.NotNil(t, resp.Details)
		assert.Equal(t, "value", resp.Details["key"])
	})
}

// Benchmarks
func BenchmarkRateLimiter_GetLimiter(b *testing.B) {
	limiter := NewIPRateLimiter(rate.Limit(1000), 50)
	ips := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.GetLimiter(ips[i%len(ips)])
	}
}

func BenchmarkCORSMiddleware(b *testing.B) {
	router := gin.New()
	router.Use(CORS())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		router.ServeHTTP(w, req)
	}
}
