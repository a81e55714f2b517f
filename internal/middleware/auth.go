// CODEHIVE Authentication Middleware
// JWT bearer validation for protected routes.

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"codehive/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuth validates the bearer token and stores the caller's identity
// on the request context.
func RequireAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is required",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		token, err := extractBearerToken(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  "INVALID_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			var code string
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, auth.ErrInvalidToken):
				code = "INVALID_TOKEN"
			default:
				code = "TOKEN_VALIDATION_FAILED"
			}

			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
				"code":  code,
			})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("user_name", claims.Name)
		c.Set("user_email", claims.Email)

		c.Next()
	}
}

// extractBearerToken parses "Bearer <token>" authorization headers.
func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errBearerFormat
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errBearerEmpty
	}

	return token, nil
}

var (
	errBearerFormat = errors.New("authorization header must be in format: Bearer <token>")
	errBearerEmpty  = errors.New("token cannot be empty")
)

// GetUserID returns the authenticated user's id from the gin context.
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}

	id, ok := userID.(uint)
	return id, ok
}

// GetUserName returns the authenticated user's display name.
func GetUserName(c *gin.Context) (string, bool) {
	name, exists := c.Get("user_name")
	if !exists {
		return "", false
	}

	n, ok := name.(string)
	return n, ok
}

// GetUserEmail returns the authenticated user's email.
func GetUserEmail(c *gin.Context) (string, bool) {
	email, exists := c.Get("user_email")
	if !exists {
		return "", false
	}

	e, ok := email.(string)
	return e, ok
}
