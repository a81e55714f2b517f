package api

import (
	"errors"
	"net/http"
	"strings"

	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8,max=128"`
	Name     string `json:"name" binding:"required,min=2,max=50"`
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Register creates an account. The duplicate-email check runs inside
// the insert transaction so concurrent signups cannot race past it.
func (s *Server) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	hash, err := s.authSvc.HashPassword(req.Password)
	if err != nil {
		logging.L().Error("password hash failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to create account", CodeInternal)
		return
	}

	user := &models.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
	}

	errEmailExists := errors.New("email exists")
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var existing models.User
		if err := tx.Where("email = ?", user.Email).First(&existing).Error; err == nil {
			return errEmailExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(user).Error; err != nil {
			// Unique index violation from a concurrent insert.
			if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "UNIQUE") {
				return errEmailExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errEmailExists) {
			respondError(c, http.StatusConflict, "an account with this email already exists", CodeEmailExists)
			return
		}
		logging.L().Error("user create failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to create account", CodeInternal)
		return
	}

	token, err := s.authSvc.GenerateToken(user)
	if err != nil {
		logging.L().Error("token generation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to create account", CodeInternal)
		return
	}

	metrics.Get().RecordSignup()
	respond(c, http.StatusCreated, gin.H{"token": token, "user": user})
}

// Login verifies credentials and issues a token. Unknown email and bad
// password return the same response.
func (s *Server) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	var user models.User
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.db.Where("email = ?", email).First(&user).Error; err != nil {
		respondError(c, http.StatusUnauthorized, "invalid email or password", CodeInvalidCredentials)
		return
	}
	if err := s.authSvc.CheckPassword(req.Password, user.PasswordHash); err != nil {
		respondError(c, http.StatusUnauthorized, "invalid email or password", CodeInvalidCredentials)
		return
	}

	token, err := s.authSvc.GenerateToken(&user)
	if err != nil {
		logging.L().Error("token generation failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to log in", CodeInternal)
		return
	}

	respond(c, http.StatusOK, gin.H{"token": token, "user": user})
}
