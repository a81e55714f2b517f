package api

import (
	"errors"
	"net/http"

	"codehive/internal/execution"
	"codehive/internal/logging"
	"codehive/internal/middleware"
	"codehive/internal/sandbox"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ExecuteRequest is the synchronous execute payload.
type ExecuteRequest struct {
	Code     string `json:"code" binding:"required"`
	Language string `json:"language" binding:"required"`
	Input    string `json:"input"`
	RoomID   string `json:"roomId" binding:"required"`
}

// Execute runs code through the queue and waits for the outcome. The
// result envelope is returned with 200 even for failed programs; only
// rejected submissions and infrastructure faults use error statuses.
func (s *Server) Execute(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	result, err := s.coordinator.SubmitAndAwait(c.Request.Context(), execution.SubmitRequest{
		Language: req.Language,
		Code:     req.Code,
		Stdin:    req.Input,
		RoomID:   req.RoomID,
		UserID:   userID,
	})
	if err != nil {
		var violation *sandbox.FilterViolation
		switch {
		case errors.Is(err, execution.ErrNotAuthorized):
			respondError(c, http.StatusForbidden, "you are not a member of this room", CodeNotMember)
		case errors.Is(err, execution.ErrUnknownLanguage):
			respondError(c, http.StatusBadRequest, "unsupported language", CodeUnsupportedLanguage)
		case errors.Is(err, execution.ErrSourceTooLarge):
			respondError(c, http.StatusBadRequest, "source exceeds the size limit", CodeSourceTooLarge)
		case errors.As(err, &violation):
			respondError(c, http.StatusBadRequest, violation.Error(), CodeForbiddenPattern)
		default:
			logging.L().Error("execute failed", zap.Uint("user_id", userID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "execution failed", CodeInternal)
		}
		return
	}

	respond(c, http.StatusOK, result)
}

// History returns the room's recent executions.
func (s *Server) History(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	roomID := c.Param("roomId")

	logs, err := s.coordinator.History(userID, roomID)
	if err != nil {
		if errors.Is(err, execution.ErrNotAuthorized) {
			respondError(c, http.StatusForbidden, "you are not a member of this room", CodeNotMember)
			return
		}
		logging.L().Error("history fetch failed", zap.String("room_id", roomID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to load history", CodeInternal)
		return
	}

	respond(c, http.StatusOK, logs)
}

// Languages lists the supported language profiles. Public.
func (s *Server) Languages(c *gin.Context) {
	respond(c, http.StatusOK, s.coordinator.Languages())
}
