package api

import (
	"errors"
	"net/http"
	"strconv"

	"codehive/internal/logging"
	"codehive/internal/middleware"
	"codehive/internal/rooms"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateRoomRequest is the room creation payload.
type CreateRoomRequest struct {
	Name        string `json:"name" binding:"required,min=3,max=100"`
	Description string `json:"description" binding:"max=500"`
	IsPublic    *bool  `json:"isPublic"`
	Password    string `json:"password"`
	MaxUsers    int    `json:"maxUsers"`
	Language    string `json:"language"`
}

// JoinRoomRequest is the join payload.
type JoinRoomRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	Password string `json:"password"`
}

// UpdateRoomRequest carries the owner-editable fields; absent fields
// are left untouched.
type UpdateRoomRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsPublic    *bool   `json:"isPublic"`
	Password    *string `json:"password"`
	MaxUsers    *int    `json:"maxUsers"`
}

// ListRooms returns a filtered page of rooms.
func (s *Server) ListRooms(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	params := rooms.ListParams{
		Page:     page,
		Limit:    limit,
		Search:   c.Query("search"),
		Language: c.Query("language"),
	}
	if raw := c.Query("isPublic"); raw != "" {
		if isPublic, err := strconv.ParseBool(raw); err == nil {
			params.IsPublic = &isPublic
		}
	}

	list, total, err := s.rooms.List(params)
	if err != nil {
		logging.L().Error("room list failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to list rooms", CodeInternal)
		return
	}

	respond(c, http.StatusOK, gin.H{
		"rooms": list,
		"total": total,
		"page":  params.Page,
		"limit": params.Limit,
	})
}

// CreateRoom creates a room owned by the caller.
func (s *Server) CreateRoom(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}
	if req.MaxUsers == 0 {
		req.MaxUsers = 10
	}
	if req.Language == "" {
		req.Language = "python"
	}

	room, err := s.rooms.Create(rooms.CreateParams{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    isPublic,
		Password:    req.Password,
		MaxUsers:    req.MaxUsers,
		Language:    req.Language,
		OwnerID:     userID,
	})
	if err != nil {
		if errors.Is(err, rooms.ErrNeedPassword) {
			respondError(c, http.StatusBadRequest, "private rooms require a password", CodeNeedPassword)
			return
		}
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	respond(c, http.StatusCreated, room)
}

// JoinRoom adds the caller to a room.
func (s *Server) JoinRoom(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	room, err := s.rooms.Join(userID, req.RoomID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			respondError(c, http.StatusNotFound, "room not found", CodeRoomNotFound)
		case errors.Is(err, rooms.ErrBadPassword):
			respondError(c, http.StatusUnauthorized, "incorrect room password", CodeBadPassword)
		case errors.Is(err, rooms.ErrRoomFull):
			respondError(c, http.StatusForbidden, "room is at capacity", CodeRoomFull)
		case errors.Is(err, rooms.ErrAlreadyMember):
			respondError(c, http.StatusConflict, "already a member of this room", CodeAlreadyMember)
		default:
			logging.L().Error("room join failed", zap.String("room_id", req.RoomID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to join room", CodeInternal)
		}
		return
	}

	respond(c, http.StatusOK, room)
}

// LeaveRoom removes the caller's membership. The owner leaving deletes
// the room for everyone.
func (s *Server) LeaveRoom(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	roomID := c.Param("id")

	deleted, err := s.rooms.Leave(userID, roomID)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			respondError(c, http.StatusNotFound, "room not found", CodeRoomNotFound)
		case errors.Is(err, rooms.ErrNotMember):
			respondError(c, http.StatusNotFound, "not a member of this room", CodeNotMember)
		default:
			logging.L().Error("room leave failed", zap.String("room_id", roomID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to leave room", CodeInternal)
		}
		return
	}

	respond(c, http.StatusOK, gin.H{"roomDeleted": deleted})
}

// UpdateRoom changes room settings. Owner only.
func (s *Server) UpdateRoom(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	roomID := c.Param("id")

	var req UpdateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		return
	}

	room, err := s.rooms.UpdateSettings(userID, roomID, rooms.SettingsUpdate{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    req.IsPublic,
		Password:    req.Password,
		MaxUsers:    req.MaxUsers,
	})
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			respondError(c, http.StatusNotFound, "room not found", CodeRoomNotFound)
		case errors.Is(err, rooms.ErrNotOwner):
			respondError(c, http.StatusForbidden, "only the room owner can change settings", CodeNotOwner)
		case errors.Is(err, rooms.ErrNeedPassword):
			respondError(c, http.StatusBadRequest, "private rooms require a password", CodeNeedPassword)
		default:
			respondError(c, http.StatusBadRequest, err.Error(), CodeInvalidRequest)
		}
		return
	}

	respond(c, http.StatusOK, room)
}

// DeleteRoom removes a room and its memberships. Owner only.
func (s *Server) DeleteRoom(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)
	roomID := c.Param("id")

	if err := s.rooms.Delete(userID, roomID); err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			respondError(c, http.StatusNotFound, "room not found", CodeRoomNotFound)
		case errors.Is(err, rooms.ErrNotOwner):
			respondError(c, http.StatusForbidden, "only the room owner can delete the room", CodeNotOwner)
		default:
			logging.L().Error("room delete failed", zap.String("room_id", roomID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to delete room", CodeInternal)
		}
		return
	}

	respond(c, http.StatusOK, gin.H{"deleted": true})
}
