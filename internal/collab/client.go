package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"codehive/internal/execution"
	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/internal/rooms"
	"codehive/internal/sandbox"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	maxMessageSize = 64 * 1024

	handlerTimeout = 5 * time.Second
)

// Client is one authenticated websocket connection. A user may hold
// several connections; the fabric tracks them independently.
type Client struct {
	id     string
	userID uint
	name   string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte

	// rooms this connection joined; guarded by hub.mu.
	rooms map[string]bool
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.L().Warn("websocket read error", zap.Uint("user_id", c.userID), zap.Error(err))
			}
			break
		}
		c.handleEvent(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues a message for this connection only.
func (c *Client) deliver(event string, data interface{}) {
	message := envelope(event, data)
	metrics.Get().RecordWebSocketMessage(event, "out", len(message))
	select {
	case c.send <- message:
	default:
	}
}

func (c *Client) sendError(inboundEvent, message string) {
	c.deliver(errorEventFor(inboundEvent), map[string]string{"message": message})
}

// handleEvent dispatches one inbound envelope. Errors are reported on
// the namespaced error event and never tear down the connection.
func (c *Client) handleEvent(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("room:invalid", "invalid message format")
		return
	}
	metrics.Get().RecordWebSocketMessage(env.Event, "in", len(data))

	switch env.Event {
	case EventRoomJoin:
		c.handleRoomJoin(env)
	case EventRoomLeave:
		c.handleRoomLeave(env)
	case EventCodeUpdate:
		c.handleCodeUpdate(env)
	case EventCodeLanguageChange:
		c.handleLanguageChange(env)
	case EventCodeInputUpdate:
		c.handleInputUpdate(env)
	case EventCodeExecute:
		c.handleExecute(env)
	case EventCodeSyncRequest:
		c.handleSyncRequest(env)
	case EventCursorPosition:
		c.handleCursorPosition(env)
	case EventRoomKickUser:
		c.handleKickUser(env)
	case EventRoomUpdateSettings:
		c.handleUpdateSettings(env)
	case EventChatMessage:
		c.handleChatMessage(env)
	default:
		c.sendError(env.Event, "unknown event: "+env.Event)
	}
}

// requireMember is the universal precondition: every handler checks
// membership first and stops with a typed error event for non-members.
func (c *Client) requireMember(event, roomID string) bool {
	if roomID == "" {
		c.sendError(event, "roomId is required")
		return false
	}
	ok, err := c.hub.roomStore.IsMember(c.userID, roomID)
	if err != nil {
		logging.L().Error("membership check failed",
			zap.Uint("user_id", c.userID), zap.String("room_id", roomID), zap.Error(err))
		c.sendError(event, "internal error")
		return false
	}
	if !ok {
		c.sendError(event, "you are not a member of this room")
		return false
	}
	return true
}

func (c *Client) handleRoomJoin(env Envelope) {
	var p roomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	room, err := c.hub.roomStore.GetByRoomID(p.RoomID)
	if err != nil {
		c.sendError(env.Event, "room not found")
		return
	}

	c.hub.joinRoom(c, p.RoomID)

	// The joiner gets the current shared state immediately.
	c.deliver(EventCodeSyncResponse, roomSnapshot{
		RoomID:   room.RoomID,
		Code:     room.LastCode,
		Language: room.Language,
		Input:    room.LastInput,
	})
}

func (c *Client) handleRoomLeave(env Envelope) {
	var p roomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	c.hub.leaveRoom(c, p.RoomID)
}

func (c *Client) handleCodeUpdate(env Envelope) {
	var p codeUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	if err := c.hub.roomStore.UpdateCode(p.RoomID, p.Code, p.Language); err != nil {
		c.sendError(env.Event, "failed to save code")
		return
	}

	// Receivers treat every update as a full replace.
	c.hub.broadcast(p.RoomID, EventCodeUpdated, map[string]interface{}{
		"roomId":   p.RoomID,
		"code":     p.Code,
		"language": p.Language,
		"userId":   c.userID,
	}, c.id)
}

func (c *Client) handleLanguageChange(env Envelope) {
	var p languageChangePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	if err := c.hub.roomStore.UpdateLanguage(p.RoomID, p.Language); err != nil {
		c.sendError(env.Event, "failed to change language")
		return
	}

	// Language changes reach the sender too so every editor reloads.
	c.hub.broadcast(p.RoomID, EventCodeLanguageChanged, map[string]interface{}{
		"roomId":   p.RoomID,
		"language": p.Language,
		"userId":   c.userID,
	}, "")
}

func (c *Client) handleInputUpdate(env Envelope) {
	var p inputUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	if err := c.hub.roomStore.UpdateInput(p.RoomID, p.Input); err != nil {
		c.sendError(env.Event, "failed to save input")
		return
	}

	c.hub.broadcast(p.RoomID, EventCodeInputUpdated, map[string]interface{}{
		"roomId": p.RoomID,
		"input":  p.Input,
		"userId": c.userID,
	}, c.id)
}

func (c *Client) handleExecute(env Envelope) {
	var p executePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}
	if c.hub.submitter == nil {
		c.sendError(env.Event, "execution is not available")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	sub, _, err := c.hub.submitter.Submit(ctx, execution.SubmitRequest{
		Language: p.Language,
		Code:     p.Code,
		Stdin:    p.Input,
		RoomID:   p.RoomID,
		UserID:   c.userID,
	})
	if err != nil {
		c.sendError(env.Event, submitErrorMessage(err))
		return
	}

	// The result arrives later via code:execution-result once the
	// worker publishes it.
	c.hub.broadcast(p.RoomID, EventCodeExecutionStart, map[string]interface{}{
		"roomId":       p.RoomID,
		"submissionId": sub.SubmissionID,
		"language":     sub.Language,
		"userId":       c.userID,
	}, "")
}

func submitErrorMessage(err error) string {
	switch {
	case errors.Is(err, execution.ErrNotAuthorized):
		return "you are not a member of this room"
	case errors.Is(err, execution.ErrUnknownLanguage):
		return "unsupported language"
	case errors.Is(err, execution.ErrSourceTooLarge):
		return "source is too large"
	}
	var violation *sandbox.FilterViolation
	if errors.As(err, &violation) {
		return violation.Error()
	}
	return "failed to start execution"
}

func (c *Client) handleSyncRequest(env Envelope) {
	var p roomPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	room, err := c.hub.roomStore.GetByRoomID(p.RoomID)
	if err != nil {
		c.sendError(env.Event, "room not found")
		return
	}

	// Sync responses go to the requester only.
	c.deliver(EventCodeSyncResponse, roomSnapshot{
		RoomID:   room.RoomID,
		Code:     room.LastCode,
		Language: room.Language,
		Input:    room.LastInput,
	})
}

func (c *Client) handleCursorPosition(env Envelope) {
	var p cursorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	c.hub.setCursor(p.RoomID, c.userID, &CursorPosition{
		LineNumber: p.LineNumber,
		Column:     p.Column,
		Selection:  p.Selection,
	})

	c.hub.broadcast(p.RoomID, EventCursorUpdated, map[string]interface{}{
		"roomId":     p.RoomID,
		"userId":     c.userID,
		"name":       c.name,
		"lineNumber": p.LineNumber,
		"column":     p.Column,
		"selection":  p.Selection,
	}, c.id)
}

func (c *Client) handleKickUser(env Envelope) {
	var p kickPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	if err := c.hub.roomStore.Kick(c.userID, p.TargetUserID, p.RoomID); err != nil {
		switch {
		case errors.Is(err, rooms.ErrRoleTooLow):
			c.sendError(env.Event, "you cannot kick this user")
		case errors.Is(err, rooms.ErrNotMember):
			c.sendError(env.Event, "user is not a member")
		default:
			c.sendError(env.Event, "kick failed")
		}
		return
	}

	// The transport connection is left alone; the removed membership
	// makes every later event fail its membership check.
	c.hub.broadcast(p.RoomID, EventRoomUserKicked, map[string]interface{}{
		"roomId":   p.RoomID,
		"userId":   p.TargetUserID,
		"kickedBy": c.userID,
	}, "")
	c.hub.broadcastRoster(p.RoomID)
}

func (c *Client) handleUpdateSettings(env Envelope) {
	var p settingsPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}

	room, err := c.hub.roomStore.UpdateSettings(c.userID, p.RoomID, rooms.SettingsUpdate{
		Name:        p.Name,
		Description: p.Description,
		IsPublic:    p.IsPublic,
		Password:    p.Password,
		MaxUsers:    p.MaxUsers,
	})
	if err != nil {
		if errors.Is(err, rooms.ErrNotOwner) {
			c.sendError(env.Event, "only the owner can change settings")
		} else {
			c.sendError(env.Event, "failed to update settings")
		}
		return
	}

	c.hub.broadcast(p.RoomID, EventRoomSettingsUpdated, room, "")
}

func (c *Client) handleChatMessage(env Envelope) {
	var p chatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		c.sendError(env.Event, "invalid payload")
		return
	}
	if !c.requireMember(env.Event, p.RoomID) {
		return
	}
	if p.Message == "" || len(p.Message) > 2000 {
		c.sendError(env.Event, "message must be 1-2000 characters")
		return
	}

	// Chat is a pure authorized relay; nothing is persisted.
	c.hub.broadcast(p.RoomID, EventChatMessage, chatBroadcast{
		RoomID:  p.RoomID,
		UserID:  c.userID,
		Name:    c.name,
		Message: p.Message,
		SentAt:  time.Now(),
	}, "")
}
