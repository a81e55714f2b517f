// Package collab is the realtime room fabric: an authenticated
// websocket hub that dispatches typed events, enforces room membership
// on every one of them, persists durable room state, and fans results
// out to members.
package collab

import (
	"encoding/json"
	"strings"
	"time"

	"codehive/internal/logging"

	"go.uber.org/zap"
)

// Client→server events.
const (
	EventRoomJoin           = "room:join"
	EventRoomLeave          = "room:leave"
	EventRoomKickUser       = "room:kick-user"
	EventRoomUpdateSettings = "room:update-settings"
	EventCodeUpdate         = "code:update"
	EventCodeLanguageChange = "code:language-change"
	EventCodeInputUpdate    = "code:input-update"
	EventCodeExecute        = "code:execute"
	EventCodeSyncRequest    = "code:sync-request"
	EventCursorPosition     = "cursor:position"
	EventChatMessage        = "chat:message"
)

// Server→client events.
const (
	EventRoomUserJoined      = "room:user-joined"
	EventRoomUserLeft        = "room:user-left"
	EventRoomUsers           = "room:users"
	EventRoomUserKicked      = "room:user-kicked"
	EventRoomSettingsUpdated = "room:settings-updated"
	EventCodeUpdated         = "code:updated"
	EventCodeLanguageChanged = "code:language-changed"
	EventCodeInputUpdated    = "code:input-updated"
	EventCodeExecutionStart  = "code:execution-started"
	EventCodeExecutionResult = "code:execution-result"
	EventCodeSyncResponse    = "code:sync-response"
	EventCursorUpdated       = "cursor:position-updated"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// errorEventFor maps an inbound event to its namespaced error event,
// e.g. code:update → code:error.
func errorEventFor(event string) string {
	prefix := "room"
	if i := strings.Index(event, ":"); i > 0 {
		prefix = event[:i]
	}
	return prefix + ":error"
}

// UserRef identifies a user in broadcasts and rosters.
type UserRef struct {
	UserID uint   `json:"userId"`
	Name   string `json:"name"`
}

// CursorPosition is the ephemeral per-user cursor state. It lives only
// in fabric memory and is dropped on disconnect.
type CursorPosition struct {
	LineNumber int    `json:"lineNumber"`
	Column     int    `json:"column"`
	Selection  string `json:"selection,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type codeUpdatePayload struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language,omitempty"`
}

type languageChangePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

type inputUpdatePayload struct {
	RoomID string `json:"roomId"`
	Input  string `json:"input"`
}

type executePayload struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
	Code     string `json:"code"`
	Input    string `json:"input,omitempty"`
}

type cursorPayload struct {
	RoomID     string `json:"roomId"`
	LineNumber int    `json:"lineNumber"`
	Column     int    `json:"column"`
	Selection  string `json:"selection,omitempty"`
}

type kickPayload struct {
	RoomID       string `json:"roomId"`
	TargetUserID uint   `json:"targetUserId"`
}

type settingsPayload struct {
	RoomID      string  `json:"roomId"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsPublic    *bool   `json:"isPublic,omitempty"`
	Password    *string `json:"password,omitempty"`
	MaxUsers    *int    `json:"maxUsers,omitempty"`
}

type chatPayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

type chatBroadcast struct {
	RoomID  string    `json:"roomId"`
	UserID  uint      `json:"userId"`
	Name    string    `json:"name"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

type roomSnapshot struct {
	RoomID   string `json:"roomId"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		logging.L().Error("event marshal failed", zap.Error(err))
		return json.RawMessage(`{}`)
	}
	return data
}

func envelope(event string, data interface{}) []byte {
	raw, err := json.Marshal(&Envelope{Event: event, Data: mustMarshal(data)})
	if err != nil {
		return []byte(`{"event":"` + event + `"}`)
	}
	return raw
}
