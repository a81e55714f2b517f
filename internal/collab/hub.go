package collab

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"codehive/internal/auth"
	"codehive/internal/execution"
	"codehive/internal/kvs"
	"codehive/internal/logging"
	"codehive/internal/metrics"
	"codehive/internal/rooms"
	"codehive/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// socketKeyPrefix maps a user id to their live connection id so
	// peers can address a user across gateway instances.
	socketKeyPrefix = "socket:"
	socketTTL       = time.Hour
)

// Submitter is the execution entry point the fabric uses for
// code:execute. Satisfied by *execution.Coordinator.
type Submitter interface {
	Submit(ctx context.Context, req execution.SubmitRequest) (*models.Submission, string, error)
}

// roomState is the fabric's in-memory view of one active room:
// connected clients plus ephemeral cursor positions. Durable room
// state lives in the rooms store.
type roomState struct {
	clients map[string]*Client // keyed by connection id
	cursors map[uint]*CursorPosition
	mu      sync.RWMutex
}

// Hub routes events between connections. Durable state changes go
// through the rooms store; the hub itself holds only the
// connection↔user↔room relation and cursor state, both rebuildable.
type Hub struct {
	roomStore  *rooms.Store
	store      kvs.Store
	authSvc    *auth.Service
	submitter  Submitter
	history    *execution.HistoryStore
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	rooms   map[string]*roomState
	clients map[string]*Client // all connections by id

	upgrader websocket.Upgrader
}

// NewHub creates the fabric. submitter and history may be nil in
// tests exercising only room events.
func NewHub(roomStore *rooms.Store, store kvs.Store, authSvc *auth.Service, submitter Submitter, history *execution.HistoryStore, allowedOrigins []string) *Hub {
	return &Hub{
		roomStore:  roomStore,
		store:      store,
		authSvc:    authSvc,
		submitter:  submitter,
		history:    history,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rooms:      make(map[string]*roomState),
		clients:    make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		return false
	}
}

// Run processes connection registration until the context is
// cancelled, then closes every live connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// HandleWS authenticates the handshake and upgrades the connection.
// The bearer credential comes from the `token` query parameter or the
// Authorization header; a missing or invalid credential fails with 401
// before any event handler can run.
func (h *Hub) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "missing credentials", "code": "AUTH_HEADER_MISSING"})
		return
	}

	claims, err := h.authSvc.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token", "code": "INVALID_TOKEN"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		userID: claims.UserID,
		name:   claims.Name,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		rooms:  make(map[string]bool),
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	// Presence entry so peers can address the user by id.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.Set(ctx, socketKeyPrefix+itoa(client.userID), client.id, socketTTL); err != nil {
		logging.L().Warn("socket presence write failed", zap.Uint("user_id", client.userID), zap.Error(err))
	}

	metrics.Get().RecordWebSocketConnection(1)
	logging.L().Info("client connected",
		zap.Uint("user_id", client.userID), zap.Int("total", total))
}

// removeClient tears down every edge the connection holds: room
// memberships in the fabric, cursor state, and the presence key when
// this connection still owns it.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	joined := make([]string, 0, len(client.rooms))
	for roomID := range client.rooms {
		joined = append(joined, roomID)
	}
	h.mu.Unlock()

	for _, roomID := range joined {
		h.leaveRoom(client, roomID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := socketKeyPrefix + itoa(client.userID)
	if owner, err := h.store.Get(ctx, key); err == nil && owner == client.id {
		_ = h.store.Delete(ctx, key)
	}

	close(client.send)
	metrics.Get().RecordWebSocketConnection(-1)
	logging.L().Info("client disconnected", zap.Uint("user_id", client.userID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// joinRoom adds the connection to the room's fabric state and
// broadcasts the arrival plus the authoritative roster.
func (h *Hub) joinRoom(client *Client, roomID string) {
	h.mu.Lock()
	room := h.rooms[roomID]
	if room == nil {
		room = &roomState{
			clients: make(map[string]*Client),
			cursors: make(map[uint]*CursorPosition),
		}
		h.rooms[roomID] = room
	}
	client.rooms[roomID] = true
	h.mu.Unlock()

	room.mu.Lock()
	room.clients[client.id] = client
	room.mu.Unlock()

	h.broadcast(roomID, EventRoomUserJoined, UserRef{UserID: client.userID, Name: client.name}, client.id)
	h.broadcastRoster(roomID)
}

// leaveRoom removes the connection; when it was the user's last
// connection in the room, the departure is broadcast with a fresh
// roster.
func (h *Hub) leaveRoom(client *Client, roomID string) {
	h.mu.Lock()
	delete(client.rooms, roomID)
	room := h.rooms[roomID]
	h.mu.Unlock()
	if room == nil {
		return
	}

	room.mu.Lock()
	delete(room.clients, client.id)
	lastOfUser := true
	for _, other := range room.clients {
		if other.userID == client.userID {
			lastOfUser = false
			break
		}
	}
	if lastOfUser {
		delete(room.cursors, client.userID)
	}
	empty := len(room.clients) == 0
	room.mu.Unlock()

	if empty {
		h.mu.Lock()
		delete(h.rooms, roomID)
		h.mu.Unlock()
		return
	}

	if lastOfUser {
		h.broadcast(roomID, EventRoomUserLeft, UserRef{UserID: client.userID, Name: client.name}, "")
		h.broadcastRoster(roomID)
	}
}

// broadcast sends an event to every connection in the room except
// excludeConn (empty string excludes nobody). Slow clients are skipped
// rather than blocking the fabric.
func (h *Hub) broadcast(roomID, event string, data interface{}, excludeConn string) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}

	message := envelope(event, data)
	metrics.Get().RecordWebSocketMessage(event, "out", len(message))

	room.mu.RLock()
	defer room.mu.RUnlock()
	for connID, client := range room.clients {
		if connID == excludeConn {
			continue
		}
		select {
		case client.send <- message:
		default:
			logging.L().Warn("dropping event for slow client", zap.Uint("user_id", client.userID))
		}
	}
}

// broadcastRoster sends the authoritative member roster, deduplicated
// by user across multiple connections.
func (h *Hub) broadcastRoster(roomID string) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}

	room.mu.RLock()
	seen := make(map[uint]bool)
	roster := make([]UserRef, 0, len(room.clients))
	for _, client := range room.clients {
		if seen[client.userID] {
			continue
		}
		seen[client.userID] = true
		roster = append(roster, UserRef{UserID: client.userID, Name: client.name})
	}
	room.mu.RUnlock()

	h.broadcast(roomID, EventRoomUsers, roster, "")
}

func (h *Hub) setCursor(roomID string, userID uint, pos *CursorPosition) {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return
	}
	room.mu.Lock()
	room.cursors[userID] = pos
	room.mu.Unlock()
}

// BroadcastExecutionResult delivers a finished result to a room. Called
// by the result bridge when a worker publishes on the event channel.
func (h *Hub) BroadcastExecutionResult(roomID string, result *models.ExecutionResult) {
	h.broadcast(roomID, EventCodeExecutionResult, result, "")
}

// ConnectedUsers reports distinct users currently in the room's fabric
// state.
func (h *Hub) ConnectedUsers(roomID string) []UserRef {
	h.mu.RLock()
	room := h.rooms[roomID]
	h.mu.RUnlock()
	if room == nil {
		return nil
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	seen := make(map[uint]bool)
	users := make([]UserRef, 0, len(room.clients))
	for _, client := range room.clients {
		if !seen[client.userID] {
			seen[client.userID] = true
			users = append(users, UserRef{UserID: client.userID, Name: client.name})
		}
	}
	return users
}

func itoa(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
