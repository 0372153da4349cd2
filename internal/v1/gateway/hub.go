package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/annotation"
	"github.com/annotatehub/collab-server/internal/v1/cursor"
	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/notify"
	"github.com/annotatehub/collab-server/internal/v1/presence"
	"github.com/annotatehub/collab-server/internal/v1/queue"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TokenValidator verifies a bearer credential supplied at handshake time
// (spec §4.1's "verify it against the configured signing key") and returns
// the authenticated subject, which the gate then resolves via UserResolver.
type TokenValidator interface {
	ValidateToken(tokenString string) (subject string, err error)
}

// UserResolver resolves the authenticated subject against the external
// user-lookup REST collaborator (spec §4.1(c)).
type UserResolver interface {
	GetUser(ctx context.Context, userID string) (wire.User, error)
}

// AccessChecker authorizes a user's join against the external
// project-access REST collaborator.
type AccessChecker interface {
	CheckAccess(ctx context.Context, projectID, userID string) (bool, error)
}

// RateLimiter enforces the gate's connection and per-event limits.
type RateLimiter interface {
	CheckWebSocket(c *gin.Context) bool
	CheckWebSocketEvent(ctx context.Context, userID string) error
}

// Hub is the Session Gate: it authenticates WebSocket handshakes, then
// wires each admitted session to every other component through the
// central router (spec §6's inbound-event table).
type Hub struct {
	validator   TokenValidator
	users       UserResolver
	access      AccessChecker
	limiter     RateLimiter
	roomSalt    string
	allowedOrigins []string

	rooms     *room.Hub
	presence  *presence.Tracker
	cursors   *cursor.Tracker
	annots    *annotation.Broadcaster
	notifier  *notify.Dispatcher
	queues    *queue.Queue

	mu       sync.RWMutex
	sessions map[wire.UserIDType]map[wire.SessionIDType]*Session
}

// Deps bundles the Hub's collaborators so NewHub's signature stays short.
type Deps struct {
	Validator      TokenValidator
	Users          UserResolver
	Access         AccessChecker
	Limiter        RateLimiter
	RoomSalt       string
	AllowedOrigins []string
	Rooms          *room.Hub
	Presence       *presence.Tracker
	Cursors        *cursor.Tracker
	Annotations    *annotation.Broadcaster
	Notifier       *notify.Dispatcher
	Queues         *queue.Queue
}

// NewHub builds a Hub from its dependencies.
func NewHub(d Deps) *Hub {
	return &Hub{
		validator:      d.Validator,
		users:          d.Users,
		access:         d.Access,
		limiter:        d.Limiter,
		roomSalt:       d.RoomSalt,
		allowedOrigins: d.AllowedOrigins,
		rooms:          d.Rooms,
		presence:       d.Presence,
		cursors:        d.Cursors,
		annots:         d.Annotations,
		notifier:       d.Notifier,
		queues:         d.Queues,
		sessions:       make(map[wire.UserIDType]map[wire.SessionIDType]*Session),
	}
}

// OnlineSessions resolves a user's connected sessions as notify.Deliverers,
// wired into notify.New so offline users fall through to the durable queue.
func (h *Hub) OnlineSessions(userID wire.UserIDType) []notify.Deliverer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.sessions[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]notify.Deliverer, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.user.ID]
	if !ok {
		set = make(map[wire.SessionIDType]*Session)
		h.sessions[s.user.ID] = set
	}
	set[s.id] = s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[s.user.ID]
	if !ok {
		return
	}
	delete(set, s.id)
	if len(set) == 0 {
		delete(h.sessions, s.user.ID)
	}
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{
		New: func() any { return make([]byte, 4096) },
	},
}

// ServeWs authenticates the handshake and upgrades the connection, mirroring
// the Session Gate contract of spec §4.1: extract bearer credential, verify,
// resolve user, attach to session, register with the rate limiter.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	tokenString := bearerToken(c)
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	subject, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), subject)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}

	upgrader.CheckOrigin = h.checkOrigin
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	s := &Session{
		conn:          ws,
		send:          make(chan []byte, 256),
		hub:           h,
		router:        h.route,
		id:            wire.SessionIDType(uuid.NewString()),
		user:          user,
		remoteAddr:    c.ClientIP(),
		connectedAt:   time.Now(),
		lastActivity:  time.Now(),
		correlationID: c.GetString(string(logging.CorrelationIDKey)),
		joinedRooms:   make(map[wire.RoomIDType]struct{}),
	}

	h.register(s)
	metrics.IncConnection()

	if h.notifier != nil {
		h.notifier.Flush(user.ID, s.Send)
	}

	go s.writePump()
	go s.readPump()
}

// bearerToken extracts the handshake credential from the "token" query
// parameter (the teacher's Auth0 handshake shape, used by browser clients
// that can't set arbitrary headers on a WebSocket upgrade) or an
// "Authorization: Bearer <token>" header, for non-browser clients.
func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// handleDisconnect drives the disconnect cascade spec §4.1 names: Room
// Manager leave for each joined room, then Presence/Cursor teardown.
func (h *Hub) handleDisconnect(s *Session) {
	h.unregister(s)
	close(s.send)

	ctx := context.Background()
	for _, roomID := range s.JoinedRoomIDs() {
		h.rooms.Leave(ctx, roomID, s)
		if h.presence != nil {
			h.presence.Leave(roomID, s.user.ID)
		}
		if h.cursors != nil {
			h.cursors.Leave(roomID, s.user.ID)
		}
		msg, err := wire.NewMessage(wire.EventUserLeft, string(roomID), map[string]string{"userId": string(s.user.ID)})
		if err == nil {
			h.rooms.Broadcast(roomID, msg, s.id)
		}
	}
}

// allowedOriginsFromCSV splits a comma-separated ALLOWED_ORIGINS config
// value into a slice, trimming whitespace around each entry.
func allowedOriginsFromCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
