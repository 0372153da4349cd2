// Package gateway implements the Session Gate (spec §4.1): WebSocket
// handshake authentication, the per-session connection lifecycle, and the
// central inbound-event router that drives every other component.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn is the subset of *websocket.Conn a Session needs, abstracted for
// testing with a fake transport.
type conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// Session is the server-side record of one authenticated bidirectional
// connection (spec §3). It satisfies room.Member and notify.Deliverer.
type Session struct {
	conn   conn
	send   chan []byte
	hub    *Hub
	router func(*Session, wire.Message)

	id            wire.SessionIDType
	user          wire.User
	remoteAddr    string
	connectedAt   time.Time
	correlationID string

	mu           sync.RWMutex
	lastActivity time.Time
	joinedRooms  map[wire.RoomIDType]struct{}
}

// SessionID satisfies room.Member.
func (s *Session) SessionID() wire.SessionIDType { return s.id }

// UserID satisfies room.Member and notify.Deliverer's implicit contract.
func (s *Session) UserID() wire.UserIDType { return s.user.ID }

// CorrelationID returns the request correlation id the Session Gate's HTTP
// handshake captured (middleware.CorrelationID), threaded through to every
// log line this session's message handling produces.
func (s *Session) CorrelationID() string { return s.correlationID }

// Send marshals msg and queues it on the session's buffered send channel,
// dropping it if the channel is full rather than blocking the caller (spec
// §5: "everything else is non-blocking and completes in-process").
func (s *Session) Send(msg wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
	default:
		slog.Warn("session send channel full, dropping frame", "sessionId", s.id, "type", msg.Type, "correlationId", s.correlationID)
	}
	return nil
}

// JoinedRoomIDs returns a snapshot of rooms this session has joined.
func (s *Session) JoinedRoomIDs() []wire.RoomIDType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.RoomIDType, 0, len(s.joinedRooms))
	for id := range s.joinedRooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) markJoined(roomID wire.RoomIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinedRooms[roomID] = struct{}{}
}

func (s *Session) markLeft(roomID wire.RoomIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinedRooms, roomID)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// readPump decodes inbound JSON frames and hands them to the router. It
// owns the disconnect cascade once the transport closes.
func (s *Session) readPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = s.Send(wire.NewErrorMessage("", wire.ErrCodeInvalidPayload, "malformed frame"))
			continue
		}

		s.touch()
		s.router(s, msg)
	}
}

// writePump drains the send channel onto the wire, closing the connection
// once the channel is closed by the hub.
func (s *Session) writePump() {
	defer s.conn.Close()
	for data := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
