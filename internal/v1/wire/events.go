package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an inbound or outbound WebSocket event (spec §6).
type EventType string

// Inbound event types (client -> server).
const (
	EventJoinRoom        EventType = "join-room"
	EventLeaveRoom       EventType = "leave-room"
	EventCursorMove      EventType = "cursor-move"
	EventSelectionChange EventType = "selection-change"
	EventAnnotationCreate EventType = "annotation-create"
	EventAnnotationUpdate EventType = "annotation-update"
	EventAnnotationDelete EventType = "annotation-delete"
	EventCommentCreate    EventType = "comment-create"
	EventTextEdit         EventType = "text-edit"
	EventActivityPing     EventType = "activity-ping"
	EventPresenceSet      EventType = "presence-set"
)

// Outbound event types (server -> client).
const (
	EventRoomState          EventType = "room-state"
	EventUserJoined         EventType = "user-joined"
	EventUserLeft           EventType = "user-left"
	EventCursorUpdate       EventType = "cursor-update"
	EventSelectionUpdate    EventType = "selection-update"
	EventAnnotationCreated  EventType = "annotation-created"
	EventAnnotationUpdated  EventType = "annotation-updated"
	EventAnnotationDeleted  EventType = "annotation-deleted"
	EventAnnotationConfirmed EventType = "annotation-confirmed"
	EventCommentCreated     EventType = "comment-created"
	EventTextOperation      EventType = "text-operation"
	EventConflictDetected   EventType = "conflict-detected"
	EventConflictResolved   EventType = "conflict-resolved"
	EventPresenceUpdate     EventType = "presence-update"
	EventNotification       EventType = "notification"
	EventQueuedNotifications EventType = "queued-notifications"
	EventError              EventType = "error"
)

// ErrorCode enumerates the stable error codes carried on EventError frames (spec §7).
type ErrorCode string

const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeForbidden        ErrorCode = "forbidden"
	ErrCodeRoomNotFound     ErrorCode = "room-not-found"
	ErrCodeInvalidPayload   ErrorCode = "invalid-payload"
	ErrCodeRateLimited      ErrorCode = "rate-limited"
	ErrCodeConflict         ErrorCode = "conflict"
	ErrCodeInternal         ErrorCode = "internal"
	ErrCodeUpstreamDegraded ErrorCode = "upstream-degraded"
)

// Message is the single JSON envelope carried over the WebSocket connection
// in both directions (spec §6: "all frames are JSON-encoded").
type Message struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage builds an outbound Message with a fresh id and the current time,
// marshaling payload into the envelope.
func NewMessage(eventType EventType, roomID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      eventType,
		RoomID:    roomID,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// ErrorPayload is the payload shape of an EventError frame.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorMessage builds an EventError frame.
func NewErrorMessage(roomID string, code ErrorCode, msg string) Message {
	m, _ := NewMessage(EventError, roomID, ErrorPayload{Code: code, Message: msg})
	return m
}

// JoinRoomPayload is the payload of an inbound join-room event.
type JoinRoomPayload struct {
	ProjectID string `json:"projectId"`
	TextID    string `json:"textId,omitempty"`
}

// CursorMovePayload is the payload of an inbound cursor-move event.
type CursorMovePayload struct {
	TextID   string `json:"textId"`
	Position int    `json:"position"`
}

// SelectionChangePayload is the payload of an inbound selection-change event.
type SelectionChangePayload struct {
	TextID string `json:"textId"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// AnnotationCreatePayload is the payload of an inbound annotation-create event.
type AnnotationCreatePayload struct {
	LocalID string   `json:"localId,omitempty"`
	TextID  string   `json:"textId"`
	Start   int      `json:"startOffset"`
	End     int      `json:"endOffset"`
	Text    string   `json:"text"`
	Labels  []string `json:"labels"`
	Notes   string   `json:"notes,omitempty"`
}

// AnnotationUpdatePayload is the payload of an inbound annotation-update event.
type AnnotationUpdatePayload struct {
	AnnotationID string    `json:"id"`
	Labels       *[]string `json:"labels,omitempty"`
	Notes        *string   `json:"notes,omitempty"`
	Status       *string   `json:"status,omitempty"`
}

// AnnotationDeletePayload is the payload of an inbound annotation-delete event.
type AnnotationDeletePayload struct {
	AnnotationID string `json:"id"`
}

// CommentCreatePayload is the payload of an inbound comment-create event.
type CommentCreatePayload struct {
	AnnotationID string `json:"annotationId"`
	Body         string `json:"body"`
}

// TextEditPayload is the payload of an inbound text-edit event, carrying a
// single TextOperation to be transformed and applied by the OT engine.
type TextEditPayload struct {
	Op TextOperation `json:"op"`
}

// ActivityPingPayload is the payload of an inbound activity-ping event (spec §4.3).
type ActivityPingPayload struct {
	Kind ActivityKind `json:"kind"`
}
