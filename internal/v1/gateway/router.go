package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/apierr"
	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"go.uber.org/zap"
)

// logContext returns a context carrying this session's correlation id, for
// handlers that log through the logging package (spec §4.1's handshake
// correlation id, propagated into the OT/conflict/queue log fields).
func (s *Session) logContext() context.Context {
	return context.WithValue(context.Background(), logging.CorrelationIDKey, s.correlationID)
}

// route is the central router for every inbound frame, dispatching by
// event type per spec §6's inbound-event table. Mirrors the teacher's
// router switch shape; the only authorization is the REST-backed access
// check on join, and the other cases carry no permission check of their own.
func (h *Hub) route(s *Session, msg wire.Message) {
	start := time.Now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Type)).Observe(time.Since(start).Seconds())
	}()

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketEvent(context.Background(), string(s.user.ID)); err != nil {
			s.Send(wire.NewErrorMessage(msg.RoomID, wire.ErrCodeRateLimited, err.Error()))
			metrics.WebsocketEvents.WithLabelValues(string(msg.Type), "rate-limited").Inc()
			return
		}
	}

	var err error
	switch msg.Type {
	case wire.EventJoinRoom:
		err = h.handleJoin(s, msg)
	case wire.EventLeaveRoom:
		err = h.handleLeave(s, msg)
	case wire.EventCursorMove:
		err = h.handleCursorMove(s, msg)
	case wire.EventSelectionChange:
		err = h.handleSelectionChange(s, msg)
	case wire.EventAnnotationCreate:
		err = h.handleAnnotationCreate(s, msg)
	case wire.EventAnnotationUpdate:
		err = h.handleAnnotationUpdate(s, msg)
	case wire.EventAnnotationDelete:
		err = h.handleAnnotationDelete(s, msg)
	case wire.EventCommentCreate:
		err = h.handleCommentCreate(s, msg)
	case wire.EventTextEdit:
		err = h.handleTextEdit(s, msg)
	case wire.EventActivityPing:
		err = h.handleActivityPing(s, msg)
	default:
		s.Send(wire.NewErrorMessage(msg.RoomID, wire.ErrCodeInvalidPayload, "unknown event type"))
		metrics.WebsocketEvents.WithLabelValues(string(msg.Type), "unknown").Inc()
		return
	}

	if err != nil {
		s.Send(wire.NewErrorMessage(msg.RoomID, apierr.Code(err), err.Error()))
		metrics.WebsocketEvents.WithLabelValues(string(msg.Type), "error").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(string(msg.Type), "success").Inc()
}

func decode[T any](msg wire.Message) (T, error) {
	var payload T
	err := json.Unmarshal(msg.Payload, &payload)
	return payload, err
}

func (h *Hub) handleJoin(s *Session, msg wire.Message) error {
	payload, err := decode[wire.JoinRoomPayload](msg)
	if err != nil {
		return err
	}

	ctx := s.contextWithDeadline()
	defer ctx.cancel()

	if h.access != nil {
		allowed, accessErr := h.access.CheckAccess(ctx.ctx, payload.ProjectID, string(s.user.ID))
		if accessErr != nil || !allowed {
			s.Send(wire.NewErrorMessage("", wire.ErrCodeForbidden, "access denied"))
			return nil
		}
	}

	meta := wire.RoomMetadata{ProjectID: payload.ProjectID, TextID: payload.TextID}
	roomID, err := h.rooms.Join(ctx.ctx, meta, s)
	if err != nil {
		s.Send(wire.NewErrorMessage("", apierr.Code(err), err.Error()))
		return nil
	}
	s.markJoined(roomID)

	if h.presence != nil {
		h.presence.Join(roomID, s.user.ID, s.id)
	}
	color := ""
	if h.cursors != nil {
		color = h.cursors.AssignColor(roomID)
	}

	var annotations []wire.Annotation
	if h.annots != nil {
		annotations = h.annots.RoomAnnotations(roomID)
	}
	var presenceList []wire.PresenceRecord
	if h.presence != nil {
		presenceList = h.presence.RoomPresence(roomID)
	}

	state, err := wire.NewMessage(wire.EventRoomState, string(roomID), map[string]any{
		"roomId":      roomID,
		"annotations": annotations,
		"presence":    presenceList,
		"color":       color,
	})
	if err == nil {
		s.Send(state)
	}

	joined, err := wire.NewMessage(wire.EventUserJoined, string(roomID), map[string]string{"userId": string(s.user.ID)})
	if err == nil {
		h.rooms.Broadcast(roomID, joined, s.id)
	}
	return nil
}

func (h *Hub) handleLeave(s *Session, msg wire.Message) error {
	payload, err := decode[wire.JoinRoomPayload](msg)
	if err != nil {
		return err
	}
	roomID := room.DeriveID(wire.RoomMetadata{ProjectID: payload.ProjectID, TextID: payload.TextID}, h.roomSalt)

	h.rooms.Leave(context.Background(), roomID, s)
	s.markLeft(roomID)
	if h.presence != nil {
		h.presence.Leave(roomID, s.user.ID)
	}
	if h.cursors != nil {
		h.cursors.Leave(roomID, s.user.ID)
	}

	left, err := wire.NewMessage(wire.EventUserLeft, string(roomID), map[string]string{"userId": string(s.user.ID)})
	if err == nil {
		h.rooms.Broadcast(roomID, left, s.id)
	}
	return nil
}

func (h *Hub) handleCursorMove(s *Session, msg wire.Message) error {
	payload, err := decode[wire.CursorMovePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	cursor, changed := h.cursors.Update(roomID, s.user.ID, wire.TextIDType(payload.TextID), payload.Position, "")
	if h.presence != nil {
		h.presence.Activity(roomID, s.user.ID, wire.ActivityCursorMove)
	}
	if !changed {
		return nil
	}
	out, err := wire.NewMessage(wire.EventCursorUpdate, msg.RoomID, cursor)
	if err != nil {
		return err
	}
	h.rooms.Broadcast(roomID, out, s.id)
	return nil
}

func (h *Hub) handleSelectionChange(s *Session, msg wire.Message) error {
	payload, err := decode[wire.SelectionChangePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	sel, changed, err := h.cursors.UpdateSelection(roomID, s.user.ID, wire.TextIDType(payload.TextID), payload.Start, payload.End, "")
	if err != nil {
		s.Send(wire.NewErrorMessage(msg.RoomID, wire.ErrCodeInvalidPayload, err.Error()))
		return nil
	}
	if h.presence != nil {
		h.presence.Activity(roomID, s.user.ID, wire.ActivityTextSelect)
	}
	if !changed {
		return nil
	}
	out, err := wire.NewMessage(wire.EventSelectionUpdate, msg.RoomID, sel)
	if err != nil {
		return err
	}
	h.rooms.Broadcast(roomID, out, s.id)
	return nil
}

func (h *Hub) handleAnnotationCreate(s *Session, msg wire.Message) error {
	payload, err := decode[wire.AnnotationCreatePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	draft := wire.Annotation{
		LocalID:  payload.LocalID,
		TextID:   wire.TextIDType(payload.TextID),
		AuthorID: s.user.ID,
		Start:    payload.Start,
		End:      payload.End,
		Text:     payload.Text,
		Labels:   payload.Labels,
		Notes:    payload.Notes,
	}

	created, conflicts, err := h.annots.Create(context.Background(), roomID, draft)
	if err != nil {
		logging.Warn(s.logContext(), "annotation create rejected", zap.String("roomId", msg.RoomID), zap.String("textId", string(draft.TextID)), zap.Error(err))
		s.Send(wire.NewErrorMessage(msg.RoomID, apierr.Code(err), err.Error()))
		return nil
	}

	confirm, err := wire.NewMessage(wire.EventAnnotationConfirmed, msg.RoomID, created)
	if err == nil {
		s.Send(confirm)
	}
	broadcastMsg, err := wire.NewMessage(wire.EventAnnotationCreated, msg.RoomID, created)
	if err == nil {
		h.rooms.Broadcast(roomID, broadcastMsg, s.id)
	}

	h.broadcastConflicts(roomID, s, conflicts)
	return nil
}

func (h *Hub) handleAnnotationUpdate(s *Session, msg wire.Message) error {
	payload, err := decode[wire.AnnotationUpdatePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	existing, ok := findAnnotation(h.annots.RoomAnnotations(roomID), wire.AnnotationIDType(payload.AnnotationID))
	if !ok {
		s.Send(wire.NewErrorMessage(msg.RoomID, wire.ErrCodeInvalidPayload, "annotation not found"))
		return nil
	}
	if payload.Labels != nil {
		existing.Labels = *payload.Labels
	}
	if payload.Notes != nil {
		existing.Notes = *payload.Notes
	}
	if payload.Status != nil {
		existing.Status = wire.AnnotationStatus(*payload.Status)
	}

	updated, conflicts, err := h.annots.Update(context.Background(), roomID, existing, s.user.ID)
	if err != nil {
		logging.Warn(s.logContext(), "annotation update rejected", zap.String("roomId", msg.RoomID), zap.String("annotationId", payload.AnnotationID), zap.Error(err))
		s.Send(wire.NewErrorMessage(msg.RoomID, apierr.Code(err), err.Error()))
		return nil
	}

	out, err := wire.NewMessage(wire.EventAnnotationUpdated, msg.RoomID, updated)
	if err == nil {
		h.rooms.Broadcast(roomID, out, "")
	}
	h.broadcastConflicts(roomID, s, conflicts)
	return nil
}

func (h *Hub) handleAnnotationDelete(s *Session, msg wire.Message) error {
	payload, err := decode[wire.AnnotationDeletePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	if err := h.annots.Delete(context.Background(), roomID, wire.AnnotationIDType(payload.AnnotationID)); err != nil {
		s.Send(wire.NewErrorMessage(msg.RoomID, apierr.Code(err), err.Error()))
		return nil
	}
	out, err := wire.NewMessage(wire.EventAnnotationDeleted, msg.RoomID, payload)
	if err == nil {
		h.rooms.Broadcast(roomID, out, "")
	}
	return nil
}

func (h *Hub) handleCommentCreate(s *Session, msg wire.Message) error {
	payload, err := decode[wire.CommentCreatePayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)

	comment := h.annots.AddComment(roomID, wire.AnnotationIDType(payload.AnnotationID), s.user.ID, payload.Body)
	out, err := wire.NewMessage(wire.EventCommentCreated, msg.RoomID, comment)
	if err == nil {
		h.rooms.Broadcast(roomID, out, "")
	}
	return nil
}

func (h *Hub) handleTextEdit(s *Session, msg wire.Message) error {
	payload, err := decode[wire.TextEditPayload](msg)
	if err != nil {
		return err
	}
	roomID := wire.RoomIDType(msg.RoomID)
	payload.Op.AuthorID = s.user.ID

	transformed, err := h.annots.ApplyTextOperation(roomID, payload.Op)
	if err != nil {
		logging.Warn(s.logContext(), "text operation rejected", zap.String("roomId", msg.RoomID), zap.String("textId", string(payload.Op.TextID)), zap.Error(err))
		s.Send(wire.NewErrorMessage(msg.RoomID, apierr.Code(err), err.Error()))
		return nil
	}
	if h.cursors != nil {
		h.cursors.Rewrite(roomID, transformed.TextID, transformed)
	}

	out, err := wire.NewMessage(wire.EventTextOperation, msg.RoomID, transformed)
	if err != nil {
		return err
	}
	h.rooms.Broadcast(roomID, out, s.id)
	return nil
}

func (h *Hub) handleActivityPing(s *Session, msg wire.Message) error {
	payload, err := decode[wire.ActivityPingPayload](msg)
	if err != nil {
		return err
	}
	if h.presence == nil {
		return nil
	}
	roomID := wire.RoomIDType(msg.RoomID)
	rec, changed := h.presence.Activity(roomID, s.user.ID, payload.Kind)
	if !changed {
		return nil
	}
	out, err := wire.NewMessage(wire.EventPresenceUpdate, msg.RoomID, rec)
	if err != nil {
		return err
	}
	h.rooms.Broadcast(roomID, out, "")
	return nil
}

func findAnnotation(annotations []wire.Annotation, id wire.AnnotationIDType) (wire.Annotation, bool) {
	for _, a := range annotations {
		if a.ID == id {
			return a, true
		}
	}
	return wire.Annotation{}, false
}

func (h *Hub) broadcastConflicts(roomID wire.RoomIDType, s *Session, conflicts []wire.Conflict) {
	for _, c := range conflicts {
		logging.Info(s.logContext(), "conflict detected",
			zap.String("roomId", string(roomID)), zap.String("kind", string(c.Kind)), zap.String("severity", string(c.Severity)))

		out, err := wire.NewMessage(wire.EventConflictDetected, string(roomID), c)
		if err != nil {
			continue
		}
		h.rooms.Broadcast(roomID, out, "")
		s.Send(wire.NewErrorMessage(string(roomID), wire.ErrCodeConflict, "annotation conflicts with a concurrent edit"))
	}
}

type deadlineCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) contextWithDeadline() deadlineCtx {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	return deadlineCtx{ctx: ctx, cancel: cancel}
}
