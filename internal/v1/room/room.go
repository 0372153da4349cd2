// Package room implements the Room Manager (spec §4.2): join/leave
// membership, capacity enforcement, per-room FIFO broadcast, idle
// eviction, and stats, optionally mirrored to a cluster adapter for
// cross-node fan-out.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/cluster"
	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// ErrRoomFull is returned by Join when a room is already at capacity.
var ErrRoomFull = errors.New("room: at capacity")

const defaultCapacity = 50

// Member is the subset of session behavior the Room Manager needs to
// deliver events, decoupling this package from the transport layer the
// way the teacher's room package depends on types.ClientInterface rather
// than its websocket client directly.
type Member interface {
	SessionID() wire.SessionIDType
	UserID() wire.UserIDType
	Send(msg wire.Message) error
}

// Stats mirrors the spec §3 per-room counters.
type Stats struct {
	TotalJoins   int
	PeakUsers    int
	MessageCount int
}

// Room is one project[/text] collaboration space.
type Room struct {
	ID       wire.RoomIDType
	Metadata wire.RoomMetadata
	Capacity int

	mu           sync.RWMutex
	members      map[wire.SessionIDType]Member
	byUser       map[wire.UserIDType]map[wire.SessionIDType]struct{}
	createdAt    time.Time
	lastActivity time.Time
	stats        Stats
}

func newRoom(id wire.RoomIDType, meta wire.RoomMetadata, capacity int) *Room {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	now := time.Now()
	return &Room{
		ID:           id,
		Metadata:     meta,
		Capacity:     capacity,
		members:      make(map[wire.SessionIDType]Member),
		byUser:       make(map[wire.UserIDType]map[wire.SessionIDType]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
}

func (r *Room) memberCountLocked() int { return len(r.members) }

// Hub owns the set of live rooms, derives their ids, enforces capacity,
// mirrors membership to the cluster adapter, and runs the idle-eviction
// sweep (spec §4.2).
type Hub struct {
	salt      string
	capacity  int
	clusterAd cluster.Adapter

	mu    sync.RWMutex
	rooms map[wire.RoomIDType]*Room

	idleThreshold time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHub creates a Hub. clusterAd may be nil (single-instance mode); it
// accepts any cluster.Adapter so the Redis and NATS bindings are
// interchangeable.
func NewHub(salt string, capacity int, idleThreshold time.Duration, clusterAd cluster.Adapter) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	h := &Hub{
		salt:          salt,
		capacity:      capacity,
		clusterAd:     clusterAd,
		rooms:         make(map[wire.RoomIDType]*Room),
		idleThreshold: idleThreshold,
		stop:          make(chan struct{}),
	}
	go h.evictionLoop()
	return h
}

// Close stops the idle-eviction sweep.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// RoomID derives the opaque id for a piece of room metadata.
func (h *Hub) RoomID(meta wire.RoomMetadata) wire.RoomIDType {
	return DeriveID(meta, h.salt)
}

func (h *Hub) getOrCreate(id wire.RoomIDType, meta wire.RoomMetadata) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = newRoom(id, meta, h.capacity)
		h.rooms[id] = r
		metrics.ActiveRooms.Inc()
	}
	return r
}

// Join adds a session to a room, deriving the room id from meta and
// creating the room if it doesn't already exist. Returns ErrRoomFull once
// the room is at capacity.
func (h *Hub) Join(ctx context.Context, meta wire.RoomMetadata, member Member) (wire.RoomIDType, error) {
	id := h.RoomID(meta)
	r := h.getOrCreate(id, meta)

	r.mu.Lock()
	if r.memberCountLocked() >= r.Capacity {
		r.mu.Unlock()
		return id, ErrRoomFull
	}
	r.members[member.SessionID()] = member
	if r.byUser[member.UserID()] == nil {
		r.byUser[member.UserID()] = make(map[wire.SessionIDType]struct{})
	}
	r.byUser[member.UserID()][member.SessionID()] = struct{}{}
	r.lastActivity = time.Now()
	r.stats.TotalJoins++
	if n := r.memberCountLocked(); n > r.stats.PeakUsers {
		r.stats.PeakUsers = n
	}
	count := r.memberCountLocked()
	r.mu.Unlock()

	metrics.RoomParticipants.WithLabelValues(string(id)).Set(float64(count))

	if h.clusterAd != nil {
		_ = h.clusterAd.SetRoomMember(ctx, string(id), string(member.UserID()))
	}
	return id, nil
}

// Leave removes a session from a room. If the room becomes empty it is
// left in place for the idle-eviction sweep to reap, per spec §3's
// invariant ("room exists iff it has ≥1 member OR its idle age is under
// threshold").
func (h *Hub) Leave(ctx context.Context, roomID wire.RoomIDType, member Member) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, member.SessionID())
	if sessions, ok := r.byUser[member.UserID()]; ok {
		delete(sessions, member.SessionID())
		if len(sessions) == 0 {
			delete(r.byUser, member.UserID())
		}
	}
	r.lastActivity = time.Now()
	count := r.memberCountLocked()
	r.mu.Unlock()

	if count > 0 {
		metrics.RoomParticipants.WithLabelValues(string(roomID)).Set(float64(count))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	}

	if h.clusterAd != nil {
		_ = h.clusterAd.RemoveRoomMember(ctx, string(roomID), string(member.UserID()))
	}
}

// Broadcast delivers msg to every member of a room except excludeSession,
// in the server's dispatch order for that room (per-room lock ordering,
// spec §4.2/§5's per-room FIFO guarantee).
func (h *Hub) Broadcast(roomID wire.RoomIDType, msg wire.Message, excludeSession wire.SessionIDType) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	// The room lock is held across the entire fan-out, not just the
	// membership snapshot: releasing it between snapshot and send would let
	// two concurrent Broadcast calls for this room interleave their Send
	// loops, breaking the per-room FIFO guarantee this method documents.
	// Member.Send never blocks (buffered channel with a non-blocking drop
	// on full), so this can't stall the room under contention.
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastActivity = time.Now()
	r.stats.MessageCount++
	for sid, m := range r.members {
		if sid == excludeSession {
			continue
		}
		if err := m.Send(msg); err != nil {
			slog.Warn("room broadcast delivery failed", "room", roomID, "session", m.SessionID(), "error", err)
		}
	}
}

// SendToUser delivers msg to every session a user has open in a room.
func (h *Hub) SendToUser(roomID wire.RoomIDType, userID wire.UserIDType, msg wire.Message) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.RLock()
	var targets []Member
	for sid := range r.byUser[userID] {
		if m, ok := r.members[sid]; ok {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if err := m.Send(msg); err != nil {
			slog.Warn("room sendToUser delivery failed", "room", roomID, "user", userID, "error", err)
		}
	}
}

// List returns the ids of every live room.
func (h *Hub) List() []wire.RoomIDType {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]wire.RoomIDType, 0, len(h.rooms))
	for id := range h.rooms {
		out = append(out, id)
	}
	return out
}

// Stats returns the join/peak/message counters for a room.
func (h *Hub) Stats(roomID wire.RoomIDType) (Stats, bool) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats, true
}

// MemberCount returns the current number of joined sessions in a room.
func (h *Hub) MemberCount(roomID wire.RoomIDType) int {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memberCountLocked()
}

func (h *Hub) evictionLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() {
	now := time.Now()
	var dead []wire.RoomIDType

	h.mu.RLock()
	for id, r := range h.rooms {
		r.mu.RLock()
		empty := r.memberCountLocked() == 0
		idle := now.Sub(r.lastActivity) > h.idleThreshold
		r.mu.RUnlock()
		if empty && idle {
			dead = append(dead, id)
		}
	}
	h.mu.RUnlock()

	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	for _, id := range dead {
		delete(h.rooms, id)
		metrics.ActiveRooms.Dec()
		metrics.RoomParticipants.DeleteLabelValues(string(id))
	}
	h.mu.Unlock()

	for _, id := range dead {
		slog.Info("evicting idle room", "room", id)
	}
}
