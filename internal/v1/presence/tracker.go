// Package presence implements the Presence Tracker (spec §4.3): per-room,
// per-user activity status, derived from activity pings and idle/away
// timeouts, plus a global status roll-up across a user's joined rooms.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// idleAfter and awayAfter are the inactivity thresholds that downgrade a
// user's per-room status when no activity ping has refreshed it (spec §4.3).
const (
	idleAfter = 5 * time.Minute
	awayAfter = 15 * time.Minute

	// sweepInterval is how often the tracker re-evaluates every room's
	// statuses against the current time (spec §4.3 "30s re-evaluation").
	sweepInterval = 30 * time.Second
)

// Tracker owns the live presence records for every (room, user) pair a
// session has joined.
type Tracker struct {
	mu      sync.RWMutex
	records map[wire.RoomIDType]map[wire.UserIDType]*wire.PresenceRecord

	onChange func(wire.PresenceRecord)

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Tracker. onChange, if non-nil, is invoked (outside the
// tracker's lock) whenever a record's status changes, so the caller can
// broadcast a presence-update event.
func New(onChange func(wire.PresenceRecord)) *Tracker {
	t := &Tracker{
		records:  make(map[wire.RoomIDType]map[wire.UserIDType]*wire.PresenceRecord),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the background sweep goroutine.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Join registers a user's presence in a room as online.
func (t *Tracker) Join(roomID wire.RoomIDType, userID wire.UserIDType, sessionID wire.SessionIDType) wire.PresenceRecord {
	now := time.Now()
	rec := &wire.PresenceRecord{
		RoomID:       roomID,
		UserID:       userID,
		SessionID:    sessionID,
		Status:       wire.StatusOnline,
		JoinedAt:     now,
		LastActivity: now,
	}

	t.mu.Lock()
	if t.records[roomID] == nil {
		t.records[roomID] = make(map[wire.UserIDType]*wire.PresenceRecord)
	}
	t.records[roomID][userID] = rec
	t.mu.Unlock()

	t.notify(*rec)
	return *rec
}

// Leave removes a user's presence record from a room.
func (t *Tracker) Leave(roomID wire.RoomIDType, userID wire.UserIDType) {
	t.mu.Lock()
	var rec wire.PresenceRecord
	had := false
	if room, ok := t.records[roomID]; ok {
		if r, ok := room[userID]; ok {
			rec = *r
			had = true
			delete(room, userID)
		}
		if len(room) == 0 {
			delete(t.records, roomID)
		}
	}
	t.mu.Unlock()

	if had {
		rec.Status = wire.StatusOffline
		t.notify(rec)
	}
}

// Activity records an activity ping, refreshing the user's status to
// online and setting the annotating/viewing flags for the given kind
// (spec §4.3's activity-kind vocabulary).
func (t *Tracker) Activity(roomID wire.RoomIDType, userID wire.UserIDType, kind wire.ActivityKind) (wire.PresenceRecord, bool) {
	t.mu.Lock()
	room, ok := t.records[roomID]
	if !ok {
		t.mu.Unlock()
		return wire.PresenceRecord{}, false
	}
	rec, ok := room[userID]
	if !ok {
		t.mu.Unlock()
		return wire.PresenceRecord{}, false
	}

	rec.LastActivity = time.Now()
	rec.Status = wire.StatusOnline
	switch kind {
	case wire.ActivityAnnotating:
		rec.Annotating = true
	case wire.ActivityViewing:
		rec.Viewing = true
	case wire.ActivityIdle:
		rec.Status = wire.StatusIdle
	case wire.ActivityAway:
		rec.Status = wire.StatusAway
	}
	snapshot := *rec
	t.mu.Unlock()

	t.notify(snapshot)
	return snapshot, true
}

// RoomPresence returns a snapshot of every presence record in a room.
func (t *Tracker) RoomPresence(roomID wire.RoomIDType) []wire.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.records[roomID]
	out := make([]wire.PresenceRecord, 0, len(room))
	for _, r := range room {
		out = append(out, *r)
	}
	return out
}

// GlobalStatus rolls a user's statuses across every room they are present
// in up to the single best status (spec §3's roll-up rule: online beats
// idle beats away beats offline).
func (t *Tracker) GlobalStatus(userID wire.UserIDType) wire.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := wire.StatusOffline
	found := false
	for _, room := range t.records {
		if rec, ok := room[userID]; ok {
			best = wire.BestStatus(best, rec.Status)
			found = true
		}
	}
	if !found {
		return wire.StatusOffline
	}
	return best
}

func (t *Tracker) notify(rec wire.PresenceRecord) {
	if t.onChange != nil {
		t.onChange(rec)
	}
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep downgrades any record whose last activity has aged past the idle
// or away thresholds, notifying on every transition.
func (t *Tracker) sweep() {
	now := time.Now()
	var changed []wire.PresenceRecord

	t.mu.Lock()
	for _, room := range t.records {
		for _, rec := range room {
			age := now.Sub(rec.LastActivity)
			next := rec.Status
			switch {
			case age >= awayAfter:
				next = wire.StatusAway
			case age >= idleAfter:
				if rec.Status == wire.StatusOnline {
					next = wire.StatusIdle
				}
			}
			if next != rec.Status {
				rec.Status = next
				changed = append(changed, *rec)
			}
		}
	}
	t.mu.Unlock()

	for _, rec := range changed {
		slog.Debug("presence status transition", "room", rec.RoomID, "user", rec.UserID, "status", rec.Status)
		t.notify(rec)
	}
}
