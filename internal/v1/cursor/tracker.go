// Package cursor implements the Cursor Tracker (spec §4.4): per-room,
// per-user cursor and selection state, coalesced to avoid flooding the room
// with intermediate positions, with a fixed color palette and a stale-entry
// sweep for sessions that disconnected without a clean leave.
package cursor

import (
	"errors"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/ot"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// ErrInvalidSelection is returned when a selection's start/end violate the
// start <= end, non-negative invariant (spec §3).
var ErrInvalidSelection = errors.New("cursor: invalid selection range")

// coalesceInterval is the minimum spacing between broadcast cursor updates
// for the same user (spec §4.4's "100ms coalescing throttle").
const coalesceInterval = 100 * time.Millisecond

// sweepInterval is how often the stale sweep runs (spec §4.4).
const sweepInterval = 60 * time.Second

// staleAfter is how long a cursor can go without an update before the
// sweep evicts it (a disconnect that skipped the leave-room event).
const staleAfter = 5 * time.Minute

// palette is the fixed set of cursor colors assigned round-robin per room
// (spec §4.4). Colors repeat once a room exceeds len(palette) participants.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

type entry struct {
	cursor    wire.Cursor
	selection *wire.Selection
	lastSeen  time.Time
}

// Tracker owns cursor/selection state for every (room, user, text) triple.
type Tracker struct {
	mu    sync.Mutex
	rooms map[wire.RoomIDType]map[wire.UserIDType]*entry
	// colorIdx tracks the next palette index to assign per room.
	colorIdx map[wire.RoomIDType]int
	lastSent map[wire.RoomIDType]map[wire.UserIDType]time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Tracker and starts its background stale-entry sweep.
func New() *Tracker {
	t := &Tracker{
		rooms:    make(map[wire.RoomIDType]map[wire.UserIDType]*entry),
		colorIdx: make(map[wire.RoomIDType]int),
		lastSent: make(map[wire.RoomIDType]map[wire.UserIDType]time.Time),
		stop:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the sweep goroutine.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// AssignColor hands out the next color in the palette for a user newly
// joining a room, round-robin, stable for the lifetime of their membership.
func (t *Tracker) AssignColor(roomID wire.RoomIDType) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.colorIdx[roomID]
	color := palette[idx%len(palette)]
	t.colorIdx[roomID] = idx + 1
	return color
}

// Update records a cursor move, returning the updated cursor and whether it
// should be broadcast now (false if still within the coalescing window). A
// position recorded inside the window is not sent later by the tracker or
// its caller when the window closes.
func (t *Tracker) Update(roomID wire.RoomIDType, userID wire.UserIDType, textID wire.TextIDType, position int, color string) (wire.Cursor, bool) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.roomEntriesLocked(roomID)
	e, ok := room[userID]
	if !ok {
		e = &entry{}
		room[userID] = e
	}
	e.cursor = wire.Cursor{RoomID: roomID, UserID: userID, TextID: textID, Position: position, Color: color, UpdatedAt: now}
	e.lastSeen = now

	sent := t.lastSentRoomLocked(roomID)
	last, seen := sent[userID]
	if seen && now.Sub(last) < coalesceInterval {
		return e.cursor, false
	}
	sent[userID] = now
	return e.cursor, true
}

// UpdateSelection records a selection-range change, same coalescing
// semantics as Update.
func (t *Tracker) UpdateSelection(roomID wire.RoomIDType, userID wire.UserIDType, textID wire.TextIDType, start, end int, color string) (wire.Selection, bool, error) {
	sel := wire.Selection{RoomID: roomID, UserID: userID, TextID: textID, Start: start, End: end, Color: color}
	if !sel.Valid() {
		return wire.Selection{}, false, ErrInvalidSelection
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.roomEntriesLocked(roomID)
	e, ok := room[userID]
	if !ok {
		e = &entry{}
		room[userID] = e
	}
	e.selection = &sel
	e.lastSeen = now

	sent := t.lastSentRoomLocked(roomID)
	last, seen := sent[userID]
	if seen && now.Sub(last) < coalesceInterval {
		return sel, false, nil
	}
	sent[userID] = now
	return sel, true, nil
}

// Rewrite shifts every tracked cursor and selection offset in a text by the
// effect of op (spec §4.4: cursor anchors must follow concurrent edits),
// delegating the actual arithmetic to the OT engine's offset rewrite rule.
func (t *Tracker) Rewrite(roomID wire.RoomIDType, textID wire.TextIDType, op wire.TextOperation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[roomID]
	for _, e := range room {
		if e.cursor.TextID == textID {
			e.cursor.Position = ot.RewriteOffset(e.cursor.Position, op)
		}
		if e.selection != nil && e.selection.TextID == textID {
			e.selection.Start = ot.RewriteOffset(e.selection.Start, op)
			e.selection.End = ot.RewriteOffset(e.selection.End, op)
		}
	}
}

// Leave drops a user's tracked cursor/selection state in a room.
func (t *Tracker) Leave(roomID wire.RoomIDType, userID wire.UserIDType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.rooms[roomID]; ok {
		delete(room, userID)
	}
	if sent, ok := t.lastSent[roomID]; ok {
		delete(sent, userID)
	}
}

// RoomCursors returns a snapshot of every cursor in a room.
func (t *Tracker) RoomCursors(roomID wire.RoomIDType) []wire.Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	out := make([]wire.Cursor, 0, len(room))
	for _, e := range room {
		out = append(out, e.cursor)
	}
	return out
}

func (t *Tracker) roomEntriesLocked(roomID wire.RoomIDType) map[wire.UserIDType]*entry {
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[wire.UserIDType]*entry)
		t.rooms[roomID] = room
	}
	return room
}

func (t *Tracker) lastSentRoomLocked(roomID wire.RoomIDType) map[wire.UserIDType]time.Time {
	sent, ok := t.lastSent[roomID]
	if !ok {
		sent = make(map[wire.UserIDType]time.Time)
		t.lastSent[roomID] = sent
	}
	return sent
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

func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-staleAfter)
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, room := range t.rooms {
		for userID, e := range room {
			if e.lastSeen.Before(cutoff) {
				delete(room, userID)
				if sent, ok := t.lastSent[roomID]; ok {
					delete(sent, userID)
				}
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
}
