// Package annotation implements the Annotation Broadcaster (spec §4.5):
// create/update/delete/comment flows that serialize concurrent edits via a
// distributed lock, rewrite offsets through the OT engine, detect
// conflicts, and broadcast the outcome to the room.
package annotation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/cluster"
	"github.com/annotatehub/collab-server/internal/v1/conflict"
	"github.com/annotatehub/collab-server/internal/v1/ot"
	"github.com/annotatehub/collab-server/internal/v1/queue"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/sanitize"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/google/uuid"
)

// ErrValidation is returned when a draft annotation fails the §3 shape
// invariants (0 <= start <= end).
var ErrValidation = errors.New("annotation: validation failed")

// ErrConflict is returned when a distributed lock could not be acquired
// within the retry budget (spec §4.5's "Lock acquisition failure ... returns Conflict").
var ErrConflict = errors.New("annotation: lock contention, retry")

// ErrNotMember is returned when the acting session has not joined roomID.
var ErrNotMember = errors.New("annotation: not a room member")

const (
	lockTTL        = 10 * time.Second
	lockRetries    = 3
	lockRetryDelay = 50 * time.Millisecond
)

// Broadcaster owns the per-room annotation cache and wires together the
// room hub, OT engine, conflict resolver, cluster lock, and durable queue.
type Broadcaster struct {
	hub             *room.Hub
	cl              cluster.Adapter
	q               *queue.Queue
	defaultStrategy conflict.Strategy

	mu         sync.Mutex
	engines    map[wire.RoomIDType]*ot.Engine
	cache      map[wire.RoomIDType]map[wire.AnnotationIDType]wire.Annotation
	comments   map[wire.RoomIDType][]wire.Comment
	lastEditor map[wire.AnnotationIDType]wire.UserIDType
}

// New creates a Broadcaster. cl and q may be nil (single-instance mode /
// no durable queue). cl accepts any cluster.Adapter, so the Redis and
// NATS bindings are interchangeable.
func New(hub *room.Hub, cl cluster.Adapter, q *queue.Queue, defaultStrategy conflict.Strategy) *Broadcaster {
	return &Broadcaster{
		hub:             hub,
		cl:              cl,
		q:               q,
		defaultStrategy: defaultStrategy,
		engines:         make(map[wire.RoomIDType]*ot.Engine),
		cache:           make(map[wire.RoomIDType]map[wire.AnnotationIDType]wire.Annotation),
		comments:        make(map[wire.RoomIDType][]wire.Comment),
		lastEditor:      make(map[wire.AnnotationIDType]wire.UserIDType),
	}
}

func (b *Broadcaster) engineFor(roomID wire.RoomIDType) *ot.Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.engines[roomID]
	if !ok {
		e = ot.NewEngine()
		b.engines[roomID] = e
	}
	return e
}

func (b *Broadcaster) roomCache(roomID wire.RoomIDType) map[wire.AnnotationIDType]wire.Annotation {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cache[roomID]
	if !ok {
		c = make(map[wire.AnnotationIDType]wire.Annotation)
		b.cache[roomID] = c
	}
	return c
}

func (b *Broadcaster) othersInRoom(roomID wire.RoomIDType, textID wire.TextIDType, exclude wire.AnnotationIDType) []wire.Annotation {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []wire.Annotation
	for id, a := range b.cache[roomID] {
		if id == exclude || a.TextID != textID {
			continue
		}
		out = append(out, a)
	}
	return out
}

// withLock best-effort serializes concurrent edits to one annotation via
// the cluster adapter. In single-instance mode (cl == nil) the broadcaster
// relies on its own mutex instead and always proceeds.
func (b *Broadcaster) withLock(ctx context.Context, lockKey string, fn func() error) error {
	if b.cl == nil {
		return fn()
	}

	var nonce string
	var acquired bool
	var err error
	for attempt := 0; attempt < lockRetries; attempt++ {
		nonce, acquired, err = b.cl.AcquireLock(ctx, lockKey, lockTTL)
		if err != nil {
			return err
		}
		if acquired {
			break
		}
		time.Sleep(lockRetryDelay)
	}
	if !acquired {
		return ErrConflict
	}
	defer func() { _ = b.cl.ReleaseLock(ctx, lockKey, nonce) }()
	return fn()
}

// Create validates and stores a new annotation, detects conflicts against
// the room's other annotations on the same text, and reports whether it
// should be broadcast as created or as a conflict.
//
// docLen comes from the room's OT engine, the only component that tracks a
// text's length from actual operations; until the first operation lands on
// a text, the engine has no authoritative length, so Create seeds one from
// the draft's own bound (a best-effort lower bound, not a validated ceiling).
func (b *Broadcaster) Create(ctx context.Context, roomID wire.RoomIDType, draft wire.Annotation) (wire.Annotation, []wire.Conflict, error) {
	engine := b.engineFor(roomID)
	docLen, known := engine.DocLen(draft.TextID)
	if !known {
		docLen = draft.End
	}
	if !draft.Valid(docLen) {
		return wire.Annotation{}, nil, ErrValidation
	}
	engine.ObserveBound(draft.TextID, draft.End)

	draft.ID = wire.AnnotationIDType(uuid.NewString())
	draft.Status = wire.AnnotationPending
	draft.Notes = sanitize.PlainText(draft.Notes)
	now := time.Now()
	draft.CreatedAt = now
	draft.UpdatedAt = now

	var conflicts []wire.Conflict
	lockKey := "annotation:" + string(roomID) + ":" + string(draft.TextID) + ":" + string(draft.ID)
	err := b.withLock(ctx, lockKey, func() error {
		others := b.othersInRoom(roomID, draft.TextID, draft.ID)
		conflicts = conflict.Detect(roomID, draft, others)

		cache := b.roomCache(roomID)
		b.mu.Lock()
		cache[draft.ID] = draft
		b.lastEditor[draft.ID] = draft.AuthorID
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return wire.Annotation{}, nil, err
	}

	if len(conflicts) > 0 && b.q != nil {
		b.q.EnqueueRoom(string(roomID), "conflict-resolution", nil, wire.PriorityHigh, nil)
	}
	return draft, conflicts, nil
}

// Update applies offset rewriting against the room's recent operation log
// (via the OT engine), re-checks for conflicts — including a temporal
// conflict against the annotation's own prior edit (spec §4.7) — and stores
// the result. editorID is who submitted this update, which may differ from
// the annotation's immutable AuthorID.
func (b *Broadcaster) Update(ctx context.Context, roomID wire.RoomIDType, updated wire.Annotation, editorID wire.UserIDType) (wire.Annotation, []wire.Conflict, error) {
	engine := b.engineFor(roomID)
	docLen, known := engine.DocLen(updated.TextID)
	if !known {
		docLen = updated.End
	}
	if !updated.Valid(docLen) {
		return wire.Annotation{}, nil, ErrValidation
	}
	engine.ObserveBound(updated.TextID, updated.End)

	lockKey := "annotation:" + string(roomID) + ":" + string(updated.TextID) + ":" + string(updated.ID)
	var conflicts []wire.Conflict
	err := b.withLock(ctx, lockKey, func() error {
		cache := b.roomCache(roomID)
		b.mu.Lock()
		existing, ok := cache[updated.ID]
		previousEditor := b.lastEditor[updated.ID]
		b.mu.Unlock()
		if !ok {
			return ErrValidation
		}

		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = time.Now()
		updated.Notes = sanitize.PlainText(updated.Notes)

		others := b.othersInRoom(roomID, updated.TextID, updated.ID)
		conflicts = conflict.Detect(roomID, updated, others)
		if c, ok := conflict.DetectTemporal(roomID, updated.ID, existing.UpdatedAt, updated.UpdatedAt, previousEditor, editorID); ok {
			conflicts = append(conflicts, c)
		}

		b.mu.Lock()
		cache[updated.ID] = updated
		b.lastEditor[updated.ID] = editorID
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return wire.Annotation{}, nil, err
	}

	if len(conflicts) > 0 && b.q != nil {
		b.q.EnqueueRoom(string(roomID), "conflict-resolution", nil, wire.PriorityHigh, nil)
	}
	return updated, conflicts, nil
}

// Delete removes an annotation from the room cache.
func (b *Broadcaster) Delete(ctx context.Context, roomID wire.RoomIDType, annotationID wire.AnnotationIDType) error {
	cache := b.roomCache(roomID)
	b.mu.Lock()
	textID := cache[annotationID].TextID
	b.mu.Unlock()
	lockKey := "annotation:" + string(roomID) + ":" + string(textID) + ":" + string(annotationID)
	return b.withLock(ctx, lockKey, func() error {
		b.mu.Lock()
		delete(cache, annotationID)
		delete(b.lastEditor, annotationID)
		b.mu.Unlock()
		return nil
	})
}

// AddComment appends a comment to the room's comment thread.
func (b *Broadcaster) AddComment(roomID wire.RoomIDType, annotationID wire.AnnotationIDType, authorID wire.UserIDType, body string) wire.Comment {
	c := wire.Comment{
		ID:           uuid.NewString(),
		AnnotationID: string(annotationID),
		AuthorID:     authorID,
		Body:         sanitize.PlainText(body),
		CreatedAt:    time.Now(),
	}
	b.mu.Lock()
	b.comments[roomID] = append(b.comments[roomID], c)
	b.mu.Unlock()
	return c
}

// ApplyTextOperation routes a text-operation event through the room's OT
// engine and rewrites the offsets of every cached annotation on that text.
func (b *Broadcaster) ApplyTextOperation(roomID wire.RoomIDType, op wire.TextOperation) (wire.TextOperation, error) {
	engine := b.engineFor(roomID)
	transformed, err := engine.Apply(op)
	if err != nil {
		return wire.TextOperation{}, err
	}

	cache := b.roomCache(roomID)
	b.mu.Lock()
	for id, a := range cache {
		if a.TextID != transformed.TextID {
			continue
		}
		a.Start = ot.RewriteOffset(a.Start, transformed)
		a.End = ot.RewriteOffset(a.End, transformed)
		if a.End < a.Start {
			a.End = a.Start
		}
		cache[id] = a
	}
	b.mu.Unlock()

	return transformed, nil
}

// RoomAnnotations returns a snapshot of every annotation cached for a room.
func (b *Broadcaster) RoomAnnotations(roomID wire.RoomIDType) []wire.Annotation {
	b.mu.Lock()
	defer b.mu.Unlock()
	cache := b.cache[roomID]
	out := make([]wire.Annotation, 0, len(cache))
	for _, a := range cache {
		out = append(out, a)
	}
	return out
}

// Resolve applies the broadcaster's default resolution strategy (or an
// explicit override) to a conflict between two annotations.
func (b *Broadcaster) Resolve(strategy conflict.Strategy, c wire.Conflict, a, other wire.Annotation) wire.Resolution {
	if strategy == nil {
		strategy = b.defaultStrategy
	}
	return conflict.Resolve(strategy, c, a, other)
}
