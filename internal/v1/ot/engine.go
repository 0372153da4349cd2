package ot

import (
	"fmt"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// maxLogEntries caps the per-room operation log (spec §4.6).
const maxLogEntries = 1000

// pairKey identifies a memoized transform result by each operation's author,
// seq, kind, position and length (see opIdentity); the inserted text is not
// part of the key.
type pairKey struct {
	a, b string
}

// Engine owns one room's operation log, state vector, memoized transform
// cache, and per-text length tracking. Its exported methods are safe for
// concurrent use; they serialize on the engine's own mutex.
type Engine struct {
	mu       sync.Mutex
	log      []wire.TextOperation
	stateVec map[wire.UserIDType]uint64
	cache    map[pairKey][2]wire.TextOperation
	docLen   map[wire.TextIDType]int
}

// NewEngine creates an empty OT engine for one room.
func NewEngine() *Engine {
	return &Engine{
		stateVec: make(map[wire.UserIDType]uint64),
		cache:    make(map[pairKey][2]wire.TextOperation),
		docLen:   make(map[wire.TextIDType]int),
	}
}

// Apply transforms op against every logged operation from a different author
// that op's client had not yet incorporated (per op.SeenSeq, spec §3's
// per-client state vector), appends the transformed op to the log, advances
// the state vector and tracked document length, and returns the operation as
// it should be broadcast and applied locally.
func (e *Engine) Apply(op wire.TextOperation) (wire.TextOperation, error) {
	if op.TextID == "" {
		return wire.TextOperation{}, ErrMissingTextID
	}
	if err := validateShape(op); err != nil {
		return wire.TextOperation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if length, known := e.docLen[op.TextID]; known {
		if err := validateBounds(op, length); err != nil {
			return wire.TextOperation{}, err
		}
	}

	start := time.Now()
	defer func() { metrics.OTTransformDuration.Observe(time.Since(start).Seconds()) }()

	transformed := op
	for _, logged := range e.log {
		if logged.AuthorID == op.AuthorID {
			continue // a client's own prior ops are already reflected in its local state
		}
		if logged.Seq <= op.SeenSeq[logged.AuthorID] {
			continue // client already applied this op locally before authoring its own
		}
		transformed, _ = e.memoizedTransform(transformed, logged)
	}

	e.appendLog(transformed)
	if transformed.Seq > e.stateVec[transformed.AuthorID] {
		e.stateVec[transformed.AuthorID] = transformed.Seq
	}
	e.adjustLength(transformed)
	return transformed, nil
}

// validateShape checks the structural invariants of op's kind, independent
// of document length: a non-negative position, a positive delete length, and
// a positive original length for replace.
func validateShape(op wire.TextOperation) error {
	if op.Position < 0 {
		return ErrInvalidOperation
	}
	switch op.Kind {
	case wire.OpInsert, wire.OpNoop:
	case wire.OpDelete:
		if op.Length <= 0 {
			return ErrInvalidOperation
		}
	case wire.OpReplace:
		if op.OriginalLength <= 0 {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	return nil
}

// validateBounds checks op against a known document length: insert may land
// exactly at the end of the document, but delete/replace must not reach past
// it (spec §3's "delete(|document|, d>0) fails with ValidationError").
func validateBounds(op wire.TextOperation, length int) error {
	switch op.Kind {
	case wire.OpInsert:
		if op.Position > length {
			return ErrInvalidOperation
		}
	case wire.OpDelete:
		if op.Position+op.Length > length {
			return ErrInvalidOperation
		}
	case wire.OpReplace:
		if op.Position+op.OriginalLength > length {
			return ErrInvalidOperation
		}
	}
	return nil
}

// adjustLength updates the tracked length of op.TextID by the net effect of
// applying op, establishing a tracked length for texts that had none yet.
func (e *Engine) adjustLength(op wire.TextOperation) {
	n := e.docLen[op.TextID]
	switch op.Kind {
	case wire.OpInsert:
		n += len(op.Text)
	case wire.OpDelete:
		n -= op.Length
	case wire.OpReplace:
		n += len(op.Text) - op.OriginalLength
	}
	if n < 0 {
		n = 0
	}
	e.docLen[op.TextID] = n
}

// DocLen returns the engine's current tracked length for textID and whether
// any operation (or ObserveBound call) has established one yet.
func (e *Engine) DocLen(textID wire.TextIDType) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.docLen[textID]
	return n, ok
}

// ObserveBound records a lower bound on a text's length inferred from an
// external signal (an annotation's own span) for a text no operation has
// touched yet. It never shrinks an already-tracked length, and is a no-op
// once real operations are tracking the text authoritatively.
func (e *Engine) ObserveBound(textID wire.TextIDType, bound int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.docLen[textID]; !ok || bound > cur {
		e.docLen[textID] = bound
	}
}

func (e *Engine) memoizedTransform(a, b wire.TextOperation) (wire.TextOperation, wire.TextOperation) {
	key := pairKey{
		a: opIdentity(a),
		b: opIdentity(b),
	}
	if cached, ok := e.cache[key]; ok {
		return cached[0], cached[1]
	}
	aPrime, bPrime := Transform(a, b)
	e.cache[key] = [2]wire.TextOperation{aPrime, bPrime}
	return aPrime, bPrime
}

func opIdentity(op wire.TextOperation) string {
	return fmt.Sprintf("%s:%d:%s:%d:%d", op.AuthorID, op.Seq, op.Kind, op.Position, op.Length)
}

func (e *Engine) appendLog(op wire.TextOperation) {
	e.log = append(e.log, op)
	if len(e.log) > maxLogEntries {
		overflow := len(e.log) - maxLogEntries
		e.log = e.log[overflow:]
		e.evictCacheForDropped(overflow)
	}
}

// evictCacheForDropped is a best-effort cache trim: once the log rotates
// past capacity, entries keyed against dropped operations can never be hit
// again, so periodically clearing the cache bounds its memory growth.
func (e *Engine) evictCacheForDropped(_ int) {
	if len(e.cache) > maxLogEntries*4 {
		e.cache = make(map[pairKey][2]wire.TextOperation)
	}
}

// StateVector returns a snapshot of the author->sequence map (spec §3).
func (e *Engine) StateVector() map[wire.UserIDType]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[wire.UserIDType]uint64, len(e.stateVec))
	for k, v := range e.stateVec {
		out[k] = v
	}
	return out
}

// RewriteOffset applies the position-shifting effect of op to a standalone
// offset (used to keep annotation start/end anchors correct as the
// underlying text changes, spec §4.6 "annotation rewrite").
func RewriteOffset(offset int, op wire.TextOperation) int {
	switch op.Kind {
	case wire.OpInsert:
		if op.Position <= offset {
			return offset + len(op.Text)
		}
		return offset
	case wire.OpDelete:
		end := op.Position + op.Length
		switch {
		case end <= offset:
			return offset - op.Length
		case op.Position >= offset:
			return offset
		default:
			return op.Position
		}
	case wire.OpReplace:
		end := op.Position + op.OriginalLength
		delta := len(op.Text) - op.OriginalLength
		switch {
		case end <= offset:
			return offset + delta
		case op.Position >= offset:
			return offset
		default:
			return op.Position + len(op.Text)
		}
	default:
		return offset
	}
}
