// Package ot implements the Operational Transform Engine (spec §4.6): pairwise
// transform rules over insert/delete/replace/noop operations, per-room state
// vectors, a capped operation log, and a memoized pair-transform cache.
package ot

import (
	"errors"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// ErrMissingTextID is returned when an operation arrives without a text id;
// every operation must carry one (spec's Open Question 3, resolved: mandatory).
var ErrMissingTextID = errors.New("ot: operation missing textId")

// ErrInvalidOperation is returned when an operation's shape violates the
// structural invariants of its kind (negative position, non-positive delete
// length, missing replace length) or falls outside the text's known bounds
// (e.g. delete(|document|, d>0), spec §3's boundary case).
var ErrInvalidOperation = errors.New("ot: invalid operation")

// Transform produces the pair (a', b') such that applying a' after b, and b'
// after a, converge to the same document (the commutative diamond property,
// spec §8). a is transformed against b having already been applied.
func Transform(a, b wire.TextOperation) (wire.TextOperation, wire.TextOperation) {
	metrics.OTTransformsTotal.WithLabelValues(string(a.Kind), string(b.Kind)).Inc()

	switch a.Kind {
	case wire.OpInsert:
		return transformInsert(a, b)
	case wire.OpDelete:
		return transformDelete(a, b)
	case wire.OpReplace:
		return transformReplace(a, b)
	default:
		return a, b
	}
}

func transformInsert(a, b wire.TextOperation) (wire.TextOperation, wire.TextOperation) {
	switch b.Kind {
	case wire.OpInsert:
		aPrime, bPrime := a, b
		switch {
		case a.Position < b.Position:
			bPrime.Position += len(a.Text)
		case a.Position > b.Position:
			aPrime.Position += len(b.Text)
		default:
			// Same position: break ties deterministically by author id so all
			// replicas converge on one ordering regardless of arrival order.
			if a.AuthorID < b.AuthorID {
				bPrime.Position += len(a.Text)
			} else if a.AuthorID > b.AuthorID {
				aPrime.Position += len(b.Text)
			}
		}
		return aPrime, bPrime

	case wire.OpDelete:
		aPrime, bPrime := a, b
		delEnd := b.Position + b.Length
		switch {
		case a.Position <= b.Position:
			bPrime.Position += len(a.Text)
		case a.Position >= delEnd:
			aPrime.Position -= b.Length
		default:
			// Insert lands inside the deleted range: pin it to the delete's start.
			aPrime.Position = b.Position
			bPrime.Length += len(a.Text)
		}
		return aPrime, bPrime

	case wire.OpReplace:
		repEnd := b.Position + b.OriginalLength
		aPrime, bPrime := a, b
		switch {
		case a.Position <= b.Position:
			bPrime.Position += len(a.Text)
		case a.Position >= repEnd:
			aPrime.Position += len(b.Text) - b.OriginalLength
		default:
			aPrime.Position = b.Position + len(b.Text)
		}
		return aPrime, bPrime

	default:
		return a, b
	}
}

func transformDelete(a, b wire.TextOperation) (wire.TextOperation, wire.TextOperation) {
	aEnd := a.Position + a.Length

	switch b.Kind {
	case wire.OpInsert:
		aPrime, bPrime := a, b
		switch {
		case b.Position <= a.Position:
			aPrime.Position += len(b.Text)
		case b.Position >= aEnd:
			// insert after the deleted range: no shift needed
		default:
			aPrime.Length += len(b.Text)
		}
		return aPrime, bPrime

	case wire.OpDelete:
		bEnd := b.Position + b.Length
		aPrime, bPrime := a, b
		switch {
		case aEnd <= b.Position:
			bPrime.Position -= a.Length
		case bEnd <= a.Position:
			aPrime.Position -= b.Length
		default:
			// Overlapping deletes: shrink each by the overlap so the net
			// effect of applying both never double-removes shared text.
			overlapStart := max(a.Position, b.Position)
			overlapEnd := min(aEnd, bEnd)
			overlap := overlapEnd - overlapStart
			if overlap < 0 {
				overlap = 0
			}
			aPrime.Length -= overlap
			bPrime.Length -= overlap
			if a.Position <= b.Position {
				bPrime.Position = a.Position
			} else {
				aPrime.Position = b.Position
			}
			if aPrime.Length < 0 {
				aPrime.Length = 0
			}
			if bPrime.Length < 0 {
				bPrime.Length = 0
			}
		}
		return aPrime, bPrime

	case wire.OpReplace:
		repEnd := b.Position + b.OriginalLength
		aPrime, bPrime := a, b
		switch {
		case aEnd <= b.Position:
			bPrime.Position -= a.Length
		case repEnd <= a.Position:
			aPrime.Position += len(b.Text) - b.OriginalLength
		default:
			overlapStart := max(a.Position, b.Position)
			overlapEnd := min(aEnd, repEnd)
			overlap := overlapEnd - overlapStart
			if overlap < 0 {
				overlap = 0
			}
			aPrime.Length -= overlap
			if aPrime.Length < 0 {
				aPrime.Length = 0
			}
			if a.Position <= b.Position {
				bPrime.Position = a.Position
			}
		}
		return aPrime, bPrime

	default:
		return a, b
	}
}

func transformReplace(a, b wire.TextOperation) (wire.TextOperation, wire.TextOperation) {
	// A replace behaves as a delete of its original span followed by an
	// insert of its new text; reuse those two rules against b in sequence.
	asDelete := a
	asDelete.Kind = wire.OpDelete
	asDelete.Length = a.OriginalLength

	delPrime, bAfterDelete := transformDelete(asDelete, b)

	asInsert := a
	asInsert.Kind = wire.OpInsert
	asInsert.Position = delPrime.Position

	insPrime, bFinal := transformInsert(asInsert, bAfterDelete)

	aPrime := a
	aPrime.Position = insPrime.Position
	aPrime.OriginalLength = delPrime.Length
	return aPrime, bFinal
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
