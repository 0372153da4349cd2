package ot

import (
	"testing"

	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/stretchr/testify/assert"
)

func applyOp(doc string, op wire.TextOperation) string {
	switch op.Kind {
	case wire.OpInsert:
		return doc[:op.Position] + op.Text + doc[op.Position:]
	case wire.OpDelete:
		return doc[:op.Position] + doc[op.Position+op.Length:]
	case wire.OpReplace:
		return doc[:op.Position] + op.Text + doc[op.Position+op.OriginalLength:]
	default:
		return doc
	}
}

// TestTransform_ConvergenceInsertInsert verifies the commutative diamond
// property (spec §8): applying A then T(B,A), versus B then T(A,B), converge.
func TestTransform_ConvergenceInsertInsert(t *testing.T) {
	doc := "hello world"
	a := wire.TextOperation{Kind: wire.OpInsert, Position: 5, Text: ",", AuthorID: "alice"}
	b := wire.TextOperation{Kind: wire.OpInsert, Position: 11, Text: "!", AuthorID: "bob"}

	aPrime, bPrime := Transform(a, b)
	bPrime2, aPrime2 := Transform(b, a)

	left := applyOp(applyOp(doc, a), bPrime)
	right := applyOp(applyOp(doc, b), aPrime2)
	assert.Equal(t, left, right)

	_ = aPrime
	_ = bPrime2
}

func TestTransform_InsertDelete(t *testing.T) {
	doc := "hello world"
	ins := wire.TextOperation{Kind: wire.OpInsert, Position: 5, Text: ",", AuthorID: "alice"}
	del := wire.TextOperation{Kind: wire.OpDelete, Position: 0, Length: 5, AuthorID: "bob"} // deletes "hello"

	insPrime, delPrime := Transform(ins, del)
	left := applyOp(applyOp(doc, ins), delPrime)
	right := applyOp(applyOp(doc, del), insPrime)
	assert.Equal(t, left, right)
}

func TestTransform_InsertInsideDeleteRange(t *testing.T) {
	ins := wire.TextOperation{Kind: wire.OpInsert, Position: 2, Text: "XX", AuthorID: "alice"}
	del := wire.TextOperation{Kind: wire.OpDelete, Position: 0, Length: 5, AuthorID: "bob"}

	insPrime, delPrime := Transform(ins, del)
	// insert pinned to the start of the deleted range
	assert.Equal(t, 0, insPrime.Position)
	// delete grows to also remove the inserted text that landed inside its span
	assert.Equal(t, 7, delPrime.Length)
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	doc := "abcdefgh"
	a := wire.TextOperation{Kind: wire.OpDelete, Position: 2, Length: 4, AuthorID: "alice"} // cdef
	b := wire.TextOperation{Kind: wire.OpDelete, Position: 4, Length: 4, AuthorID: "bob"}   // efgh

	aPrime, bPrime := Transform(a, b)
	left := applyOp(applyOp(doc, a), bPrime)
	right := applyOp(applyOp(doc, b), aPrime)
	assert.Equal(t, left, right)
}

func TestTransform_SamePositionInsertTieBreak(t *testing.T) {
	a := wire.TextOperation{Kind: wire.OpInsert, Position: 3, Text: "A", AuthorID: "alice"}
	b := wire.TextOperation{Kind: wire.OpInsert, Position: 3, Text: "B", AuthorID: "bob"}

	aPrime, bPrime := Transform(a, b)
	// alice < bob lexically, so alice's insert stays and bob's shifts forward
	assert.Equal(t, 3, aPrime.Position)
	assert.Equal(t, 4, bPrime.Position)
}

func TestRewriteOffset_InsertBeforeShiftsForward(t *testing.T) {
	op := wire.TextOperation{Kind: wire.OpInsert, Position: 2, Text: "XYZ"}
	assert.Equal(t, 8, RewriteOffset(5, op))
}

func TestRewriteOffset_DeleteEngulfingClampsToStart(t *testing.T) {
	op := wire.TextOperation{Kind: wire.OpDelete, Position: 2, Length: 10}
	assert.Equal(t, 2, RewriteOffset(5, op))
}

func TestRewriteOffset_DeleteBeforeShiftsBack(t *testing.T) {
	op := wire.TextOperation{Kind: wire.OpDelete, Position: 0, Length: 3}
	assert.Equal(t, 7, RewriteOffset(10, op))
}

func TestEngine_AppliesAndCapsLog(t *testing.T) {
	e := NewEngine()
	for i := 0; i < maxLogEntries+10; i++ {
		op := wire.TextOperation{
			Kind: wire.OpInsert, TextID: "t1", Position: 0, Text: "x",
			AuthorID: "alice", Seq: uint64(i),
		}
		_, err := e.Apply(op)
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, len(e.log), maxLogEntries)
}

func TestEngine_RejectsMissingTextID(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpInsert, Position: 0, Text: "x", AuthorID: "alice"})
	assert.ErrorIs(t, err, ErrMissingTextID)
}

// TestEngine_SkipsPeerOpsAlreadySeen reproduces the scenario spec §3's state
// vector exists to prevent: Alice inserts at 10 (logged as seq 1); Bob
// receives that op, applies it locally, and only then authors his own op at
// an already-shifted position — tagging his SeenSeq so the server knows not
// to shift it again.
func TestEngine_SkipsPeerOpsAlreadySeen(t *testing.T) {
	e := NewEngine()
	e.ObserveBound("t1", 30) // the text is 30 characters long before either op

	alice := wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 10, Text: "AAAAA", AuthorID: "alice", Seq: 1}
	_, err := e.Apply(alice)
	assert.NoError(t, err)

	bob := wire.TextOperation{
		Kind: wire.OpInsert, TextID: "t1", Position: 20, Text: "B", AuthorID: "bob", Seq: 1,
		SeenSeq: map[wire.UserIDType]uint64{"alice": 1},
	}
	transformed, err := e.Apply(bob)
	assert.NoError(t, err)
	assert.Equal(t, 20, transformed.Position, "bob already incorporated alice's op locally; the server must not shift it a second time")
}

// TestEngine_TransformsPeerOpsNotYetSeen is the contrasting case: a client
// that has NOT seen a logged peer op still gets transformed against it.
func TestEngine_TransformsPeerOpsNotYetSeen(t *testing.T) {
	e := NewEngine()
	e.ObserveBound("t1", 30) // the text is 30 characters long before either op

	alice := wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 10, Text: "AAAAA", AuthorID: "alice", Seq: 1}
	_, err := e.Apply(alice)
	assert.NoError(t, err)

	bob := wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 20, Text: "B", AuthorID: "bob", Seq: 1}
	transformed, err := e.Apply(bob)
	assert.NoError(t, err)
	assert.Equal(t, 25, transformed.Position, "bob never saw alice's op, so the server must shift bob's position past it")
}

func TestEngine_RejectsNegativePosition(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: -1, Text: "x", AuthorID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEngine_RejectsNonPositiveDeleteLength(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpDelete, TextID: "t1", Position: 0, Length: 0, AuthorID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEngine_RejectsReplaceWithoutOriginalLength(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpReplace, TextID: "t1", Position: 0, Text: "x", AuthorID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEngine_RejectsDeleteAtDocumentEnd(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 0, Text: "hello", AuthorID: "alice"})
	assert.NoError(t, err)

	// document is now length 5; delete(|document|, 1) must fail (spec §3).
	_, err = e.Apply(wire.TextOperation{Kind: wire.OpDelete, TextID: "t1", Position: 5, Length: 1, AuthorID: "bob"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEngine_AllowsInsertAtDocumentEnd(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 0, Text: "hello", AuthorID: "alice"})
	assert.NoError(t, err)

	_, err = e.Apply(wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 5, Text: "!", AuthorID: "bob"})
	assert.NoError(t, err)
}

func TestEngine_DocLenTracksDeltasAcrossOperations(t *testing.T) {
	e := NewEngine()
	_, err := e.Apply(wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 0, Text: "hello world", AuthorID: "alice", Seq: 1})
	assert.NoError(t, err)

	n, ok := e.DocLen("t1")
	assert.True(t, ok)
	assert.Equal(t, 11, n)

	// Bob has already seen alice's insert, so his delete coordinates are
	// relative to "hello world" already and must not be shifted again.
	bob := wire.TextOperation{
		Kind: wire.OpDelete, TextID: "t1", Position: 0, Length: 6, AuthorID: "bob",
		SeenSeq: map[wire.UserIDType]uint64{"alice": 1},
	}
	_, err = e.Apply(bob)
	assert.NoError(t, err)

	n, ok = e.DocLen("t1")
	assert.True(t, ok)
	assert.Equal(t, 5, n)
}
