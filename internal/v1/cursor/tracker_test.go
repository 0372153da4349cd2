package cursor

import (
	"testing"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/stretchr/testify/assert"
)

func TestAssignColor_RoundRobin(t *testing.T) {
	tr := New()
	defer tr.Close()

	first := tr.AssignColor("room1")
	for i := 1; i < len(palette); i++ {
		tr.AssignColor("room1")
	}
	wrapped := tr.AssignColor("room1")
	assert.Equal(t, first, wrapped)
}

func TestUpdate_FirstCallAlwaysSends(t *testing.T) {
	tr := New()
	defer tr.Close()

	c, send := tr.Update("room1", "alice", "t1", 5, "#fff")
	assert.True(t, send)
	assert.Equal(t, 5, c.Position)
}

func TestUpdate_CoalescesRapidUpdates(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.Update("room1", "alice", "t1", 1, "#fff")
	_, send := tr.Update("room1", "alice", "t1", 2, "#fff")
	assert.False(t, send)
}

func TestUpdate_SendsAfterCoalesceWindow(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.Update("room1", "alice", "t1", 1, "#fff")
	time.Sleep(coalesceInterval + 20*time.Millisecond)
	_, send := tr.Update("room1", "alice", "t1", 2, "#fff")
	assert.True(t, send)
}

func TestUpdateSelection_RejectsInvalidRange(t *testing.T) {
	tr := New()
	defer tr.Close()

	_, _, err := tr.UpdateSelection("room1", "alice", "t1", 10, 5, "#fff")
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestRewrite_ShiftsCursorForward(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.Update("room1", "alice", "t1", 10, "#fff")
	op := wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 2, Text: "XYZ"}
	tr.Rewrite("room1", "t1", op)

	cursors := tr.RoomCursors("room1")
	if assert.Len(t, cursors, 1) {
		assert.Equal(t, 13, cursors[0].Position)
	}
}

func TestLeave_RemovesEntry(t *testing.T) {
	tr := New()
	defer tr.Close()

	tr.Update("room1", "alice", "t1", 1, "#fff")
	tr.Leave("room1", "alice")
	assert.Empty(t, tr.RoomCursors("room1"))
}
