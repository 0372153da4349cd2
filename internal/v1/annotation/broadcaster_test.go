package annotation

import (
	"context"
	"testing"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/conflict"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster() *Broadcaster {
	hub := room.NewHub("", 50, time.Hour, nil)
	return New(hub, nil, nil, conflict.LastWriteWins{})
}

func TestCreate_RejectsInvalidRange(t *testing.T) {
	b := newTestBroadcaster()
	_, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 10, End: 5})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreate_StoresAnnotationAndAssignsID(t *testing.T) {
	b := newTestBroadcaster()
	created, conflicts, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 5, Text: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, conflicts)

	all := b.RoomAnnotations("room1")
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
}

func TestCreate_DetectsConflictWithExisting(t *testing.T) {
	b := newTestBroadcaster()
	first, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 10, Text: "same", AuthorID: "alice"})
	require.NoError(t, err)
	_ = first

	_, conflicts, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 10, Text: "different", AuthorID: "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, conflicts)
}

func TestUpdate_RejectsUnknownAnnotation(t *testing.T) {
	b := newTestBroadcaster()
	_, _, err := b.Update(context.Background(), "room1", wire.Annotation{ID: "missing", TextID: "t1", Start: 0, End: 5}, "alice")
	assert.Error(t, err)
}

func TestUpdate_DetectsTemporalConflictOnDistinctEditor(t *testing.T) {
	b := newTestBroadcaster()
	created, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 5, AuthorID: "alice"})
	require.NoError(t, err)

	created.Labels = []string{"reviewed"}
	_, conflicts, err := b.Update(context.Background(), "room1", created, "bob")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, wire.ConflictTemporal, conflicts[0].Kind)
}

func TestUpdate_NoTemporalConflictOnSameEditor(t *testing.T) {
	b := newTestBroadcaster()
	created, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 5, AuthorID: "alice"})
	require.NoError(t, err)

	created.Labels = []string{"reviewed"}
	_, conflicts, err := b.Update(context.Background(), "room1", created, "alice")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestDelete_RemovesAnnotation(t *testing.T) {
	b := newTestBroadcaster()
	created, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 0, End: 5})
	require.NoError(t, err)

	err = b.Delete(context.Background(), "room1", created.ID)
	require.NoError(t, err)
	assert.Empty(t, b.RoomAnnotations("room1"))
}

func TestApplyTextOperation_RewritesAnnotationOffsets(t *testing.T) {
	b := newTestBroadcaster()
	created, _, err := b.Create(context.Background(), "room1", wire.Annotation{TextID: "t1", Start: 10, End: 20})
	require.NoError(t, err)

	op := wire.TextOperation{Kind: wire.OpInsert, TextID: "t1", Position: 0, Text: "XXXXX", AuthorID: "bob"}
	_, err = b.ApplyTextOperation("room1", op)
	require.NoError(t, err)

	all := b.RoomAnnotations("room1")
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
	assert.Equal(t, 15, all[0].Start)
	assert.Equal(t, 25, all[0].End)
}

func TestAddComment_AppendsToThread(t *testing.T) {
	b := newTestBroadcaster()
	c := b.AddComment("room1", "ann1", "alice", "looks good")
	assert.Equal(t, "looks good", c.Body)
	assert.NotEmpty(t, c.ID)
}
