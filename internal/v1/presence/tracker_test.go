package presence

import (
	"sync"
	"testing"

	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/stretchr/testify/assert"
)

func TestJoin_SetsOnline(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	rec := tr.Join("room1", "alice", "sess1")
	assert.Equal(t, wire.StatusOnline, rec.Status)
	assert.Equal(t, wire.UserIDType("alice"), rec.UserID)
}

func TestLeave_RemovesRecord(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	tr.Join("room1", "alice", "sess1")
	tr.Leave("room1", "alice")

	assert.Empty(t, tr.RoomPresence("room1"))
}

func TestLeave_NotifiesOffline(t *testing.T) {
	var mu sync.Mutex
	var last wire.PresenceRecord
	tr := New(func(r wire.PresenceRecord) {
		mu.Lock()
		last = r
		mu.Unlock()
	})
	defer tr.Close()

	tr.Join("room1", "alice", "sess1")
	tr.Leave("room1", "alice")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, wire.StatusOffline, last.Status)
}

func TestActivity_AnnotatingSetsFlag(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	tr.Join("room1", "alice", "sess1")
	rec, ok := tr.Activity("room1", "alice", wire.ActivityAnnotating)
	assert.True(t, ok)
	assert.True(t, rec.Annotating)
	assert.Equal(t, wire.StatusOnline, rec.Status)
}

func TestActivity_UnknownUserReturnsFalse(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	_, ok := tr.Activity("room1", "nobody", wire.ActivityViewing)
	assert.False(t, ok)
}

func TestGlobalStatus_RollsUpBestAcrossRooms(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	tr.Join("room1", "alice", "sess1")
	tr.Join("room2", "alice", "sess1")
	tr.Activity("room1", "alice", wire.ActivityAway)

	// room2 is still online, so the roll-up should report online.
	assert.Equal(t, wire.StatusOnline, tr.GlobalStatus("alice"))
}

func TestGlobalStatus_UnknownUserIsOffline(t *testing.T) {
	tr := New(nil)
	defer tr.Close()
	assert.Equal(t, wire.StatusOffline, tr.GlobalStatus("nobody"))
}

func TestRoomPresence_ReturnsSnapshot(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	tr.Join("room1", "alice", "sess1")
	tr.Join("room1", "bob", "sess2")

	recs := tr.RoomPresence("room1")
	assert.Len(t, recs, 2)
}
