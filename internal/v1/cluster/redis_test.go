package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	return svc, mr
}

func TestPing_SucceedsAgainstLiveStore(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	assert.NoError(t, svc.Ping(context.Background()))
}

func TestRoomMembers_SetAndRemoveRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	require.NoError(t, svc.SetRoomMember(ctx, "room1", "alice"))
	require.NoError(t, svc.SetRoomMember(ctx, "room1", "bob"))

	members, err := svc.RoomMembers(ctx, "room1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	require.NoError(t, svc.RemoveRoomMember(ctx, "room1", "alice"))
	members, err = svc.RoomMembers(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestPresence_SetAndGetRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	require.NoError(t, svc.SetPresence(ctx, "room1", "alice", "active", time.Minute))

	presence, err := svc.GetRoomPresence(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, "active", presence["alice"])
}

func TestLock_AcquireBlocksConcurrentHolder(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	nonce, ok, err := svc.AcquireLock(ctx, "text1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = svc.AcquireLock(ctx, "text1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.ReleaseLock(ctx, "text1", nonce))

	_, ok, err = svc.AcquireLock(ctx, "text1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_ReleaseWithWrongNonceIsNoop(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	_, ok, err := svc.AcquireLock(ctx, "text1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.ReleaseLock(ctx, "text1", "not-the-holder"))

	_, ok, err = svc.AcquireLock(ctx, "text1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lock should still be held since the wrong nonce was presented")
}

func TestIncrementMetric_Accumulates(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx := context.Background()
	var last int64
	for i := 0; i < 3; i++ {
		v, err := svc.IncrementMetric(ctx, "joins")
		require.NoError(t, err)
		last = v
	}
	assert.Equal(t, int64(3), last)
}

func TestPublishSubscribe_DeliversAcrossSubscription(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan PubSubPayload, 1)
	var wg sync.WaitGroup
	svc.Subscribe(ctx, "room1", &wg, func(p PubSubPayload) {
		received <- p
	})

	// Give the subscription goroutine a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.Publish(ctx, "room1", "cursor-update", map[string]int{"position": 5}, "alice"))

	select {
	case p := <-received:
		assert.Equal(t, "cursor-update", p.Event)
		assert.Equal(t, "alice", p.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNilService_MethodsAreNoops(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.Publish(ctx, "room1", "evt", nil, "alice"))
	assert.NoError(t, svc.SetRoomMember(ctx, "room1", "alice"))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())

	nonce, ok, err := svc.AcquireLock(ctx, "text1", time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, nonce)
}
