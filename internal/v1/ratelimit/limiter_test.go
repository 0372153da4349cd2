package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/annotatehub/collab-server/internal/v1/config"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitWsEventsPerWindow: "3",
		RateLimitWsWindowMs:        "60000",
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)
	return rl, mr
}

func TestCheckWebSocketEvent_AllowsUnderLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := rl.CheckWebSocketEvent(ctx, "user-1")
		assert.NoError(t, err)
	}
}

func TestCheckWebSocketEvent_BlocksOverLimit(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.CheckWebSocketEvent(ctx, "user-2"))
	}
	err := rl.CheckWebSocketEvent(ctx, "user-2")
	assert.Error(t, err)
}

func TestCheckWebSocketEvent_PerUserIsolation(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, rl.CheckWebSocketEvent(ctx, "user-3"))
	}
	// A different user should not be affected by user-3's exhausted limit.
	assert.NoError(t, rl.CheckWebSocketEvent(ctx, "user-4"))
}

func TestCheckWebSocketEvent_FailsOpenOnStoreError(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close() // simulate store unavailability

	err := rl.CheckWebSocketEvent(context.Background(), "user-5")
	assert.NoError(t, err, "rate limiter must fail open when the store is unreachable")
}

func TestCheckWebSocket_IPLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/ws", nil)
	c.Request.RemoteAddr = "203.0.113.5:1234"

	assert.True(t, rl.CheckWebSocket(c))
}
