// Package ratelimit enforces the Session Gate's per-user event limit (spec
// §4.1: N events per W milliseconds, default 100/60000ms) using Redis when
// available and falling back to an in-memory store otherwise. The limit is a
// fixed window: the count resets when a window period expires, and the
// window does not slide with each event.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/annotatehub/collab-server/internal/v1/config"
	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter enforces the per-user WebSocket event rate and the
// pre-authentication per-IP connection rate.
type RateLimiter struct {
	wsEvents *limiter.Limiter
	wsIP     *limiter.Limiter
	store    limiter.Store
}

// NewRateLimiter builds a RateLimiter from validated config. When redisClient
// is nil it falls back to an in-process memory store (single-instance mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	formatted := fmt.Sprintf("%s-%s", cfg.RateLimitWsEventsPerWindow, formatWindow(cfg.RateLimitWsWindowMs))
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid ws event rate: %w", err)
	}
	ipRate, err := limiter.NewRateFromFormatted("20-M")
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (cluster disabled or unavailable)")
	}

	return &RateLimiter{
		wsEvents: limiter.New(store, rate),
		wsIP:     limiter.New(store, ipRate),
		store:    store,
	}, nil
}

// formatWindow converts a millisecond window into the ulule/limiter period
// suffix (S/M/H/D), defaulting to minutes since the spec's default window is 60000ms.
func formatWindow(windowMs string) string {
	ms, err := strconv.Atoi(windowMs)
	if err != nil || ms <= 0 {
		return "M"
	}
	switch {
	case ms%3600000 == 0:
		return strconv.Itoa(ms/3600000) + "H"
	case ms%60000 == 0:
		return strconv.Itoa(ms/60000) + "M"
	default:
		return strconv.Itoa(ms/1000) + "S"
	}
}

// CheckWebSocket enforces the pre-authentication per-IP connection rate.
// Returns true if the connection is allowed; writes an error response otherwise.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	res, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true // fail open
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this address"})
		return false
	}
	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketEvent enforces the per-user fixed-window event limit (spec
// §4.1). Call once per inbound event after authentication. Fails open if the
// backing store errors, per §7's "rate limiting fails open" policy.
func (rl *RateLimiter) CheckWebSocketEvent(ctx context.Context, userID string) error {
	res, err := rl.wsEvents.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_event", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}
	metrics.RateLimitRequests.WithLabelValues("websocket_event").Inc()
	return nil
}
