// Package cluster implements the Cluster Adapter (spec §4.10): the single
// seam between an in-process room and the rest of the fleet. It provides
// cross-node pub/sub fanout, shared room membership and presence state,
// nonce-checked distributed locks, and metric counters, all behind a circuit
// breaker so a degraded Redis never blocks local collaboration. It does not
// store sessions and does not mirror the message queue.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// PubSubPayload is the standardized container for moving events between nodes.
type PubSubPayload struct {
	RoomID   string          `json:"roomId"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Adapter is the interface the rest of the server programs against, so tests
// can substitute an in-memory fake and production can swap Redis for NATS
// without touching callers.
type Adapter interface {
	Publish(ctx context.Context, roomID, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload))

	SetRoomMember(ctx context.Context, roomID, userID string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
	RoomMembers(ctx context.Context, roomID string) ([]string, error)

	SetPresence(ctx context.Context, roomID, userID, status string, ttl time.Duration) error
	GetRoomPresence(ctx context.Context, roomID string) (map[string]string, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (nonce string, ok bool, err error)
	ReleaseLock(ctx context.Context, key, nonce string) error

	IncrementMetric(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Service handles all interaction with the Redis cluster backing the adapter.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, primarily for tests.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis-backed Cluster Adapter wrapped in a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cluster store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "cluster",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("cluster").Set(stateVal)
		},
	}

	slog.Info("connected to cluster store", "addr", addr)
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (s *Service) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.ClusterOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("cluster").Inc()
			metrics.ClusterOperationsTotal.WithLabelValues(op, "circuit-open").Inc()
			return nil, err
		}
		metrics.ClusterOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.ClusterOperationsTotal.WithLabelValues(op, "success").Inc()
	return res, nil
}

// Publish broadcasts an event to all other nodes watching this room.
func (s *Service) Publish(ctx context.Context, roomID, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(ctx, "publish", func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}
		msg := PubSubPayload{RoomID: roomID, Event: event, Payload: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}
		channel := fmt.Sprintf("collab:room:%s", roomID)
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	if err == gobreaker.ErrOpenState {
		slog.Warn("cluster circuit open: dropping publish", "roomID", roomID)
		return nil
	}
	return err
}

// Subscribe starts a background goroutine relaying events from other nodes
// for roomID into handler until ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return
	}
	channel := fmt.Sprintf("collab:room:%s", roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		slog.Info("subscribed to cluster channel", "channel", channel)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("failed to unmarshal cluster message", "error", err)
					continue
				}
				handler(payload)
			}
		}
	}()
}

// SetRoomMember records that userID is present in roomID, cluster-wide.
func (s *Service) SetRoomMember(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := fmt.Sprintf("room:%s:members", roomID)
	_, err := s.execute(ctx, "sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, userID).Err()
	})
	return degrade(err, "SetRoomMember", key)
}

// RemoveRoomMember removes userID from roomID's cluster-wide member set.
func (s *Service) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := fmt.Sprintf("room:%s:members", roomID)
	_, err := s.execute(ctx, "srem", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, userID).Err()
	})
	return degrade(err, "RemoveRoomMember", key)
}

// RoomMembers lists all users the cluster believes are present in roomID.
func (s *Service) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	key := fmt.Sprintf("room:%s:members", roomID)
	res, err := s.execute(ctx, "smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

// SetPresence publishes a TTL'd presence marker for (roomID, userID) so other
// nodes can compute the global status roll-up without a round trip to this one.
func (s *Service) SetPresence(ctx context.Context, roomID, userID, status string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := fmt.Sprintf("presence:%s:%s", roomID, userID)
	_, err := s.execute(ctx, "set-presence", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, status, ttl).Err()
	})
	return degrade(err, "SetPresence", key)
}

// GetRoomPresence returns the last-known status for every user with a live
// presence marker in roomID.
func (s *Service) GetRoomPresence(ctx context.Context, roomID string) (map[string]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	pattern := fmt.Sprintf("presence:%s:*", roomID)
	res, err := s.execute(ctx, "get-room-presence", func() (interface{}, error) {
		keys, err := s.client.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, err
		}
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			v, err := s.client.Get(ctx, k).Result()
			if err != nil && err != redis.Nil {
				return nil, err
			}
			userID := k[len(fmt.Sprintf("presence:%s:", roomID)):]
			out[userID] = v
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, nil
		}
		return nil, err
	}
	return res.(map[string]string), nil
}

// AcquireLock attempts to take a short-lived distributed lock on key, returning
// a caller-held nonce that must be presented back to ReleaseLock. The
// annotation broadcaster takes one such lock per annotation.
func (s *Service) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if s == nil || s.client == nil {
		return uuid.NewString(), true, nil // single-instance mode: local mutex already serializes
	}
	nonce := uuid.NewString()
	res, err := s.execute(ctx, "acquire-lock", func() (interface{}, error) {
		return s.client.SetNX(ctx, "lock:"+key, nonce, ttl).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			// Fail open for locking would risk double-apply; fail closed instead.
			return "", false, nil
		}
		return "", false, err
	}
	return nonce, res.(bool), nil
}

// ReleaseLock releases a lock previously acquired with AcquireLock, but only
// if nonce still matches — preventing a slow caller from releasing a lock a
// different caller has since acquired after TTL expiry.
func (s *Service) ReleaseLock(ctx context.Context, key, nonce string) error {
	if s == nil || s.client == nil {
		return nil
	}
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`
	_, err := s.execute(ctx, "release-lock", func() (interface{}, error) {
		return s.client.Eval(ctx, script, []string{"lock:" + key}, nonce).Result()
	})
	return degrade(err, "ReleaseLock", key)
}

// IncrementMetric atomically bumps a cluster-wide counter (e.g. admin stats)
// and returns the new value.
func (s *Service) IncrementMetric(ctx context.Context, key string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}
	res, err := s.execute(ctx, "incr", func() (interface{}, error) {
		return s.client.Incr(ctx, "metric:"+key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return 0, nil
		}
		return 0, err
	}
	return res.(int64), nil
}

// Ping checks connectivity to the backing store.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(ctx, "ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err == gobreaker.ErrOpenState {
		return err
	}
	return err
}

// Close gracefully shuts down the underlying connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func degrade(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState {
		slog.Warn("cluster circuit open, degrading gracefully", "op", op, "key", key)
		return nil
	}
	slog.Error("cluster operation failed", "op", op, "key", key, "error", err)
	return err
}
