package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const kvBucket = "collab_state"

// NatsService is the NATS JetStream-backed alternative to the Redis
// Service, satisfying the same Adapter interface: core pub/sub for
// cross-node fanout, a JetStream key/value bucket standing in for
// Redis's sets and strings.
type NatsService struct {
	nc *nats.Conn
	kv nats.KeyValue
}

type lockRecord struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type presenceRecord struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewNatsService connects to url and opens (or creates) the cluster state
// bucket, mirroring the reconnect/disconnect handler shape the corpus's own
// NATS subscribers register.
func NewNatsService(url string) (*NatsService, error) {
	nc, err := nats.Connect(url,
		nats.Name("collab-server"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats cluster connection disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats cluster connection reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cluster store: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to init jetstream: %w", err)
	}
	kv, err := js.KeyValue(kvBucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: kvBucket})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to open cluster state bucket: %w", err)
		}
	}

	slog.Info("connected to cluster store", "url", url)
	return &NatsService{nc: nc, kv: kv}, nil
}

func subject(roomID string) string { return "collab.room." + sanitizeKey(roomID) }

// sanitizeKey replaces characters JetStream KV rejects in key names
// (dots, the subject wildcards) with underscores; room ids are otherwise
// opaque hex or "project:...:text:..." strings.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_")
	return replacer.Replace(key)
}

// Publish broadcasts an event to all other nodes watching this room.
func (s *NatsService) Publish(ctx context.Context, roomID, event string, payload any, senderID string) error {
	if s == nil || s.nc == nil {
		return nil
	}
	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inner payload: %w", err)
	}
	msg := PubSubPayload{RoomID: roomID, Event: event, Payload: innerBytes, SenderID: senderID}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal pubsub envelope: %w", err)
	}
	return s.nc.Publish(subject(roomID), data)
}

// Subscribe starts a background subscription relaying events from other
// nodes for roomID into handler until ctx is cancelled.
func (s *NatsService) Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.nc == nil {
		return
	}
	sub, err := s.nc.Subscribe(subject(roomID), func(msg *nats.Msg) {
		var payload PubSubPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Error("failed to unmarshal cluster message", "error", err)
			return
		}
		handler(payload)
	})
	if err != nil {
		slog.Error("failed to subscribe to cluster channel", "room", roomID, "error", err)
		return
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
}

func membersKey(roomID string) string { return "members." + sanitizeKey(roomID) }

func (s *NatsService) getMembers(key string) ([]string, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(entry.Value(), &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *NatsService) putMembers(key string, members []string) error {
	data, err := json.Marshal(members)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(key, data)
	return err
}

// SetRoomMember records that userID is present in roomID, cluster-wide.
func (s *NatsService) SetRoomMember(ctx context.Context, roomID, userID string) error {
	if s == nil || s.kv == nil {
		return nil
	}
	key := membersKey(roomID)
	members, err := s.getMembers(key)
	if err != nil {
		return degrade(err, "SetRoomMember", key)
	}
	for _, m := range members {
		if m == userID {
			return nil
		}
	}
	return degrade(s.putMembers(key, append(members, userID)), "SetRoomMember", key)
}

// RemoveRoomMember removes userID from roomID's cluster-wide member set.
func (s *NatsService) RemoveRoomMember(ctx context.Context, roomID, userID string) error {
	if s == nil || s.kv == nil {
		return nil
	}
	key := membersKey(roomID)
	members, err := s.getMembers(key)
	if err != nil {
		return degrade(err, "RemoveRoomMember", key)
	}
	out := members[:0]
	for _, m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return degrade(s.putMembers(key, out), "RemoveRoomMember", key)
}

// RoomMembers lists all users the cluster believes are present in roomID.
func (s *NatsService) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.kv == nil {
		return nil, nil
	}
	return s.getMembers(membersKey(roomID))
}

func presenceKeyPrefix(roomID string) string { return "presence." + sanitizeKey(roomID) + "." }

// SetPresence publishes a TTL'd presence marker for (roomID, userID).
// JetStream KV has no per-key TTL, so expiry is tracked in the stored
// value and enforced by GetRoomPresence's readers.
func (s *NatsService) SetPresence(ctx context.Context, roomID, userID, status string, ttl time.Duration) error {
	if s == nil || s.kv == nil {
		return nil
	}
	key := presenceKeyPrefix(roomID) + sanitizeKey(userID)
	data, err := json.Marshal(presenceRecord{Status: status, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	_, err = s.kv.Put(key, data)
	return degrade(err, "SetPresence", key)
}

// GetRoomPresence returns the last-known status for every user with a
// live (non-expired) presence marker in roomID.
func (s *NatsService) GetRoomPresence(ctx context.Context, roomID string) (map[string]string, error) {
	if s == nil || s.kv == nil {
		return nil, nil
	}
	keys, err := s.kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}

	prefix := presenceKeyPrefix(roomID)
	now := time.Now()
	out := make(map[string]string)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		entry, err := s.kv.Get(k)
		if err != nil {
			continue
		}
		var rec presenceRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil || now.After(rec.ExpiresAt) {
			continue
		}
		out[strings.TrimPrefix(k, prefix)] = rec.Status
	}
	return out, nil
}

// AcquireLock attempts to take a short-lived distributed lock on key via
// JetStream KV's create-if-absent semantics, falling back to a
// compare-and-swap update when the existing holder's lease has expired.
func (s *NatsService) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if s == nil || s.kv == nil {
		return uuid.NewString(), true, nil
	}
	lockKey := "lock." + sanitizeKey(key)
	nonce := uuid.NewString()
	data, err := json.Marshal(lockRecord{Nonce: nonce, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return "", false, err
	}

	if _, err := s.kv.Create(lockKey, data); err == nil {
		return nonce, true, nil
	}

	entry, err := s.kv.Get(lockKey)
	if err != nil {
		return "", false, nil
	}
	var existing lockRecord
	if err := json.Unmarshal(entry.Value(), &existing); err != nil || time.Now().After(existing.ExpiresAt) {
		if _, err := s.kv.Update(lockKey, data, entry.Revision()); err == nil {
			return nonce, true, nil
		}
	}
	return "", false, nil
}

// ReleaseLock releases a lock previously acquired with AcquireLock, but
// only if nonce still matches the current holder.
func (s *NatsService) ReleaseLock(ctx context.Context, key, nonce string) error {
	if s == nil || s.kv == nil {
		return nil
	}
	lockKey := "lock." + sanitizeKey(key)
	entry, err := s.kv.Get(lockKey)
	if err != nil {
		if err == nats.ErrKeyNotFound {
			return nil
		}
		return degrade(err, "ReleaseLock", key)
	}
	var existing lockRecord
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return degrade(err, "ReleaseLock", key)
	}
	if existing.Nonce != nonce {
		return nil
	}
	return degrade(s.kv.Delete(lockKey, nats.LastRevision(entry.Revision())), "ReleaseLock", key)
}

// IncrementMetric atomically bumps a cluster-wide counter via a
// compare-and-swap retry loop against the KV revision.
func (s *NatsService) IncrementMetric(ctx context.Context, key string) (int64, error) {
	if s == nil || s.kv == nil {
		return 0, nil
	}
	mKey := "metric." + sanitizeKey(key)

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := s.kv.Get(mKey)
		if err != nil && err != nats.ErrKeyNotFound {
			return 0, err
		}

		var count int64
		var revision uint64
		if err == nil {
			count, _ = strconv.ParseInt(string(entry.Value()), 10, 64)
			revision = entry.Revision()
		}
		count++
		data := []byte(strconv.FormatInt(count, 10))

		if revision == 0 {
			if _, err := s.kv.Create(mKey, data); err == nil {
				return count, nil
			}
			continue
		}
		if _, err := s.kv.Update(mKey, data, revision); err == nil {
			return count, nil
		}
	}
	return 0, fmt.Errorf("cluster: IncrementMetric: too many concurrent updates to %s", key)
}

// Ping reports whether the NATS connection is currently established.
func (s *NatsService) Ping(ctx context.Context) error {
	if s == nil || s.nc == nil {
		return nil
	}
	if !s.nc.IsConnected() {
		return fmt.Errorf("cluster: nats connection is down")
	}
	return nil
}

// Close closes the underlying connection without draining pending messages.
func (s *NatsService) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}
