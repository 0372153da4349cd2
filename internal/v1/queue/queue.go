// Package queue implements the Durable Message Queue (spec §4.9): priority
// ordering, TTL expiry, retry/backoff/dead-letter handling, and optional
// disk persistence with crash-safe writes.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/logging"
	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultCapacity    = 1000
	defaultMaxAttempts = 3
	defaultBaseDelay   = 5 * time.Second
	defaultTTL         = 7 * 24 * time.Hour

	sweepInterval  = 5 * time.Minute
	flushInterval  = time.Minute
)

// Options configures a Queue's limits (spec §6's MAX_QUEUE_SIZE,
// MAX_RETRY_ATTEMPTS, RETRY_BASE_DELAY_MS, MESSAGE_TTL_MS).
type Options struct {
	Capacity    int
	MaxAttempts int
	BaseDelay   time.Duration
	TTL         time.Duration

	Persist bool
	Dir     string
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = defaultCapacity
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	return o
}

// ownerQueue is the set of messages queued for one user or room.
type ownerQueue struct {
	mu       sync.Mutex
	messages []*wire.QueuedMessage
	dirty    bool
}

// Queue owns every owner's message queue.
type Queue struct {
	opts Options

	mu     sync.Mutex
	owners map[string]*ownerQueue

	store *diskStore

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Queue, loading any persisted state from opts.Dir when
// opts.Persist is set, and starting the TTL-sweep and dirty-flush loops.
func New(opts Options) (*Queue, error) {
	opts = opts.withDefaults()
	q := &Queue{
		opts:   opts,
		owners: make(map[string]*ownerQueue),
		stop:   make(chan struct{}),
	}

	if opts.Persist {
		store, err := newDiskStore(opts.Dir)
		if err != nil {
			return nil, err
		}
		q.store = store
		if err := q.loadAll(); err != nil {
			return nil, err
		}
	}

	go q.sweepLoop()
	go q.flushLoop()
	return q, nil
}

// Close stops background loops and, if persistence is enabled, flushes
// any remaining dirty queues.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	if q.store != nil {
		q.flushDirty()
	}
}

// Depth returns the total number of messages currently queued across every
// owner, for operational dashboards.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, oq := range q.owners {
		oq.mu.Lock()
		total += len(oq.messages)
		oq.mu.Unlock()
	}
	return total
}

func ownerKey(owner string, isRoom bool) string {
	if isRoom {
		return "room:" + owner
	}
	return "user:" + owner
}

func (q *Queue) ownerQueueLocked(owner string, isRoom bool) *ownerQueue {
	key := ownerKey(owner, isRoom)
	oq, ok := q.owners[key]
	if !ok {
		oq = &ownerQueue{}
		q.owners[key] = oq
	}
	return oq
}

// EnqueueUser appends a message to a user's queue with the given priority.
func (q *Queue) EnqueueUser(userID string, msgType string, payload []byte, priority wire.Priority) *wire.QueuedMessage {
	return q.enqueue(userID, false, msgType, payload, priority, nil)
}

// EnqueueRoom appends a message targeted at a room, optionally restricted
// to a set of target user ids (each of whom must separately acknowledge).
func (q *Queue) EnqueueRoom(roomID string, msgType string, payload []byte, priority wire.Priority, targetUsers []string) *wire.QueuedMessage {
	return q.enqueue(roomID, true, msgType, payload, priority, targetUsers)
}

func (q *Queue) enqueue(owner string, isRoom bool, msgType string, payload []byte, priority wire.Priority, targetUsers []string) *wire.QueuedMessage {
	now := time.Now()
	msg := &wire.QueuedMessage{
		ID:          uuid.NewString(),
		Owner:       owner,
		IsRoom:      isRoom,
		Type:        msgType,
		Payload:     payload,
		Priority:    priority,
		Timestamp:   now,
		ExpiresAt:   now.Add(q.opts.TTL),
		MaxAttempts: q.opts.MaxAttempts,
		Status:      wire.MessageQueued,
		Delivered:   make(map[string]struct{}),
		TargetUsers: targetUsers,
	}

	q.mu.Lock()
	oq := q.ownerQueueLocked(owner, isRoom)
	q.mu.Unlock()

	oq.mu.Lock()
	oq.messages = insertByPriority(oq.messages, msg)
	if len(oq.messages) > q.opts.Capacity {
		overflow := oq.messages[:len(oq.messages)-q.opts.Capacity]
		oq.messages = oq.messages[len(oq.messages)-q.opts.Capacity:]
		for _, m := range overflow {
			m.Status = wire.MessageDeadLetter
			m.DeadReason = "queue_overflow"
			metrics.QueueDeadLettered.WithLabelValues("queue_overflow").Inc()
			logging.Warn(context.Background(), "message dead-lettered", zap.String("owner", owner), zap.String("reason", m.DeadReason), zap.String("messageId", m.ID))
		}
	}
	oq.dirty = true
	depth := len(oq.messages)
	oq.mu.Unlock()

	ownerKind := "user"
	if isRoom {
		ownerKind = "room"
	}
	metrics.QueueDepth.WithLabelValues(ownerKind).Set(float64(depth))

	return msg
}

// insertByPriority keeps messages non-increasing by priority rank, ties
// broken by original insertion order (FIFO) (spec §4.9).
func insertByPriority(messages []*wire.QueuedMessage, msg *wire.QueuedMessage) []*wire.QueuedMessage {
	idx := sort.Search(len(messages), func(i int) bool {
		return messages[i].Priority.Rank() < msg.Priority.Rank()
	})
	messages = append(messages, nil)
	copy(messages[idx+1:], messages[idx:])
	messages[idx] = msg
	return messages
}

// GetMessages returns the queued, not-yet-expired messages for a user,
// optionally restricted to those also targeting roomID.
func (q *Queue) GetMessages(userID string, roomID string) []wire.QueuedMessage {
	now := time.Now()
	var out []wire.QueuedMessage

	q.mu.Lock()
	userQ := q.owners[ownerKey(userID, false)]
	var roomQ *ownerQueue
	if roomID != "" {
		roomQ = q.owners[ownerKey(roomID, true)]
	}
	q.mu.Unlock()

	if userQ != nil {
		userQ.mu.Lock()
		for _, m := range userQ.messages {
			if m.ExpiresAt.After(now) && m.Status != wire.MessageDeadLetter {
				out = append(out, *m)
			}
		}
		userQ.mu.Unlock()
	}
	if roomQ != nil {
		roomQ.mu.Lock()
		for _, m := range roomQ.messages {
			if _, ok := m.Delivered[userID]; ok {
				continue
			}
			if m.ExpiresAt.After(now) && m.Status != wire.MessageDeadLetter {
				out = append(out, *m)
			}
		}
		roomQ.mu.Unlock()
	}
	return out
}

// MarkDelivered marks a message delivered for userID. For a room message
// this records only that user's acknowledgment; the message is removed
// once every current target user (or, absent a target list, at least one
// user) has acknowledged.
func (q *Queue) MarkDelivered(owner string, isRoom bool, messageID string, userID string) {
	q.mu.Lock()
	oq := q.owners[ownerKey(owner, isRoom)]
	q.mu.Unlock()
	if oq == nil {
		return
	}

	oq.mu.Lock()
	defer oq.mu.Unlock()
	for i, m := range oq.messages {
		if m.ID != messageID {
			continue
		}
		if !m.IsRoom {
			m.Status = wire.MessageDelivered
			oq.messages = append(oq.messages[:i], oq.messages[i+1:]...)
			oq.dirty = true
			return
		}
		if m.Delivered == nil {
			m.Delivered = make(map[string]struct{})
		}
		m.Delivered[userID] = struct{}{}
		if roomMessageComplete(m) {
			m.Status = wire.MessageDelivered
			oq.messages = append(oq.messages[:i], oq.messages[i+1:]...)
		}
		oq.dirty = true
		return
	}
}

func roomMessageComplete(m *wire.QueuedMessage) bool {
	if len(m.TargetUsers) == 0 {
		return len(m.Delivered) > 0
	}
	for _, u := range m.TargetUsers {
		if _, ok := m.Delivered[u]; !ok {
			return false
		}
	}
	return true
}

// Retry re-schedules a failed message for delivery, incrementing attempts
// and moving it to dead-letter once the attempt budget is exhausted
// (spec §4.9: nextRetryAt = now + base * 2^attempts).
func (q *Queue) Retry(owner string, isRoom bool, messageID string) {
	q.mu.Lock()
	oq := q.owners[ownerKey(owner, isRoom)]
	q.mu.Unlock()
	if oq == nil {
		return
	}

	oq.mu.Lock()
	defer oq.mu.Unlock()
	for _, m := range oq.messages {
		if m.ID != messageID {
			continue
		}
		m.Attempts++
		m.Status = wire.MessageFailed
		if m.Attempts >= m.MaxAttempts {
			m.Status = wire.MessageDeadLetter
			m.DeadReason = "max_attempts_exceeded"
			metrics.QueueDeadLettered.WithLabelValues("max_attempts_exceeded").Inc()
			logging.Warn(context.Background(), "message dead-lettered", zap.String("owner", owner), zap.String("reason", m.DeadReason), zap.String("messageId", m.ID), zap.Int("attempts", m.Attempts))
			return
		}
		backoff := q.opts.BaseDelay * time.Duration(1<<uint(m.Attempts))
		m.NextRetryAt = time.Now().Add(backoff)
		oq.dirty = true
		return
	}
}

// Clear removes all messages for a user (and, if roomID is given, their
// pending acknowledgments on that room's queue).
func (q *Queue) Clear(userID string, roomID string) {
	q.mu.Lock()
	delete(q.owners, ownerKey(userID, false))
	if roomID != "" {
		if oq, ok := q.owners[ownerKey(roomID, true)]; ok {
			oq.mu.Lock()
			for _, m := range oq.messages {
				delete(m.Delivered, userID)
			}
			oq.mu.Unlock()
		}
	}
	q.mu.Unlock()
}

func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.sweepExpired()
		}
	}
}

func (q *Queue) sweepExpired() {
	now := time.Now()
	q.mu.Lock()
	owners := make([]*ownerQueue, 0, len(q.owners))
	for _, oq := range q.owners {
		owners = append(owners, oq)
	}
	q.mu.Unlock()

	for _, oq := range owners {
		oq.mu.Lock()
		kept := oq.messages[:0]
		for _, m := range oq.messages {
			if m.ExpiresAt.After(now) {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(oq.messages) {
			oq.dirty = true
		}
		oq.messages = kept
		oq.mu.Unlock()
	}
}

func (q *Queue) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.flushDirty()
		}
	}
}
