// Package notify implements the Notification Dispatcher (spec §4.8): a
// fixed template catalogue with placeholder interpolation, per-user
// subscription filtering, online/offline fan-out, and bounded in-process
// history.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/queue"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/google/uuid"
	"k8s.io/utils/set"
)

const (
	historyLimit = 500
	retention    = 7 * 24 * time.Hour
)

// Template is the fixed shape a notification type maps to (spec §4.8).
type Template struct {
	Title    string
	Message  string
	Icon     string
	Priority wire.Priority
	Category string
}

// Notification is a dispatched, possibly-templated notification.
type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Icon      string            `json:"icon,omitempty"`
	Priority  wire.Priority     `json:"priority"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	Read      bool              `json:"-"`
}

// DefaultTemplates is the built-in catalogue; callers may extend it.
var DefaultTemplates = map[string]Template{
	"annotation-assigned": {Title: "New annotation assigned", Message: "{user} assigned you an annotation on {text}", Priority: wire.PriorityNormal, Category: "annotation"},
	"annotation-conflict": {Title: "Annotation conflict", Message: "Your annotation on {text} conflicts with {user}'s edit", Priority: wire.PriorityHigh, Category: "annotation"},
	"mention":             {Title: "You were mentioned", Message: "{user} mentioned you in a comment", Priority: wire.PriorityNormal, Category: "comment"},
	"room-invite":         {Title: "Room invitation", Message: "{user} invited you to {room}", Priority: wire.PriorityNormal, Category: "room"},
	"export-ready":        {Title: "Export ready", Message: "Your export of {project} is ready to download", Priority: wire.PriorityLow, Category: "system"},
}

// Deliverer is the subset of session behavior this dispatcher needs
// to deliver to online sessions, mirroring room.Member.
type Deliverer interface {
	Send(msg wire.Message) error
}

// Dispatcher owns subscriptions and in-process notification history.
type Dispatcher struct {
	templates map[string]Template
	hub       *room.Hub
	q         *queue.Queue

	mu            sync.Mutex
	subscriptions map[wire.UserIDType]set.Set[string]
	userHistory   map[wire.UserIDType][]*Notification
	roomHistory   map[wire.RoomIDType][]*Notification
	readState     map[wire.UserIDType]set.Set[string]

	onlineSessions func(userID wire.UserIDType) []Deliverer
}

// New creates a Dispatcher. onlineSessions resolves a user's currently
// connected sessions for online delivery; it may return nil/empty when
// the user has none, in which case delivery falls back to the queue.
func New(hub *room.Hub, q *queue.Queue, onlineSessions func(wire.UserIDType) []Deliverer) *Dispatcher {
	return &Dispatcher{
		templates:      DefaultTemplates,
		hub:            hub,
		q:              q,
		subscriptions:  make(map[wire.UserIDType]set.Set[string]),
		userHistory:    make(map[wire.UserIDType][]*Notification),
		roomHistory:    make(map[wire.RoomIDType][]*Notification),
		readState:      make(map[wire.UserIDType]set.Set[string]),
		onlineSessions: onlineSessions,
	}
}

func render(tmpl Template, data map[string]string) (title, message string) {
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)
	return replacer.Replace(tmpl.Title), replacer.Replace(tmpl.Message)
}

// build resolves notifType against the catalogue, falling back to the
// caller-provided fields when the type is unknown (spec §4.8: "Unknown
// types still send, but with caller-provided fields only").
func (d *Dispatcher) build(notifType string, data map[string]string, fallback Template) *Notification {
	tmpl, ok := d.templates[notifType]
	if !ok {
		tmpl = fallback
	}
	title, message := render(tmpl, data)
	return &Notification{
		ID:        uuid.NewString(),
		Type:      notifType,
		Title:     title,
		Message:   message,
		Icon:      tmpl.Icon,
		Priority:  tmpl.Priority,
		Category:  tmpl.Category,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// Subscribe adds categories/types to a user's subscription set.
func (d *Dispatcher) Subscribe(userID wire.UserIDType, categories []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subscriptions[userID]
	if !ok {
		s = set.New[string]()
		d.subscriptions[userID] = s
	}
	s.Insert(categories...)
}

// Unsubscribe removes categories/types from a user's subscription set.
func (d *Dispatcher) Unsubscribe(userID wire.UserIDType, categories []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subscriptions[userID]
	if !ok {
		return
	}
	s.Delete(categories...)
}

// isSubscribed implements the §4.8 subscription rule: subscribed iff the
// set contains the type, the category, or "all", and does not contain
// "none". A user with no subscription set is subscribed by default.
func (d *Dispatcher) isSubscribed(userID wire.UserIDType, notifType, category string) bool {
	d.mu.Lock()
	s, ok := d.subscriptions[userID]
	d.mu.Unlock()
	if !ok || s.Len() == 0 {
		return true
	}
	if s.Has("none") {
		return false
	}
	if s.Has(notifType) {
		return true
	}
	if s.Has(category) {
		return true
	}
	return s.Has("all")
}

// Send dispatches a notification, either to targetUsers individually
// (online fan-out via sessions, offline via the durable queue) or, absent
// targetUsers, broadcast to the whole room through the Room Manager.
func (d *Dispatcher) Send(roomID wire.RoomIDType, notifType string, data map[string]string, fallback Template, targetUsers []wire.UserIDType) *Notification {
	n := d.build(notifType, data, fallback)
	d.recordRoomHistory(roomID, n)

	if len(targetUsers) == 0 {
		if d.hub != nil {
			msg, err := wire.NewMessage(wire.EventNotification, string(roomID), n)
			if err == nil {
				d.hub.Broadcast(roomID, msg, "")
			}
		}
		return n
	}

	for _, userID := range targetUsers {
		if !d.isSubscribed(userID, notifType, n.Category) {
			continue
		}
		d.recordUserHistory(userID, n)
		d.deliverToUser(roomID, userID, n)
	}
	return n
}

func (d *Dispatcher) deliverToUser(roomID wire.RoomIDType, userID wire.UserIDType, n *Notification) {
	var sessions []Deliverer
	if d.onlineSessions != nil {
		sessions = d.onlineSessions(userID)
	}

	if len(sessions) == 0 {
		if d.q != nil {
			msg, err := wire.NewMessage(wire.EventNotification, string(roomID), n)
			if err == nil {
				d.q.EnqueueUser(string(userID), string(wire.EventNotification), []byte(msg.Payload), n.Priority)
			}
		}
		return
	}

	msg, err := wire.NewMessage(wire.EventNotification, string(roomID), n)
	if err != nil {
		return
	}
	for _, s := range sessions {
		_ = s.Send(msg)
	}
}

// Flush delivers a user's queued notifications as a single
// queued-notifications frame on reconnect, then marks them delivered
// (spec §4.8).
func (d *Dispatcher) Flush(userID wire.UserIDType, deliver func(wire.Message) error) {
	if d.q == nil {
		return
	}
	queued := d.q.GetMessages(string(userID), "")
	if len(queued) == 0 {
		return
	}

	msg, err := wire.NewMessage(wire.EventQueuedNotifications, "", queued)
	if err != nil {
		return
	}
	if err := deliver(msg); err != nil {
		return
	}
	for _, m := range queued {
		d.q.MarkDelivered(string(userID), false, m.ID, string(userID))
	}
}

// MarkRead marks a notification read for a user.
func (d *Dispatcher) MarkRead(userID wire.UserIDType, notificationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.readState[userID]
	if !ok {
		s = set.New[string]()
		d.readState[userID] = s
	}
	s.Insert(notificationID)
}

// List returns a user's notification history in delivery order, with Read
// set according to prior MarkRead calls.
func (d *Dispatcher) List(userID wire.UserIDType) []*Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	read := d.readState[userID]
	out := make([]*Notification, len(d.userHistory[userID]))
	for i, n := range d.userHistory[userID] {
		cp := *n
		if read.Has(cp.ID) {
			cp.Read = true
		}
		out[i] = &cp
	}
	return out
}

func (d *Dispatcher) recordUserHistory(userID wire.UserIDType, n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.userHistory[userID], n)
	d.userHistory[userID] = trim(hist)
}

func (d *Dispatcher) recordRoomHistory(roomID wire.RoomIDType, n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.roomHistory[roomID], n)
	d.roomHistory[roomID] = trim(hist)
}

// trim enforces the 500-entry cap and the 7-day age cap (spec §4.8).
func trim(hist []*Notification) []*Notification {
	cutoff := time.Now().Add(-retention)
	kept := hist[:0]
	for _, n := range hist {
		if n.CreatedAt.After(cutoff) {
			kept = append(kept, n)
		}
	}
	if len(kept) > historyLimit {
		kept = kept[len(kept)-historyLimit:]
	}
	return kept
}
