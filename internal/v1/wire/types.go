// Package wire defines the data model and wire-boundary payload shapes shared
// across the collaboration server: sessions, users, rooms, presence, cursors,
// annotations, text operations, conflicts, and queued messages (spec §3).
package wire

import "time"

// RoleType is the ordered user role hierarchy: guest < user < annotator < moderator < admin.
type RoleType string

const (
	RoleGuest     RoleType = "guest"
	RoleUser      RoleType = "user"
	RoleAnnotator RoleType = "annotator"
	RoleModerator RoleType = "moderator"
	RoleAdmin     RoleType = "admin"
)

var roleRank = map[RoleType]int{
	RoleGuest:     0,
	RoleUser:      1,
	RoleAnnotator: 2,
	RoleModerator: 3,
	RoleAdmin:     4,
}

// AtLeast reports whether r is the same role as or outranks other.
func (r RoleType) AtLeast(other RoleType) bool {
	return roleRank[r] >= roleRank[other]
}

// UserIDType is the stable user identifier supplied by the external auth issuer.
type UserIDType string

// SessionIDType identifies one authenticated bidirectional connection.
type SessionIDType string

// RoomIDType is the opaque, deterministic room identifier (project[:text]).
type RoomIDType string

// TextIDType identifies the annotated text within a project.
type TextIDType string

// AnnotationIDType identifies a server-assigned annotation.
type AnnotationIDType string

// User is the stable identity record resolved by the external auth issuer.
type User struct {
	ID          UserIDType `json:"id"`
	DisplayName string     `json:"displayName"`
	Role        RoleType   `json:"role"`
	Permissions []string   `json:"permissions"`
	CursorColor string     `json:"cursorColor"`
}

// HasPermission reports whether the user carries the given permission tag
// (e.g. "admin", "super_admin").
func (u User) HasPermission(tag string) bool {
	for _, p := range u.Permissions {
		if p == tag {
			return true
		}
	}
	return false
}

// Session is the server-side record of one authenticated bidirectional connection.
// Owned by the Session Gate for its lifetime; destroyed on disconnect.
type Session struct {
	ID            SessionIDType
	User          User
	RemoteAddr    string
	ConnectedAt   time.Time
	LastActivity  time.Time
	JoinedRooms   map[RoomIDType]struct{}
	CorrelationID string
}

// RoomMetadata is the identity the room id is a pure function of.
type RoomMetadata struct {
	ProjectID string `json:"projectId"`
	TextID    string `json:"textId,omitempty"`
}

// PresenceStatus is the per-(room,user) activity status.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// statusRank orders statuses for the §3 global roll-up rule: online > idle > away > offline.
var statusRank = map[PresenceStatus]int{
	StatusOnline:  3,
	StatusIdle:    2,
	StatusAway:    1,
	StatusOffline: 0,
}

// BestStatus returns the highest-ranked of the two statuses per the §3 roll-up rule.
func BestStatus(a, b PresenceStatus) PresenceStatus {
	if statusRank[a] >= statusRank[b] {
		return a
	}
	return b
}

// ActivityKind enumerates the presence activity kinds from §4.3.
type ActivityKind string

const (
	ActivityAnnotating ActivityKind = "annotating"
	ActivityViewing     ActivityKind = "viewing"
	ActivityCursorMove  ActivityKind = "cursor-move"
	ActivityTextSelect  ActivityKind = "text-select"
	ActivityIdle        ActivityKind = "idle"
	ActivityAway        ActivityKind = "away"
)

// PresenceRecord is the per-(room,user) activity record (spec §3).
type PresenceRecord struct {
	RoomID       RoomIDType     `json:"roomId"`
	UserID       UserIDType     `json:"userId"`
	SessionID    SessionIDType  `json:"sessionId"`
	Status       PresenceStatus `json:"status"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Annotating   bool           `json:"annotating"`
	Viewing      bool           `json:"viewing"`
}

// Cursor is a per-(room,user,textId) offset with timestamp.
type Cursor struct {
	RoomID    RoomIDType `json:"roomId"`
	UserID    UserIDType `json:"userId"`
	TextID    TextIDType `json:"textId"`
	Position  int        `json:"position"`
	Color     string     `json:"color"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Selection is a per-(room,user,textId) [start,end] range. Start <= End.
type Selection struct {
	RoomID RoomIDType `json:"roomId"`
	UserID UserIDType `json:"userId"`
	TextID TextIDType `json:"textId"`
	Start  int        `json:"start"`
	End    int        `json:"end"`
	Color  string     `json:"color"`
}

// Valid reports whether the selection satisfies start <= end and non-negative offsets.
func (s Selection) Valid() bool {
	return s.Start >= 0 && s.End >= s.Start
}

// AnnotationStatus enumerates the annotation lifecycle states.
type AnnotationStatus string

const (
	AnnotationDraft     AnnotationStatus = "draft"
	AnnotationPending   AnnotationStatus = "pending"
	AnnotationValidated AnnotationStatus = "validated"
	AnnotationRejected  AnnotationStatus = "rejected"
)

// Annotation is the collaboration-facing shape: labels are a flat string set
// (see SPEC_FULL.md Open Question on the REST-shape `label: Label` mapping,
// which is out of scope here).
type Annotation struct {
	ID         AnnotationIDType           `json:"id"`
	LocalID    string                     `json:"localId,omitempty"`
	TextID     TextIDType                 `json:"textId"`
	AuthorID   UserIDType                 `json:"authorId"`
	Start      int                        `json:"startOffset"`
	End        int                        `json:"endOffset"`
	Text       string                     `json:"text"`
	Labels     []string                   `json:"labels"`
	Confidence *float64                   `json:"confidence,omitempty"`
	Notes      string                     `json:"notes,omitempty"`
	Status     AnnotationStatus           `json:"status"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
	XMeta      map[string]RawMessageShim `json:"xMeta,omitempty"`
}

// RawMessageShim preserves unknown wire fields opaquely for forward
// compatibility (§9 redesign note: "versioned payload schema ... unknown
// fields are preserved as opaque blobs").
type RawMessageShim = []byte

// Valid checks the annotation invariants from §3: 0 <= start <= end <= docLen.
func (a Annotation) Valid(docLen int) bool {
	return a.Start >= 0 && a.Start <= a.End && a.End <= docLen
}

// Comment is a reply thread entry on an annotation (supplemented feature, §6 comment-create).
type Comment struct {
	ID           string     `json:"id"`
	AnnotationID string     `json:"annotationId"`
	AuthorID     UserIDType `json:"authorId"`
	Body         string     `json:"body"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// OpKind enumerates text operation kinds.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
	OpNoop    OpKind = "noop"
)

// TextOperation is a position-bearing edit primitive carrying author/sequence
// metadata used by the OT engine's state vectors (spec §3, §4.6).
type TextOperation struct {
	Kind           OpKind     `json:"kind"`
	TextID         TextIDType `json:"textId"`
	Position       int        `json:"position"`
	Text           string     `json:"text,omitempty"`           // insert/replace
	Length         int        `json:"length,omitempty"`          // delete
	OriginalLength int        `json:"originalLength,omitempty"` // replace
	AuthorID       UserIDType `json:"authorId"`
	Seq            uint64     `json:"seq"`
	Timestamp      time.Time  `json:"timestamp"`

	// SeenSeq is the submitting client's state vector at the time it
	// authored this op: the highest Seq of each other author's operation
	// it had already applied locally (spec §3's "per-client state
	// vector"). The engine only transforms against logged ops a client
	// hasn't already incorporated; omitted entries are treated as 0.
	SeenSeq map[UserIDType]uint64 `json:"seenSeq,omitempty"`
}

// ConflictKind enumerates the four detectable conflict kinds (spec §4.7).
type ConflictKind string

const (
	ConflictPositionOverlap ConflictKind = "position-overlap"
	ConflictContent         ConflictKind = "content-conflict"
	ConflictLabel           ConflictKind = "label-conflict"
	ConflictTemporal        ConflictKind = "temporal-conflict"
)

// ConflictSeverity enumerates severities, ordered low < medium < high < critical.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

var severityRank = map[ConflictSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the higher-ranked of two severities.
func MaxSeverity(a, b ConflictSeverity) ConflictSeverity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}

// ConflictStatus enumerates conflict lifecycle states.
type ConflictStatus string

const (
	ConflictDetected ConflictStatus = "detected"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution records the strategy and outcome applied to a resolved conflict.
type Resolution struct {
	Strategy      string                     `json:"strategy"`
	WinnerID      AnnotationIDType           `json:"winnerId,omitempty"`
	Merged        *Annotation                `json:"merged,omitempty"`
	RequiresInput bool                       `json:"requiresInput,omitempty"`
	ResolvedAt    time.Time                  `json:"resolvedAt"`
}

// Conflict records a detected incompatibility between annotations (spec §3).
type Conflict struct {
	ID          string           `json:"id"`
	Kind        ConflictKind     `json:"type"`
	Severity    ConflictSeverity `json:"severity"`
	AnnotationA AnnotationIDType `json:"annotationA"`
	AnnotationB AnnotationIDType `json:"annotationB"`
	RoomID      RoomIDType       `json:"roomId"`
	DetectedAt  time.Time        `json:"detectedAt"`
	Status      ConflictStatus   `json:"status"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
}

// Priority enumerates queued-message priority, ordered high > normal > low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// Rank returns the numeric ordering used to sort the queue (higher first).
func (p Priority) Rank() int { return priorityRank[p] }

// MessageStatus enumerates the lifecycle of a queued message.
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageDelivered  MessageStatus = "delivered"
	MessageFailed     MessageStatus = "failed"
	MessageDeadLetter MessageStatus = "dead-letter"
)

// QueuedMessage is a durable per-user/per-room message (spec §3, §4.9).
type QueuedMessage struct {
	ID          string              `json:"id"`
	Owner       string              `json:"owner"` // user id or room id
	IsRoom      bool                `json:"isRoom"`
	Type        string              `json:"type"`
	Payload     []byte              `json:"payload"`
	Priority    Priority            `json:"priority"`
	Timestamp   time.Time           `json:"timestamp"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"maxAttempts"`
	NextRetryAt time.Time           `json:"nextRetryAt,omitempty"`
	Status      MessageStatus       `json:"status"`
	DeadReason  string              `json:"deadReason,omitempty"`
	Delivered   map[string]struct{} `json:"-"`
	DeliveredList []string          `json:"delivered,omitempty"` // serialized form of Delivered
	TargetUsers []string            `json:"targetUsers,omitempty"`
}
