package repo

import "time"

// User statuses.
const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
	UserStatusBanned    = "banned"
)

// User roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Recipient statuses. Transitions only move forward: delivered → read → replied.
const (
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientReplied   = "replied"
)

// Message types.
const (
	MessageVoice     = "voice"
	MessageText      = "text"
	MessageBroadcast = "broadcast"
)

// Fan-out states of a broadcast.
const (
	FanoutPending   = "pending"
	FanoutCompleted = "completed"
)

// User represents the users table row. Users are owned by the surrounding
// application; this service only reads them.
type User struct {
	ID           string
	Status       string
	Verified     bool
	Role         string
	LastActiveAt *time.Time
	Gender       *string
	AgeGroup     *string
	Region       *string
	PushEnabled  bool
	NotifyJID    *string
	CreatedAt    time.Time
}

// IsActive reports whether the user may send broadcasts.
func (u User) IsActive() bool {
	return u.Status == UserStatusActive
}

// Broadcast is one fan-out event.
type Broadcast struct {
	ID                string
	SenderID          string
	AudioRef          string
	ContentType       string
	Content           string
	RequestedCount    int
	FilterGender      string
	FilterAgeGroup    string
	FilterRegion      string
	Active            bool
	FanoutStatus      string
	CreatedAt         time.Time
	FanoutCompletedAt *time.Time
}

// BroadcastRecipient joins a broadcast and a selected user.
type BroadcastRecipient struct {
	ID          string
	BroadcastID string
	UserID      string
	Status      string
	CreatedAt   time.Time
	ReadAt      *time.Time
	RepliedAt   *time.Time
}

// Conversation is the 1:1 channel for an unordered user pair. UserAID is
// always the lexicographically smaller id.
type Conversation struct {
	ID                string
	UserAID           string
	UserBID           string
	DeletedByA        bool
	DeletedByB        bool
	LinkedBroadcastID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VisibleTo reports whether userID currently sees the conversation.
func (c Conversation) VisibleTo(userID string) bool {
	switch userID {
	case c.UserAID:
		return !c.DeletedByA
	case c.UserBID:
		return !c.DeletedByB
	}
	return false
}

// Message belongs to a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Type           string
	BroadcastID    *string
	MediaRef       *string
	Body           *string
	Read           bool
	CreatedAt      time.Time
}

// UsageEntry is the per-user, per-day broadcast ledger row.
type UsageEntry struct {
	UserID             string
	Date               string
	BroadcastsSent     int
	LastBroadcastAt    *time.Time
	LimitExceededCount int
	UpdatedAt          time.Time
}

// CandidateQuery narrows the recipient candidate pool. Empty attribute
// filters match everyone and attribute comparison ignores case. Users in a
// block relationship with ExcludeUserID, in either direction, are never
// returned.
type CandidateQuery struct {
	ExcludeUserID string
	Gender        string
	AgeGroup      string
	Region        string
	// SkipIDs are removed from the pool, e.g. recipients already written.
	SkipIDs []string
	// ByActivity returns the most recently active users first instead of a
	// random sample.
	ByActivity bool
	Limit      int
}

// SkipList returns SkipIDs as a non-nil slice.
func (q CandidateQuery) SkipList() []string {
	if q.SkipIDs == nil {
		return []string{}
	}
	return q.SkipIDs
}

// InteractionStat summarises prior messages exchanged between a sender and a
// candidate.
type InteractionStat struct {
	Messages      int
	LastMessageAt *time.Time
}

// ResponseStat summarises how a user historically answered broadcasts.
type ResponseStat struct {
	Received int
	Replied  int
}

// PairKey returns the canonical (a, b) ordering of an unordered user pair.
func PairKey(x, y string) (string, string) {
	if x < y {
		return x, y
	}
	return y, x
}
