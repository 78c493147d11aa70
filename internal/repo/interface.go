package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Reader groups the read-only queries shared by the pool and transactions.
type Reader interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUsersByIDs(ctx context.Context, ids []string) ([]User, error)
	ListCandidates(ctx context.Context, q CandidateQuery) ([]User, error)
	BlockedUserIDs(ctx context.Context, userID string) ([]string, error)
	InteractionStats(ctx context.Context, userID string, otherIDs []string) (map[string]InteractionStat, error)
	ResponseStats(ctx context.Context, userIDs []string) (map[string]ResponseStat, error)

	GetBroadcast(ctx context.Context, id string) (*Broadcast, error)
	ListRecipients(ctx context.Context, broadcastID string) ([]BroadcastRecipient, error)
	GetRecipient(ctx context.Context, broadcastID, userID string) (*BroadcastRecipient, error)
	ListPendingBroadcasts(ctx context.Context, olderThan time.Time, limit int) ([]Broadcast, error)
	GetConversation(ctx context.Context, userX, userY string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	GetUsage(ctx context.Context, userID, date string) (*UsageEntry, error)
	LastBroadcastAt(ctx context.Context, userID string) (*time.Time, error)
	CountBroadcastsSince(ctx context.Context, userID string, since time.Time) (int, error)

	GetBalance(ctx context.Context, userID string) (int64, error)
}

// UsageWriter mutates the usage ledger. Implemented by the pool and by Tx so
// increments can join a surrounding transaction.
type UsageWriter interface {
	IncrementBroadcastUsage(ctx context.Context, userID, date string, at time.Time) (int, error)
	IncrementLimitExceeded(ctx context.Context, userID, date string, at time.Time) error
}

// Tx is the transactional unit of work used by the fan-out orchestrator.
type Tx interface {
	Reader
	UsageWriter

	InsertBroadcast(ctx context.Context, b Broadcast) error
	MarkFanoutCompleted(ctx context.Context, broadcastID string, at time.Time) error
	LockBroadcast(ctx context.Context, id string) (*Broadcast, error)

	// InsertRecipient creates the (broadcast, user) pair and reports whether a
	// row was written; an existing pair is left untouched.
	InsertRecipient(ctx context.Context, r BroadcastRecipient) (bool, error)
	// AdvanceRecipientStatus moves a recipient forward to status. It reports
	// false when the row is missing or already at or beyond status.
	AdvanceRecipientStatus(ctx context.Context, broadcastID, userID, status string, at time.Time) (bool, error)

	// UpsertConversation creates the pair's conversation or updates the
	// visibility flags and linked broadcast of the existing one.
	UpsertConversation(ctx context.Context, c Conversation) (*Conversation, error)
	InsertMessage(ctx context.Context, m Message) error

	// Withdraw debits amount when the balance covers it and reports whether
	// the debit happened.
	Withdraw(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) (bool, error)
}

// Provisioner writes the account data this service reads but does not own:
// users, blocks and wallet credits. Used by seeding and tests.
type Provisioner interface {
	UpsertUser(ctx context.Context, u User) error
	BlockUser(ctx context.Context, blockerID, blockedID string, at time.Time) error
	CreditWallet(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	Reader
	UsageWriter
	Provisioner

	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// WithTx executes fn within a database transaction. Any error returned by
	// fn rolls the transaction back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
