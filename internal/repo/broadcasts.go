package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const broadcastColumns = `id, sender_id, audio_ref, content_type, content, requested_count,
       filter_gender, filter_age_group, filter_region, active, fanout_status, created_at, fanout_completed_at`

const recipientColumns = `id, broadcast_id, user_id, status, created_at, read_at, replied_at`

func scanPgBroadcast(row rowScanner) (Broadcast, error) {
	var b Broadcast
	err := row.Scan(&b.ID, &b.SenderID, &b.AudioRef, &b.ContentType, &b.Content, &b.RequestedCount,
		&b.FilterGender, &b.FilterAgeGroup, &b.FilterRegion, &b.Active, &b.FanoutStatus, &b.CreatedAt, &b.FanoutCompletedAt)
	return b, err
}

func scanPgRecipient(row rowScanner) (BroadcastRecipient, error) {
	var r BroadcastRecipient
	err := row.Scan(&r.ID, &r.BroadcastID, &r.UserID, &r.Status, &r.CreatedAt, &r.ReadAt, &r.RepliedAt)
	return r, err
}

// GetBroadcast loads a broadcast by id.
func (q *pgQueries) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	const stmt = `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = $1 LIMIT 1;`
	b, err := scanPgBroadcast(q.db.QueryRow(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	return &b, nil
}

// LockBroadcast loads a broadcast and holds its row lock until the transaction ends.
func (q *pgQueries) LockBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	const stmt = `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = $1 FOR UPDATE;`
	b, err := scanPgBroadcast(q.db.QueryRow(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock broadcast: %w", err)
	}
	return &b, nil
}

// ListPendingBroadcasts returns broadcasts whose fan-out has not completed and
// that were created before olderThan, oldest first.
func (q *pgQueries) ListPendingBroadcasts(ctx context.Context, olderThan time.Time, limit int) ([]Broadcast, error) {
	const stmt = `
SELECT ` + broadcastColumns + `
FROM broadcasts
WHERE fanout_status = 'pending' AND created_at < $1
ORDER BY created_at
LIMIT $2;
`
	rows, err := q.db.Query(ctx, stmt, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending broadcasts: %w", err)
	}
	defer rows.Close()

	var out []Broadcast
	for rows.Next() {
		b, err := scanPgBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBroadcast stores a new broadcast.
func (q *pgQueries) InsertBroadcast(ctx context.Context, b Broadcast) error {
	const stmt = `
INSERT INTO broadcasts (id, sender_id, audio_ref, content_type, content, requested_count,
                        filter_gender, filter_age_group, filter_region, active, fanout_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	_, err := q.db.Exec(ctx, stmt, b.ID, b.SenderID, b.AudioRef, b.ContentType, b.Content, b.RequestedCount,
		b.FilterGender, b.FilterAgeGroup, b.FilterRegion, b.Active, b.FanoutStatus, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

// MarkFanoutCompleted flags the broadcast fan-out as done.
func (q *pgQueries) MarkFanoutCompleted(ctx context.Context, broadcastID string, at time.Time) error {
	const stmt = `
UPDATE broadcasts
SET fanout_status = 'completed',
    fanout_completed_at = $2
WHERE id = $1;
`
	if _, err := q.db.Exec(ctx, stmt, broadcastID, at); err != nil {
		return fmt.Errorf("mark fanout completed: %w", err)
	}
	return nil
}

// ListRecipients returns the recipients of a broadcast.
func (q *pgQueries) ListRecipients(ctx context.Context, broadcastID string) ([]BroadcastRecipient, error) {
	const stmt = `SELECT ` + recipientColumns + ` FROM broadcast_recipients WHERE broadcast_id = $1 ORDER BY created_at, user_id;`
	rows, err := q.db.Query(ctx, stmt, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []BroadcastRecipient
	for rows.Next() {
		r, err := scanPgRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecipient returns the (broadcast, user) recipient row.
func (q *pgQueries) GetRecipient(ctx context.Context, broadcastID, userID string) (*BroadcastRecipient, error) {
	const stmt = `SELECT ` + recipientColumns + ` FROM broadcast_recipients WHERE broadcast_id = $1 AND user_id = $2 LIMIT 1;`
	r, err := scanPgRecipient(q.db.QueryRow(ctx, stmt, broadcastID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &r, nil
}

// InsertRecipient creates the recipient row unless the pair already exists.
func (q *pgQueries) InsertRecipient(ctx context.Context, r BroadcastRecipient) (bool, error) {
	const stmt = `
INSERT INTO broadcast_recipients (id, broadcast_id, user_id, status, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (broadcast_id, user_id) DO NOTHING;
`
	tag, err := q.db.Exec(ctx, stmt, r.ID, r.BroadcastID, r.UserID, r.Status, r.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert recipient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceRecipientStatus moves a recipient to read or replied.
func (q *pgQueries) AdvanceRecipientStatus(ctx context.Context, broadcastID, userID, status string, at time.Time) (bool, error) {
	var stmt string
	switch status {
	case RecipientRead:
		stmt = `
UPDATE broadcast_recipients
SET status = 'read', read_at = $3
WHERE broadcast_id = $1 AND user_id = $2 AND status = 'delivered';
`
	case RecipientReplied:
		stmt = `
UPDATE broadcast_recipients
SET status = 'replied', replied_at = $3, read_at = COALESCE(read_at, $3)
WHERE broadcast_id = $1 AND user_id = $2 AND status IN ('delivered', 'read');
`
	default:
		return false, fmt.Errorf("advance recipient: unsupported status %q", status)
	}
	tag, err := q.db.Exec(ctx, stmt, broadcastID, userID, at)
	if err != nil {
		return false, fmt.Errorf("advance recipient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
