package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLite has no timestamp type. Times are stored as UTC text in a fixed-width
// layout so lexicographic and chronological order agree.
const (
	sqliteTimeLayout  = "2006-01-02 15:04:05.000000"
	sqliteParseLayout = "2006-01-02 15:04:05.999999999"
)

func toSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func toSQLiteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toSQLiteTime(*t)
}

func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(sqliteParseLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseSQLiteNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// inClause expands ids into "?, ?, ?" and the matching argument list.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

// -- Users --

func scanSQLiteUser(row rowScanner) (User, error) {
	var (
		u         User
		lastSeen  sql.NullString
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Status, &u.Verified, &u.Role, &lastSeen, &u.Gender, &u.AgeGroup, &u.Region, &u.PushEnabled, &u.NotifyJID, &createdAt); err != nil {
		return u, err
	}
	var err error
	if u.LastActiveAt, err = parseSQLiteNullTime(lastSeen); err != nil {
		return u, err
	}
	if u.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return u, err
	}
	return u, nil
}

func collectSQLiteUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (q *sqliteQueries) GetUserByID(ctx context.Context, id string) (*User, error) {
	const stmt = `SELECT ` + userColumns + ` FROM users WHERE id = ? LIMIT 1;`
	u, err := scanSQLiteUser(q.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

func (q *sqliteQueries) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	stmt := `SELECT ` + userColumns + ` FROM users WHERE id IN (` + in + `);`
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	users, err := collectSQLiteUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

func (q *sqliteQueries) ListCandidates(ctx context.Context, cq CandidateQuery) ([]User, error) {
	skip, err := json.Marshal(cq.SkipList())
	if err != nil {
		return nil, fmt.Errorf("encode skip ids: %w", err)
	}
	order := `RANDOM()`
	if cq.ByActivity {
		order = `last_active_at IS NULL, last_active_at DESC, RANDOM()`
	}
	stmt := `
SELECT ` + userColumns + `
FROM users
WHERE status = 'active'
  AND verified = 1
  AND id <> ?1
  AND (?2 = '' OR LOWER(gender) = LOWER(?2))
  AND (?3 = '' OR LOWER(age_group) = LOWER(?3))
  AND (?4 = '' OR LOWER(region) = LOWER(?4))
  AND id NOT IN (SELECT value FROM json_each(?6))
  AND NOT EXISTS (
    SELECT 1 FROM user_blocks b
    WHERE (b.blocker_id = ?1 AND b.blocked_id = users.id)
       OR (b.blocked_id = ?1 AND b.blocker_id = users.id)
  )
ORDER BY ` + order + `
LIMIT ?5;
`
	rows, err := q.db.QueryContext(ctx, stmt, cq.ExcludeUserID, cq.Gender, cq.AgeGroup, cq.Region, cq.Limit, string(skip))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	users, err := collectSQLiteUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}
	return users, nil
}

func (q *sqliteQueries) BlockedUserIDs(ctx context.Context, userID string) ([]string, error) {
	const stmt = `
SELECT blocked_id FROM user_blocks WHERE blocker_id = ?1
UNION
SELECT blocker_id FROM user_blocks WHERE blocked_id = ?1;
`
	rows, err := q.db.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list blocked users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocked users: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *sqliteQueries) InteractionStats(ctx context.Context, userID string, otherIDs []string) (map[string]InteractionStat, error) {
	stats := make(map[string]InteractionStat)
	if len(otherIDs) == 0 {
		return stats, nil
	}
	in, ids := inClause(otherIDs)
	stmt := `
SELECT CASE WHEN c.user_a_id = ? THEN c.user_b_id ELSE c.user_a_id END AS other_id,
       COUNT(m.id),
       MAX(m.created_at)
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
WHERE (c.user_a_id = ? AND c.user_b_id IN (` + in + `))
   OR (c.user_b_id = ? AND c.user_a_id IN (` + in + `))
GROUP BY other_id;
`
	args := make([]any, 0, 3+2*len(ids))
	args = append(args, userID, userID)
	args = append(args, ids...)
	args = append(args, userID)
	args = append(args, ids...)

	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("interaction stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			other string
			st    InteractionStat
			last  sql.NullString
		)
		if err := rows.Scan(&other, &st.Messages, &last); err != nil {
			return nil, fmt.Errorf("scan interaction stats: %w", err)
		}
		if st.LastMessageAt, err = parseSQLiteNullTime(last); err != nil {
			return nil, fmt.Errorf("scan interaction stats: %w", err)
		}
		stats[other] = st
	}
	return stats, rows.Err()
}

func (q *sqliteQueries) ResponseStats(ctx context.Context, userIDs []string) (map[string]ResponseStat, error) {
	stats := make(map[string]ResponseStat)
	if len(userIDs) == 0 {
		return stats, nil
	}
	in, args := inClause(userIDs)
	stmt := `
SELECT user_id, COUNT(*), SUM(CASE WHEN status = 'replied' THEN 1 ELSE 0 END)
FROM broadcast_recipients
WHERE user_id IN (` + in + `)
GROUP BY user_id;
`
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("response stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			st ResponseStat
		)
		if err := rows.Scan(&id, &st.Received, &st.Replied); err != nil {
			return nil, fmt.Errorf("scan response stats: %w", err)
		}
		stats[id] = st
	}
	return stats, rows.Err()
}

func (q *sqliteQueries) UpsertUser(ctx context.Context, u User) error {
	const stmt = `
INSERT INTO users (` + userColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    status = excluded.status,
    verified = excluded.verified,
    role = excluded.role,
    last_active_at = COALESCE(excluded.last_active_at, users.last_active_at),
    gender = excluded.gender,
    age_group = excluded.age_group,
    region = excluded.region,
    push_enabled = excluded.push_enabled,
    notify_jid = excluded.notify_jid;
`
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.db.ExecContext(ctx, stmt, u.ID, u.Status, u.Verified, u.Role, toSQLiteTimePtr(u.LastActiveAt),
		u.Gender, u.AgeGroup, u.Region, u.PushEnabled, u.NotifyJID, toSQLiteTime(created))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (q *sqliteQueries) BlockUser(ctx context.Context, blockerID, blockedID string, at time.Time) error {
	const stmt = `
INSERT INTO user_blocks (blocker_id, blocked_id, created_at)
VALUES (?, ?, ?)
ON CONFLICT DO NOTHING;
`
	if _, err := q.db.ExecContext(ctx, stmt, blockerID, blockedID, toSQLiteTime(at)); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

// -- Wallets --

func (q *sqliteQueries) GetBalance(ctx context.Context, userID string) (int64, error) {
	const stmt = `SELECT balance FROM wallets WHERE user_id = ? LIMIT 1;`
	var balance int64
	if err := q.db.QueryRowContext(ctx, stmt, userID).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (q *sqliteQueries) Withdraw(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) (bool, error) {
	const debit = `
UPDATE wallets
SET balance = balance - ?2,
    updated_at = ?3
WHERE user_id = ?1 AND balance >= ?2;
`
	res, err := q.db.ExecContext(ctx, debit, userID, amount, toSQLiteTime(at))
	if err != nil {
		return false, fmt.Errorf("debit wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit wallet: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	const entry = `
INSERT INTO wallet_transactions (id, user_id, amount, description, created_at)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := q.db.ExecContext(ctx, entry, entryID, userID, -amount, description, toSQLiteTime(at)); err != nil {
		return false, fmt.Errorf("insert wallet transaction: %w", err)
	}
	return true, nil
}

func (q *sqliteQueries) CreditWallet(ctx context.Context, userID string, amount int64, description, entryID string, at time.Time) error {
	const credit = `
INSERT INTO wallets (user_id, balance, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    balance = wallets.balance + excluded.balance,
    updated_at = excluded.updated_at;
`
	if _, err := q.db.ExecContext(ctx, credit, userID, amount, toSQLiteTime(at)); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	const entry = `
INSERT INTO wallet_transactions (id, user_id, amount, description, created_at)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := q.db.ExecContext(ctx, entry, entryID, userID, amount, description, toSQLiteTime(at)); err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// -- Broadcasts --

func scanSQLiteBroadcast(row rowScanner) (Broadcast, error) {
	var (
		b         Broadcast
		createdAt string
		completed sql.NullString
	)
	if err := row.Scan(&b.ID, &b.SenderID, &b.AudioRef, &b.ContentType, &b.Content, &b.RequestedCount,
		&b.FilterGender, &b.FilterAgeGroup, &b.FilterRegion, &b.Active, &b.FanoutStatus, &createdAt, &completed); err != nil {
		return b, err
	}
	var err error
	if b.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return b, err
	}
	if b.FanoutCompletedAt, err = parseSQLiteNullTime(completed); err != nil {
		return b, err
	}
	return b, nil
}

func scanSQLiteRecipient(row rowScanner) (BroadcastRecipient, error) {
	var (
		r         BroadcastRecipient
		createdAt string
		readAt    sql.NullString
		repliedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.BroadcastID, &r.UserID, &r.Status, &createdAt, &readAt, &repliedAt); err != nil {
		return r, err
	}
	var err error
	if r.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return r, err
	}
	if r.ReadAt, err = parseSQLiteNullTime(readAt); err != nil {
		return r, err
	}
	if r.RepliedAt, err = parseSQLiteNullTime(repliedAt); err != nil {
		return r, err
	}
	return r, nil
}

func (q *sqliteQueries) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	const stmt = `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE id = ? LIMIT 1;`
	b, err := scanSQLiteBroadcast(q.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get broadcast: %w", err)
	}
	return &b, nil
}

// LockBroadcast reads the broadcast; SQLite serialises writers per database,
// so the surrounding transaction already excludes concurrent fan-outs.
func (q *sqliteQueries) LockBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	return q.GetBroadcast(ctx, id)
}

func (q *sqliteQueries) ListPendingBroadcasts(ctx context.Context, olderThan time.Time, limit int) ([]Broadcast, error) {
	const stmt = `
SELECT ` + broadcastColumns + `
FROM broadcasts
WHERE fanout_status = 'pending' AND created_at < ?
ORDER BY created_at
LIMIT ?;
`
	rows, err := q.db.QueryContext(ctx, stmt, toSQLiteTime(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending broadcasts: %w", err)
	}
	defer rows.Close()

	var out []Broadcast
	for rows.Next() {
		b, err := scanSQLiteBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending broadcast: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (q *sqliteQueries) InsertBroadcast(ctx context.Context, b Broadcast) error {
	const stmt = `
INSERT INTO broadcasts (id, sender_id, audio_ref, content_type, content, requested_count,
                        filter_gender, filter_age_group, filter_region, active, fanout_status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := q.db.ExecContext(ctx, stmt, b.ID, b.SenderID, b.AudioRef, b.ContentType, b.Content, b.RequestedCount,
		b.FilterGender, b.FilterAgeGroup, b.FilterRegion, b.Active, b.FanoutStatus, toSQLiteTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

func (q *sqliteQueries) MarkFanoutCompleted(ctx context.Context, broadcastID string, at time.Time) error {
	const stmt = `
UPDATE broadcasts
SET fanout_status = 'completed',
    fanout_completed_at = ?
WHERE id = ?;
`
	if _, err := q.db.ExecContext(ctx, stmt, toSQLiteTime(at), broadcastID); err != nil {
		return fmt.Errorf("mark fanout completed: %w", err)
	}
	return nil
}

func (q *sqliteQueries) ListRecipients(ctx context.Context, broadcastID string) ([]BroadcastRecipient, error) {
	const stmt = `SELECT ` + recipientColumns + ` FROM broadcast_recipients WHERE broadcast_id = ? ORDER BY created_at, user_id;`
	rows, err := q.db.QueryContext(ctx, stmt, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []BroadcastRecipient
	for rows.Next() {
		r, err := scanSQLiteRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *sqliteQueries) GetRecipient(ctx context.Context, broadcastID, userID string) (*BroadcastRecipient, error) {
	const stmt = `SELECT ` + recipientColumns + ` FROM broadcast_recipients WHERE broadcast_id = ? AND user_id = ? LIMIT 1;`
	r, err := scanSQLiteRecipient(q.db.QueryRowContext(ctx, stmt, broadcastID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &r, nil
}

func (q *sqliteQueries) InsertRecipient(ctx context.Context, r BroadcastRecipient) (bool, error) {
	const stmt = `
INSERT INTO broadcast_recipients (id, broadcast_id, user_id, status, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (broadcast_id, user_id) DO NOTHING;
`
	res, err := q.db.ExecContext(ctx, stmt, r.ID, r.BroadcastID, r.UserID, r.Status, toSQLiteTime(r.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert recipient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert recipient: %w", err)
	}
	return n == 1, nil
}

func (q *sqliteQueries) AdvanceRecipientStatus(ctx context.Context, broadcastID, userID, status string, at time.Time) (bool, error) {
	var stmt string
	switch status {
	case RecipientRead:
		stmt = `
UPDATE broadcast_recipients
SET status = 'read', read_at = ?3
WHERE broadcast_id = ?1 AND user_id = ?2 AND status = 'delivered';
`
	case RecipientReplied:
		stmt = `
UPDATE broadcast_recipients
SET status = 'replied', replied_at = ?3, read_at = COALESCE(read_at, ?3)
WHERE broadcast_id = ?1 AND user_id = ?2 AND status IN ('delivered', 'read');
`
	default:
		return false, fmt.Errorf("advance recipient: unsupported status %q", status)
	}
	res, err := q.db.ExecContext(ctx, stmt, broadcastID, userID, toSQLiteTime(at))
	if err != nil {
		return false, fmt.Errorf("advance recipient: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance recipient: %w", err)
	}
	return n == 1, nil
}

// -- Conversations --

func scanSQLiteConversation(row rowScanner) (Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &c.UserAID, &c.UserBID, &c.DeletedByA, &c.DeletedByB, &c.LinkedBroadcastID, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	var err error
	if c.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

func (q *sqliteQueries) GetConversation(ctx context.Context, userX, userY string) (*Conversation, error) {
	a, b := PairKey(userX, userY)
	const stmt = `SELECT ` + conversationColumns + ` FROM conversations WHERE user_a_id = ? AND user_b_id = ? LIMIT 1;`
	c, err := scanSQLiteConversation(q.db.QueryRowContext(ctx, stmt, a, b))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (q *sqliteQueries) UpsertConversation(ctx context.Context, c Conversation) (*Conversation, error) {
	const stmt = `
INSERT INTO conversations (id, user_a_id, user_b_id, deleted_by_a, deleted_by_b, linked_broadcast_id, created_at, updated_at)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?7)
ON CONFLICT (user_a_id, user_b_id) DO UPDATE SET
    deleted_by_a = excluded.deleted_by_a,
    deleted_by_b = excluded.deleted_by_b,
    linked_broadcast_id = COALESCE(excluded.linked_broadcast_id, conversations.linked_broadcast_id),
    updated_at = excluded.updated_at
RETURNING ` + conversationColumns + `;
`
	out, err := scanSQLiteConversation(q.db.QueryRowContext(ctx, stmt, c.ID, c.UserAID, c.UserBID, c.DeletedByA, c.DeletedByB, c.LinkedBroadcastID, toSQLiteTime(c.UpdatedAt)))
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &out, nil
}

func (q *sqliteQueries) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const stmt = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY created_at, id;`
	rows, err := q.db.QueryContext(ctx, stmt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.BroadcastID, &m.MediaRef, &m.Body, &m.Read, &createdAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		if m.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (q *sqliteQueries) InsertMessage(ctx context.Context, m Message) error {
	const stmt = `
INSERT INTO messages (id, conversation_id, sender_id, message_type, broadcast_id, media_ref, body, read, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := q.db.ExecContext(ctx, stmt, m.ID, m.ConversationID, m.SenderID, m.Type, m.BroadcastID, m.MediaRef, m.Body, m.Read, toSQLiteTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// -- Usage --

func (q *sqliteQueries) GetUsage(ctx context.Context, userID, date string) (*UsageEntry, error) {
	const stmt = `
SELECT user_id, usage_date, broadcasts_sent_count, last_broadcast_at, limit_exceeded_count, updated_at
FROM broadcast_usage
WHERE user_id = ? AND usage_date = ?
LIMIT 1;
`
	var (
		u         UsageEntry
		last      sql.NullString
		updatedAt string
	)
	err := q.db.QueryRowContext(ctx, stmt, userID, date).Scan(&u.UserID, &u.Date, &u.BroadcastsSent, &last, &u.LimitExceededCount, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if u.LastBroadcastAt, err = parseSQLiteNullTime(last); err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if u.UpdatedAt, err = parseSQLiteTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

func (q *sqliteQueries) LastBroadcastAt(ctx context.Context, userID string) (*time.Time, error) {
	const stmt = `SELECT MAX(last_broadcast_at) FROM broadcast_usage WHERE user_id = ?;`
	var last sql.NullString
	if err := q.db.QueryRowContext(ctx, stmt, userID).Scan(&last); err != nil {
		return nil, fmt.Errorf("last broadcast at: %w", err)
	}
	t, err := parseSQLiteNullTime(last)
	if err != nil {
		return nil, fmt.Errorf("last broadcast at: %w", err)
	}
	return t, nil
}

func (q *sqliteQueries) CountBroadcastsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const stmt = `SELECT COUNT(*) FROM broadcasts WHERE sender_id = ? AND created_at >= ?;`
	var n int
	if err := q.db.QueryRowContext(ctx, stmt, userID, toSQLiteTime(since)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count broadcasts since: %w", err)
	}
	return n, nil
}

func (q *sqliteQueries) IncrementBroadcastUsage(ctx context.Context, userID, date string, at time.Time) (int, error) {
	const stmt = `
INSERT INTO broadcast_usage (user_id, usage_date, broadcasts_sent_count, last_broadcast_at, limit_exceeded_count, updated_at)
VALUES (?1, ?2, 1, ?3, 0, ?3)
ON CONFLICT (user_id, usage_date) DO UPDATE SET
    broadcasts_sent_count = broadcast_usage.broadcasts_sent_count + 1,
    last_broadcast_at = excluded.last_broadcast_at,
    updated_at = excluded.updated_at
RETURNING broadcasts_sent_count;
`
	var n int
	if err := q.db.QueryRowContext(ctx, stmt, userID, date, toSQLiteTime(at)).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment broadcast usage: %w", err)
	}
	return n, nil
}

func (q *sqliteQueries) IncrementLimitExceeded(ctx context.Context, userID, date string, at time.Time) error {
	const stmt = `
INSERT INTO broadcast_usage (user_id, usage_date, broadcasts_sent_count, limit_exceeded_count, updated_at)
VALUES (?1, ?2, 0, 1, ?3)
ON CONFLICT (user_id, usage_date) DO UPDATE SET
    limit_exceeded_count = broadcast_usage.limit_exceeded_count + 1,
    updated_at = excluded.updated_at;
`
	if _, err := q.db.ExecContext(ctx, stmt, userID, date, toSQLiteTime(at)); err != nil {
		return fmt.Errorf("increment limit exceeded: %w", err)
	}
	return nil
}
