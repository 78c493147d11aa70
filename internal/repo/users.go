package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, status, verified, role, last_active_at, gender, age_group, region, push_enabled, notify_jid, created_at`

func scanPgUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Status, &u.Verified, &u.Role, &u.LastActiveAt, &u.Gender, &u.AgeGroup, &u.Region, &u.PushEnabled, &u.NotifyJID, &u.CreatedAt)
	return u, err
}

func collectPgUsers(rows pgx.Rows) ([]User, error) {
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUserByID returns user by internal identifier.
func (q *pgQueries) GetUserByID(ctx context.Context, id string) (*User, error) {
	const stmt = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1;`
	u, err := scanPgUser(q.db.QueryRow(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

// GetUsersByIDs loads the users with the given ids. Unknown ids are skipped.
func (q *pgQueries) GetUsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const stmt = `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1);`
	rows, err := q.db.Query(ctx, stmt, ids)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	users, err := collectPgUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

// ListCandidates returns eligible recipients: active, verified, not the
// sender, not blocked either way, not skipped, matching every non-empty
// attribute filter. The sample is random unless ByActivity is set.
func (q *pgQueries) ListCandidates(ctx context.Context, cq CandidateQuery) ([]User, error) {
	order := `random()`
	if cq.ByActivity {
		order = `last_active_at DESC NULLS LAST, random()`
	}
	stmt := `
SELECT ` + userColumns + `
FROM users
WHERE status = 'active'
  AND verified = TRUE
  AND id <> $1
  AND ($2::text = '' OR LOWER(gender) = LOWER($2::text))
  AND ($3::text = '' OR LOWER(age_group) = LOWER($3::text))
  AND ($4::text = '' OR LOWER(region) = LOWER($4::text))
  AND NOT (id = ANY($6::text[]))
  AND NOT EXISTS (
    SELECT 1 FROM user_blocks b
    WHERE (b.blocker_id = $1 AND b.blocked_id = users.id)
       OR (b.blocked_id = $1 AND b.blocker_id = users.id)
  )
ORDER BY ` + order + `
LIMIT $5;
`
	rows, err := q.db.Query(ctx, stmt, cq.ExcludeUserID, cq.Gender, cq.AgeGroup, cq.Region, cq.Limit, cq.SkipList())
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	users, err := collectPgUsers(rows)
	if err != nil {
		return nil, fmt.Errorf("scan candidates: %w", err)
	}
	return users, nil
}

// BlockedUserIDs returns every user blocked by userID or blocking userID.
func (q *pgQueries) BlockedUserIDs(ctx context.Context, userID string) ([]string, error) {
	const stmt = `
SELECT blocked_id FROM user_blocks WHERE blocker_id = $1
UNION
SELECT blocker_id FROM user_blocks WHERE blocked_id = $1;
`
	rows, err := q.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("list blocked users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan blocked users: %w", err)
	}
	return ids, nil
}

// InteractionStats counts messages exchanged between userID and each of otherIDs.
func (q *pgQueries) InteractionStats(ctx context.Context, userID string, otherIDs []string) (map[string]InteractionStat, error) {
	stats := make(map[string]InteractionStat)
	if len(otherIDs) == 0 {
		return stats, nil
	}
	const stmt = `
SELECT CASE WHEN c.user_a_id = $1 THEN c.user_b_id ELSE c.user_a_id END AS other_id,
       COUNT(m.id),
       MAX(m.created_at)
FROM conversations c
LEFT JOIN messages m ON m.conversation_id = c.id
WHERE (c.user_a_id = $1 AND c.user_b_id = ANY($2))
   OR (c.user_b_id = $1 AND c.user_a_id = ANY($2))
GROUP BY other_id;
`
	rows, err := q.db.Query(ctx, stmt, userID, otherIDs)
	if err != nil {
		return nil, fmt.Errorf("interaction stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			other string
			st    InteractionStat
		)
		if err := rows.Scan(&other, &st.Messages, &st.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan interaction stats: %w", err)
		}
		stats[other] = st
	}
	return stats, rows.Err()
}

// ResponseStats returns broadcast reply history per user.
func (q *pgQueries) ResponseStats(ctx context.Context, userIDs []string) (map[string]ResponseStat, error) {
	stats := make(map[string]ResponseStat)
	if len(userIDs) == 0 {
		return stats, nil
	}
	const stmt = `
SELECT user_id, COUNT(*), COUNT(*) FILTER (WHERE status = 'replied')
FROM broadcast_recipients
WHERE user_id = ANY($1)
GROUP BY user_id;
`
	rows, err := q.db.Query(ctx, stmt, userIDs)
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

// UpsertUser inserts or refreshes a user profile.
func (q *pgQueries) UpsertUser(ctx context.Context, u User) error {
	const stmt = `
INSERT INTO users (` + userColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    verified = EXCLUDED.verified,
    role = EXCLUDED.role,
    last_active_at = COALESCE(EXCLUDED.last_active_at, users.last_active_at),
    gender = EXCLUDED.gender,
    age_group = EXCLUDED.age_group,
    region = EXCLUDED.region,
    push_enabled = EXCLUDED.push_enabled,
    notify_jid = EXCLUDED.notify_jid;
`
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.db.Exec(ctx, stmt, u.ID, u.Status, u.Verified, u.Role, u.LastActiveAt, u.Gender, u.AgeGroup, u.Region, u.PushEnabled, u.NotifyJID, created)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// BlockUser records that blockerID blocked blockedID.
func (q *pgQueries) BlockUser(ctx context.Context, blockerID, blockedID string, at time.Time) error {
	const stmt = `
INSERT INTO user_blocks (blocker_id, blocked_id, created_at)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;
`
	if _, err := q.db.Exec(ctx, stmt, blockerID, blockedID, at); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}
