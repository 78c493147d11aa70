package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetUsage returns the usage row of userID for date (YYYY-MM-DD).
func (q *pgQueries) GetUsage(ctx context.Context, userID, date string) (*UsageEntry, error) {
	const stmt = `
SELECT user_id, usage_date, broadcasts_sent_count, last_broadcast_at, limit_exceeded_count, updated_at
FROM broadcast_usage
WHERE user_id = $1 AND usage_date = $2
LIMIT 1;
`
	var u UsageEntry
	err := q.db.QueryRow(ctx, stmt, userID, date).Scan(&u.UserID, &u.Date, &u.BroadcastsSent, &u.LastBroadcastAt, &u.LimitExceededCount, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

// LastBroadcastAt returns the most recent broadcast time across all days, or nil.
func (q *pgQueries) LastBroadcastAt(ctx context.Context, userID string) (*time.Time, error) {
	const stmt = `SELECT MAX(last_broadcast_at) FROM broadcast_usage WHERE user_id = $1;`
	var last *time.Time
	if err := q.db.QueryRow(ctx, stmt, userID).Scan(&last); err != nil {
		return nil, fmt.Errorf("last broadcast at: %w", err)
	}
	return last, nil
}

// CountBroadcastsSince counts broadcasts sent by userID at or after since.
func (q *pgQueries) CountBroadcastsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const stmt = `SELECT COUNT(*) FROM broadcasts WHERE sender_id = $1 AND created_at >= $2;`
	var n int
	if err := q.db.QueryRow(ctx, stmt, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count broadcasts since: %w", err)
	}
	return n, nil
}

// IncrementBroadcastUsage atomically adds one broadcast to the day's row and
// returns the new count.
func (q *pgQueries) IncrementBroadcastUsage(ctx context.Context, userID, date string, at time.Time) (int, error) {
	const stmt = `
INSERT INTO broadcast_usage (user_id, usage_date, broadcasts_sent_count, last_broadcast_at, limit_exceeded_count, updated_at)
VALUES ($1, $2, 1, $3, 0, $3)
ON CONFLICT (user_id, usage_date) DO UPDATE SET
    broadcasts_sent_count = broadcast_usage.broadcasts_sent_count + 1,
    last_broadcast_at = EXCLUDED.last_broadcast_at,
    updated_at = EXCLUDED.updated_at
RETURNING broadcasts_sent_count;
`
	var n int
	if err := q.db.QueryRow(ctx, stmt, userID, date, at).Scan(&n); err != nil {
		return 0, fmt.Errorf("increment broadcast usage: %w", err)
	}
	return n, nil
}

// IncrementLimitExceeded records one rejected attempt for the day.
func (q *pgQueries) IncrementLimitExceeded(ctx context.Context, userID, date string, at time.Time) error {
	const stmt = `
INSERT INTO broadcast_usage (user_id, usage_date, broadcasts_sent_count, limit_exceeded_count, updated_at)
VALUES ($1, $2, 0, 1, $3)
ON CONFLICT (user_id, usage_date) DO UPDATE SET
    limit_exceeded_count = broadcast_usage.limit_exceeded_count + 1,
    updated_at = EXCLUDED.updated_at;
`
	if _, err := q.db.Exec(ctx, stmt, userID, date, at); err != nil {
		return fmt.Errorf("increment limit exceeded: %w", err)
	}
	return nil
}
