package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicecast/internal/repo"
)

const dayLayout = "2006-01-02"

// UsageStore is the persistence the ledger needs.
type UsageStore interface {
	repo.UsageWriter
	GetUsage(ctx context.Context, userID, date string) (*repo.UsageEntry, error)
	LastBroadcastAt(ctx context.Context, userID string) (*time.Time, error)
	CountBroadcastsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Ledger keeps per-user, per-day broadcast counters. Days are calendar days
// in one application-wide location.
type Ledger struct {
	store  UsageStore
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// NewLedger builds a ledger whose day boundary is midnight in loc.
func NewLedger(store UsageStore, loc *time.Location, logger *slog.Logger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		store:  store,
		loc:    loc,
		now:    time.Now,
		logger: logger.With("component", "usage_ledger"),
	}
}

// WithClock replaces the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Day returns the ledger day key of t.
func (l *Ledger) Day(t time.Time) string {
	return t.In(l.loc).Format(dayLayout)
}

// NextReset returns the next midnight after t in the ledger location.
func (l *Ledger) NextReset(t time.Time) time.Time {
	local := t.In(l.loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, l.loc)
}

// CountToday returns the broadcasts userID sent today.
func (l *Ledger) CountToday(ctx context.Context, userID string) (int, error) {
	entry, err := l.store.GetUsage(ctx, userID, l.Day(l.now()))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("count today: %w", err)
	}
	return entry.BroadcastsSent, nil
}

// CountThisHour returns the broadcasts userID sent during the last 60 minutes.
func (l *Ledger) CountThisHour(ctx context.Context, userID string) (int, error) {
	n, err := l.store.CountBroadcastsSince(ctx, userID, l.now().Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("count this hour: %w", err)
	}
	return n, nil
}

// LastBroadcastTime returns the time of the user's latest broadcast, or nil.
func (l *Ledger) LastBroadcastTime(ctx context.Context, userID string) (*time.Time, error) {
	t, err := l.store.LastBroadcastAt(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("last broadcast time: %w", err)
	}
	return t, nil
}

// RecordBroadcast counts one sent broadcast and returns today's new total.
func (l *Ledger) RecordBroadcast(ctx context.Context, userID string) (int, error) {
	return l.RecordBroadcastTx(ctx, l.store, userID)
}

// RecordBroadcastTx counts one broadcast through w, which may be a
// transaction. The increment is a single atomic upsert, so concurrent sends
// never under-count.
func (l *Ledger) RecordBroadcastTx(ctx context.Context, w repo.UsageWriter, userID string) (int, error) {
	now := l.now()
	n, err := w.IncrementBroadcastUsage(ctx, userID, l.Day(now), now)
	if err != nil {
		return 0, fmt.Errorf("record broadcast: %w", err)
	}
	return n, nil
}

// RecordLimitExceeded counts one denied attempt.
func (l *Ledger) RecordLimitExceeded(ctx context.Context, userID string) error {
	now := l.now()
	if err := l.store.IncrementLimitExceeded(ctx, userID, l.Day(now), now); err != nil {
		return fmt.Errorf("record limit exceeded: %w", err)
	}
	return nil
}
