// Package testutil builds migrated in-memory repositories and seed data for tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voicecast/internal/repo"
	"voicecast/migrations"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewSQLiteRepo returns a migrated in-memory SQLite repository closed on cleanup.
func NewSQLiteRepo(t testing.TB) *repo.SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	r, err := repo.NewSQLite(ctx, ":memory:", Logger())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.NoError(t, r.RunMigrations(ctx, migrations.SQLite()))
	return r
}

// User returns an active, verified member with push enabled.
func User(id string, mods ...func(*repo.User)) repo.User {
	u := repo.User{
		ID:          id,
		Status:      repo.UserStatusActive,
		Verified:    true,
		Role:        repo.RoleMember,
		PushEnabled: true,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, mod := range mods {
		mod(&u)
	}
	return u
}

// WithAttrs sets the targeting attributes of a user.
func WithAttrs(gender, ageGroup, region string) func(*repo.User) {
	return func(u *repo.User) {
		u.Gender = strPtr(gender)
		u.AgeGroup = strPtr(ageGroup)
		u.Region = strPtr(region)
	}
}

// WithStatus overrides the account status.
func WithStatus(status string) func(*repo.User) {
	return func(u *repo.User) { u.Status = status }
}

// WithRole overrides the role.
func WithRole(role string) func(*repo.User) {
	return func(u *repo.User) { u.Role = role }
}

// WithLastActive sets the last activity time.
func WithLastActive(at time.Time) func(*repo.User) {
	return func(u *repo.User) { u.LastActiveAt = &at }
}

// Unverified clears the verified flag.
func Unverified(u *repo.User) { u.Verified = false }

// Seed upserts users and credits each with balance.
func Seed(t testing.TB, r repo.Provisioner, balance int64, users ...repo.User) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	for _, u := range users {
		require.NoError(t, r.UpsertUser(ctx, u))
		if balance > 0 {
			require.NoError(t, r.CreditWallet(ctx, u.ID, balance, "seed", "seed-"+u.ID, now))
		}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
