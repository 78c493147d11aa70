package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecast/internal/repo"
	"voicecast/internal/testutil"
)

func TestSQLite_ListCandidatesAppliesEligibilityAndFilters(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()

	testutil.Seed(t, r, 0,
		testutil.User("sender"),
		testutil.User("f-young-jkt", testutil.WithAttrs("female", "18-24", "jakarta")),
		testutil.User("m-young-jkt", testutil.WithAttrs("male", "18-24", "jakarta")),
		testutil.User("f-old-bdg", testutil.WithAttrs("female", "35-44", "bandung")),
		testutil.User("banned", testutil.WithStatus(repo.UserStatusBanned), testutil.WithAttrs("female", "18-24", "jakarta")),
		testutil.User("unverified", testutil.Unverified, testutil.WithAttrs("female", "18-24", "jakarta")),
	)

	all, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Limit: 100})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f-young-jkt", "m-young-jkt", "f-old-bdg"}, userIDs(all))

	female, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Gender: "female", Limit: 100})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f-young-jkt", "f-old-bdg"}, userIDs(female))

	narrow, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Gender: "female", AgeGroup: "18-24", Region: "jakarta", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"f-young-jkt"}, userIDs(narrow))

	limited, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLite_ListCandidatesIgnoresAttributeCase(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()

	testutil.Seed(t, r, 0,
		testutil.User("sender"),
		testutil.User("mixed", testutil.WithAttrs("Female", "18-24", "Jakarta")),
		testutil.User("upper", testutil.WithAttrs("FEMALE", "25-34", "JAKARTA")),
		testutil.User("other", testutil.WithAttrs("Male", "18-24", "Jakarta")),
	)

	got, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Gender: "female", Region: "jakarta", Limit: 100})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mixed", "upper"}, userIDs(got))

	got, err = r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Gender: "Female", AgeGroup: "18-24", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"mixed"}, userIDs(got))
}

func TestSQLite_ListCandidatesExcludesBlockedAndSkippedBeforeLimit(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	now := time.Now()

	users := []repo.User{testutil.User("sender")}
	for i := range 20 {
		users = append(users, testutil.User(fmt.Sprintf("u%02d", i)))
	}
	testutil.Seed(t, r, 0, users...)

	// u00..u08 blocked by the sender, u09..u17 blocking the sender.
	for i := range 9 {
		require.NoError(t, r.BlockUser(ctx, "sender", fmt.Sprintf("u%02d", i), now))
		require.NoError(t, r.BlockUser(ctx, fmt.Sprintf("u%02d", i+9), "sender", now))
	}

	got, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", Limit: 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u18", "u19"}, userIDs(got))

	got, err = r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", SkipIDs: []string{"u18"}, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"u19"}, userIDs(got))
}

func TestSQLite_ListCandidatesByActivityOrdersBeforeLimit(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	users := []repo.User{testutil.User("sender"), testutil.User("never")}
	for i := range 20 {
		users = append(users, testutil.User(fmt.Sprintf("u%02d", i), testutil.WithLastActive(base.Add(time.Duration(i)*time.Hour))))
	}
	testutil.Seed(t, r, 0, users...)

	got, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", ByActivity: true, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"u19", "u18", "u17"}, userIDs(got))

	all, err := r.ListCandidates(ctx, repo.CandidateQuery{ExcludeUserID: "sender", ByActivity: true, Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 21)
	assert.Equal(t, "never", all[20].ID)
}

func TestSQLite_BlockedUserIDsIsSymmetric(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	now := time.Now()

	testutil.Seed(t, r, 0, testutil.User("a"), testutil.User("b"), testutil.User("c"), testutil.User("d"))
	require.NoError(t, r.BlockUser(ctx, "a", "b", now))
	require.NoError(t, r.BlockUser(ctx, "c", "a", now))
	require.NoError(t, r.BlockUser(ctx, "a", "b", now))

	ids, err := r.BlockedUserIDs(ctx, "a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, ids)

	ids, err = r.BlockedUserIDs(ctx, "d")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLite_UsageLedger(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 0, testutil.User("u1"))

	_, err := r.GetUsage(ctx, "u1", "2024-03-01")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	last, err := r.LastBroadcastAt(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, last)

	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)

	n, err := r.IncrementBroadcastUsage(ctx, "u1", "2024-03-01", t1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.IncrementBroadcastUsage(ctx, "u1", "2024-03-01", t2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.IncrementBroadcastUsage(ctx, "u1", "2024-03-02", t3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, r.IncrementLimitExceeded(ctx, "u1", "2024-03-01", t2))

	entry, err := r.GetUsage(ctx, "u1", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, entry.BroadcastsSent)
	assert.Equal(t, 1, entry.LimitExceededCount)
	require.NotNil(t, entry.LastBroadcastAt)
	assert.True(t, entry.LastBroadcastAt.Equal(t2))

	last, err = r.LastBroadcastAt(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t3))
}

func TestSQLite_LimitExceededCreatesRowWithoutUsage(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 0, testutil.User("u1"))

	require.NoError(t, r.IncrementLimitExceeded(ctx, "u1", "2024-03-01", time.Now()))

	entry, err := r.GetUsage(ctx, "u1", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 0, entry.BroadcastsSent)
	assert.Equal(t, 1, entry.LimitExceededCount)
	assert.Nil(t, entry.LastBroadcastAt)
}

func TestSQLite_WithdrawRequiresFunds(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 15, testutil.User("u1"))

	err := r.WithTx(ctx, func(tx repo.Tx) error {
		ok, err := tx.Withdraw(ctx, "u1", 10, "broadcast", "w1", time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Withdraw(ctx, "u1", 10, "broadcast", "w2", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	balance, err := r.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	balance, err = r.GetBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 100, testutil.User("u1"))

	boom := errors.New("boom")
	err := r.WithTx(ctx, func(tx repo.Tx) error {
		require.NoError(t, tx.InsertBroadcast(ctx, sampleBroadcast("b1", "u1")))
		_, err := tx.Withdraw(ctx, "u1", 10, "broadcast", "w1", time.Now())
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = r.GetBroadcast(ctx, "b1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	balance, err := r.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestSQLite_RecipientLifecycle(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 0, testutil.User("s"), testutil.User("r1"))
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	err := r.WithTx(ctx, func(tx repo.Tx) error {
		require.NoError(t, tx.InsertBroadcast(ctx, sampleBroadcast("b1", "s")))

		rec := repo.BroadcastRecipient{ID: "rc1", BroadcastID: "b1", UserID: "r1", Status: repo.RecipientDelivered, CreatedAt: now}
		inserted, err := tx.InsertRecipient(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		rec.ID = "rc2"
		inserted, err = tx.InsertRecipient(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)

		ok, err := tx.AdvanceRecipientStatus(ctx, "b1", "r1", repo.RecipientRead, now.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.AdvanceRecipientStatus(ctx, "b1", "r1", repo.RecipientRead, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.AdvanceRecipientStatus(ctx, "b1", "r1", repo.RecipientReplied, now.Add(3*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.AdvanceRecipientStatus(ctx, "b1", "r1", repo.RecipientReplied, now.Add(4*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	rec, err := r.GetRecipient(ctx, "b1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "rc1", rec.ID)
	assert.Equal(t, repo.RecipientReplied, rec.Status)
	require.NotNil(t, rec.ReadAt)
	require.NotNil(t, rec.RepliedAt)
	assert.True(t, rec.ReadAt.Equal(now.Add(time.Minute)))
	assert.True(t, rec.RepliedAt.Equal(now.Add(3*time.Minute)))

	recs, err := r.ListRecipients(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	stats, err := r.ResponseStats(ctx, []string{"r1", "s"})
	require.NoError(t, err)
	assert.Equal(t, repo.ResponseStat{Received: 1, Replied: 1}, stats["r1"])
	_, ok := stats["s"]
	assert.False(t, ok)
}

func TestSQLite_ConversationUpsertKeepsOnePerPair(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 0, testutil.User("alice"), testutil.User("bob"))
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	a, b := repo.PairKey("bob", "alice")
	require.Equal(t, "alice", a)

	var convID string
	err := r.WithTx(ctx, func(tx repo.Tx) error {
		require.NoError(t, tx.InsertBroadcast(ctx, sampleBroadcast("b1", "bob")))
		linked := "b1"
		c, err := tx.UpsertConversation(ctx, repo.Conversation{ID: "c1", UserAID: a, UserBID: b, DeletedByA: true, LinkedBroadcastID: &linked, UpdatedAt: now})
		require.NoError(t, err)
		convID = c.ID

		again, err := tx.UpsertConversation(ctx, repo.Conversation{ID: "c2", UserAID: a, UserBID: b, UpdatedAt: now.Add(time.Hour)})
		require.NoError(t, err)
		assert.Equal(t, "c1", again.ID)
		require.NotNil(t, again.LinkedBroadcastID)
		assert.Equal(t, "b1", *again.LinkedBroadcastID)
		assert.True(t, again.VisibleTo("alice"))
		assert.True(t, again.VisibleTo("bob"))

		body := "hi"
		return tx.InsertMessage(ctx, repo.Message{ID: "m1", ConversationID: c.ID, SenderID: "bob", Type: repo.MessageText, Body: &body, CreatedAt: now})
	})
	require.NoError(t, err)

	conv, err := r.GetConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, convID, conv.ID)
	assert.True(t, conv.UpdatedAt.Equal(now.Add(time.Hour)))

	stats, err := r.InteractionStats(ctx, "bob", []string{"alice"})
	require.NoError(t, err)
	require.Contains(t, stats, "alice")
	assert.Equal(t, 1, stats["alice"].Messages)
	require.NotNil(t, stats["alice"].LastMessageAt)
	assert.True(t, stats["alice"].LastMessageAt.Equal(now))
}

func TestSQLite_PendingBroadcastsAndHourlyCount(t *testing.T) {
	r := testutil.NewSQLiteRepo(t)
	ctx := context.Background()
	testutil.Seed(t, r, 0, testutil.User("s"))
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	err := r.WithTx(ctx, func(tx repo.Tx) error {
		old := sampleBroadcast("old", "s")
		old.CreatedAt = base
		fresh := sampleBroadcast("fresh", "s")
		fresh.CreatedAt = base.Add(50 * time.Minute)
		done := sampleBroadcast("done", "s")
		done.CreatedAt = base.Add(10 * time.Minute)
		for _, b := range []repo.Broadcast{old, fresh, done} {
			require.NoError(t, tx.InsertBroadcast(ctx, b))
		}
		return tx.MarkFanoutCompleted(ctx, "done", base.Add(11*time.Minute))
	})
	require.NoError(t, err)

	pending, err := r.ListPendingBroadcasts(ctx, base.Add(30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].ID)

	done, err := r.GetBroadcast(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, repo.FanoutCompleted, done.FanoutStatus)
	require.NotNil(t, done.FanoutCompletedAt)

	n, err := r.CountBroadcastsSince(ctx, "s", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func sampleBroadcast(id, sender string) repo.Broadcast {
	return repo.Broadcast{
		ID:             id,
		SenderID:       sender,
		AudioRef:       "s3://audio/" + id + ".m4a",
		ContentType:    "audio/mp4",
		Content:        "voice broadcast",
		RequestedCount: 5,
		Active:         true,
		FanoutStatus:   repo.FanoutPending,
		CreatedAt:      time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC),
	}
}

func userIDs(users []repo.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}
