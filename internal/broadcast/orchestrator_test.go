package broadcast

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecast/internal/eventbus"
	"voicecast/internal/limits"
	"voicecast/internal/metrics"
	"voicecast/internal/repo"
	"voicecast/internal/selection"
	vtest "voicecast/internal/testutil"
	"voicecast/internal/wallet"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const testDay = "2024-03-01"

type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts []string
	replies    []string
}

func (f *fakeNotifier) SendBroadcastNotification(recipient repo.User, _ repo.Broadcast) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, recipient.ID)
}

func (f *fakeNotifier) SendReplyNotification(sender, _ repo.User, _ repo.Broadcast) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sender.ID)
}

type fakeEnqueuer struct {
	ids []string
}

func (f *fakeEnqueuer) Enqueue(id string) bool {
	f.ids = append(f.ids, id)
	return true
}

// hookedStore lets tests intercept transactions.
type hookedStore struct {
	*repo.SQLiteRepository
	beforeTx func()
	wrapTx   func(repo.Tx) repo.Tx
}

func (s *hookedStore) WithTx(ctx context.Context, fn func(tx repo.Tx) error) error {
	if s.beforeTx != nil {
		s.beforeTx()
	}
	return s.SQLiteRepository.WithTx(ctx, func(tx repo.Tx) error {
		if s.wrapTx != nil {
			tx = s.wrapTx(tx)
		}
		return fn(tx)
	})
}

type failingMessageTx struct {
	repo.Tx
}

func (failingMessageTx) InsertMessage(context.Context, repo.Message) error {
	return errors.New("disk full")
}

type harness struct {
	repo     *repo.SQLiteRepository
	store    *hookedStore
	orch     *Orchestrator
	notifier *fakeNotifier
	jobs     *fakeEnqueuer
	metrics  *metrics.Metrics
	events   <-chan eventbus.Event
}

func defaultLimits() limits.Limits {
	return limits.Limits{DailyLimit: 20, BypassRoles: []string{repo.RoleAdmin}}
}

func newHarness(t *testing.T, cfg Config, lim limits.Limits) *harness {
	t.Helper()
	r := vtest.NewSQLiteRepo(t)
	logger := vtest.Logger()
	clock := func() time.Time { return testNow }

	store := &hookedStore{SQLiteRepository: r}
	ledger := limits.NewLedger(r, time.UTC, logger).WithClock(clock)
	policy := limits.NewPolicy(limits.StaticSettings{Limits: lim}, ledger, logger)
	relations := selection.NewRelationshipFilter(r)
	selector := selection.NewSelector(r, relations, selection.Config{Strategy: selection.StrategyRandom}, nil, logger).
		WithRand(rand.New(rand.NewPCG(1, 2)))

	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(64)
	t.Cleanup(unsubscribe)

	m := metrics.New("test", prometheus.NewRegistry())
	notifier := &fakeNotifier{}
	jobs := &fakeEnqueuer{}
	if cfg.Cost == 0 {
		cfg.Cost = 10
	}
	orch := NewOrchestrator(Deps{
		Store:     store,
		Policy:    policy,
		Selector:  selector,
		Relations: relations,
		Wallet:    wallet.NewService(r, logger),
		Notifier:  notifier,
		Events:    bus,
		Metrics:   m,
		Logger:    logger,
	}, cfg).WithClock(clock)
	orch.SetEnqueuer(jobs)

	return &harness{repo: r, store: store, orch: orch, notifier: notifier, jobs: jobs, metrics: m, events: events}
}

func (h *harness) seed(t *testing.T, balance int64, users ...repo.User) {
	t.Helper()
	vtest.Seed(t, h.repo, balance, users...)
}

func (h *harness) eventTypes() []string {
	var out []string
	for {
		select {
		case e := <-h.events:
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func request(senderID string, count int) Request {
	return Request{
		SenderID:       senderID,
		AudioRef:       "audio/" + senderID + ".ogg",
		ContentType:    "audio/ogg",
		Content:        "hello",
		RecipientCount: count,
	}
}

func requireRejection(t *testing.T, err error, code string) *Rejection {
	t.Helper()
	require.Error(t, err)
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %T: %v", err, err)
	require.Equal(t, code, rej.Code, rej.Detail)
	return rej
}

func recipientIDs(rs []repo.BroadcastRecipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.UserID
	}
	return out
}

func TestCreateAndDispatch_FansOutToWholeSmallPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100,
		vtest.User("sender"),
		vtest.User("r1"), vtest.User("r2"), vtest.User("r3"),
		vtest.User("gone", vtest.WithStatus(repo.UserStatusSuspended)),
		vtest.User("anon", vtest.Unverified),
	)

	res, err := h.orch.CreateAndDispatch(ctx, request("sender", 5))
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecipientCount)
	assert.False(t, res.Pending)
	assert.Equal(t, 5, res.Broadcast.RequestedCount)

	b, err := h.repo.GetBroadcast(ctx, res.Broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.FanoutCompleted, b.FanoutStatus)
	assert.Equal(t, "audio/ogg", b.ContentType)

	recipients, err := h.repo.ListRecipients(ctx, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, recipientIDs(recipients))

	for _, id := range []string{"r1", "r2", "r3"} {
		conv, err := h.repo.GetConversation(ctx, "sender", id)
		require.NoError(t, err)
		assert.True(t, conv.VisibleTo("sender"))
		assert.False(t, conv.VisibleTo(id), "hidden from recipient until reply")
		require.NotNil(t, conv.LinkedBroadcastID)
		assert.Equal(t, b.ID, *conv.LinkedBroadcastID)

		msgs, err := h.repo.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, repo.MessageBroadcast, msgs[0].Type)
		assert.Equal(t, "sender", msgs[0].SenderID)
		require.NotNil(t, msgs[0].MediaRef)
		assert.Equal(t, "audio/sender.ogg", *msgs[0].MediaRef)
	}

	balance, err := h.repo.GetBalance(ctx, "sender")
	require.NoError(t, err)
	assert.EqualValues(t, 90, balance)

	usage, err := h.repo.GetUsage(ctx, "sender", testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.BroadcastsSent)

	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, h.notifier.broadcasts)
	assert.Equal(t, []string{eventbus.BroadcastCreated, eventbus.BroadcastFanoutCompleted}, h.eventTypes())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BroadcastsCreated.WithLabelValues(ModeSync)))
}

func TestCreateAndDispatch_EmptyContentUsesDefaultCaption(t *testing.T) {
	tests := map[string]struct {
		cfg  Config
		want string
	}{
		"built-in caption":   {cfg: Config{}, want: DefaultCaption},
		"configured caption": {cfg: Config{DefaultCaption: "Pesan suara"}, want: "Pesan suara"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, tc.cfg, defaultLimits())
			h.seed(t, 100, vtest.User("sender"), vtest.User("r1"))

			req := request("sender", 1)
			req.Content = "   "
			res, err := h.orch.CreateAndDispatch(ctx, req)
			require.NoError(t, err)

			b, err := h.repo.GetBroadcast(ctx, res.Broadcast.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, b.Content)

			conv, err := h.repo.GetConversation(ctx, "sender", "r1")
			require.NoError(t, err)
			msgs, err := h.repo.ListMessages(ctx, conv.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			require.NotNil(t, msgs[0].Body)
			assert.Equal(t, tc.want, *msgs[0].Body)
		})
	}
}

func TestCreateAndDispatch_DailyLimitReached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"))
	for i := 0; i < 20; i++ {
		_, err := h.repo.IncrementBroadcastUsage(ctx, "sender", testDay, testNow.Add(-3*time.Hour))
		require.NoError(t, err)
	}

	_, err := h.orch.CreateAndDispatch(ctx, request("sender", 5))
	rej := requireRejection(t, err, CodeDailyLimit)
	assert.Equal(t, 429, rej.HTTPStatus())
	assert.True(t, rej.Retryable())
	require.NotNil(t, rej.Limit)
	assert.Equal(t, 0, rej.Limit.DailyRemaining)
	assert.Equal(t, 20, rej.Limit.DailyUsed)

	usage, err := h.repo.GetUsage(ctx, "sender", testDay)
	require.NoError(t, err)
	assert.Equal(t, 20, usage.BroadcastsSent)
	assert.Equal(t, 1, usage.LimitExceededCount)

	balance, err := h.repo.GetBalance(ctx, "sender")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)
	assert.Empty(t, h.notifier.broadcasts)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rejections.WithLabelValues(CodeDailyLimit)))
}

func TestCreateAndDispatch_BypassRoleIgnoresLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("boss", vtest.WithRole(repo.RoleAdmin)), vtest.User("r1"))
	for i := 0; i < 25; i++ {
		_, err := h.repo.IncrementBroadcastUsage(ctx, "boss", testDay, testNow)
		require.NoError(t, err)
	}

	res, err := h.orch.CreateAndDispatch(ctx, request("boss", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RecipientCount)

	usage, err := h.repo.GetUsage(ctx, "boss", testDay)
	require.NoError(t, err)
	assert.Equal(t, 26, usage.BroadcastsSent)
}

func TestCreateAndDispatch_ExcludesBlockedUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("a"), vtest.User("b"), vtest.User("c"), vtest.User("d"), vtest.User("e"))
	require.NoError(t, h.repo.BlockUser(ctx, "sender", "b", testNow))

	res, err := h.orch.CreateAndDispatch(ctx, request("sender", 5))
	require.NoError(t, err)
	assert.Equal(t, 4, res.RecipientCount)

	recipients, err := h.repo.ListRecipients(ctx, res.Broadcast.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c", "d", "e"}, recipientIDs(recipients))
}

func TestCreateAndDispatch_Validation(t *testing.T) {
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"))

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing sender", func(r *Request) { r.SenderID = "" }},
		{"missing audio", func(r *Request) { r.AudioRef = "  " }},
		{"missing content type", func(r *Request) { r.ContentType = "" }},
		{"malformed content type", func(r *Request) { r.ContentType = "audio/;" }},
		{"not audio", func(r *Request) { r.ContentType = "image/png" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("sender", 1)
			tt.mutate(&req)
			_, err := h.orch.CreateAndDispatch(context.Background(), req)
			rej := requireRejection(t, err, CodeValidation)
			assert.Equal(t, 400, rej.HTTPStatus())
			assert.False(t, rej.Retryable())
		})
	}

	req := request("sender", 1)
	req.ContentType = "Audio/Ogg; codecs=opus"
	res, err := h.orch.CreateAndDispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", res.Broadcast.ContentType)
}

func TestCreateAndDispatch_InactiveSenderForbidden(t *testing.T) {
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender", vtest.WithStatus(repo.UserStatusBanned)), vtest.User("r1"))

	_, err := h.orch.CreateAndDispatch(context.Background(), request("sender", 1))
	rej := requireRejection(t, err, CodeForbidden)
	assert.Equal(t, 403, rej.HTTPStatus())

	_, err = h.orch.CreateAndDispatch(context.Background(), request("ghost", 1))
	requireRejection(t, err, CodeForbidden)
}

func TestCreateAndDispatch_InsufficientBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 5, vtest.User("sender"), vtest.User("r1"))

	_, err := h.orch.CreateAndDispatch(ctx, request("sender", 1))
	rej := requireRejection(t, err, CodePaymentRequired)
	assert.Equal(t, 402, rej.HTTPStatus())
	assert.EqualValues(t, 10, rej.BalanceNeeded)
	assert.EqualValues(t, 5, rej.CurrentBalance)

	n, err := h.repo.CountBroadcastsSince(ctx, "sender", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateAndDispatch_FailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"), vtest.User("r2"))
	h.store.wrapTx = func(tx repo.Tx) repo.Tx { return failingMessageTx{Tx: tx} }

	_, err := h.orch.CreateAndDispatch(ctx, request("sender", 2))
	rej := requireRejection(t, err, CodeInternal)
	assert.Equal(t, 500, rej.HTTPStatus())
	assert.NotContains(t, rej.Detail, "disk full")
	assert.ErrorContains(t, errors.Unwrap(rej), "disk full")

	balance, err := h.repo.GetBalance(ctx, "sender")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)

	_, err = h.repo.GetUsage(ctx, "sender", testDay)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	n, err := h.repo.CountBroadcastsSince(ctx, "sender", testNow.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.repo.GetConversation(ctx, "sender", "r1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Empty(t, h.notifier.broadcasts)
}

func TestCreateAndDispatch_ConcurrentSendCaughtByUsageGuard(t *testing.T) {
	ctx := context.Background()
	lim := defaultLimits()
	lim.DailyLimit = 1
	h := newHarness(t, Config{}, lim)
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"))

	// Another request commits between the limit check and this transaction.
	h.store.beforeTx = func() {
		_, err := h.repo.IncrementBroadcastUsage(ctx, "sender", testDay, testNow)
		require.NoError(t, err)
	}

	_, err := h.orch.CreateAndDispatch(ctx, request("sender", 1))
	rej := requireRejection(t, err, CodeDailyLimit)
	require.NotNil(t, rej.Limit)
	assert.Equal(t, 0, rej.Limit.DailyRemaining)

	usage, err := h.repo.GetUsage(ctx, "sender", testDay)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.BroadcastsSent)

	balance, err := h.repo.GetBalance(ctx, "sender")
	require.NoError(t, err)
	assert.EqualValues(t, 100, balance)
}

func TestNormalizeCount(t *testing.T) {
	o := NewOrchestrator(Deps{Logger: vtest.Logger()}, Config{})
	tests := []struct {
		requested int
		filtered  bool
		want      int
	}{
		{0, false, 5},
		{-3, false, 5},
		{7, false, 7},
		{11, false, 10},
		{50, true, 50},
		{500, true, 100},
		{0, true, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, o.normalizeCount(tt.requested, tt.filtered), "requested=%d filtered=%v", tt.requested, tt.filtered)
	}
}

func TestCreateAndDispatch_FilteredSendUsesLargerCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	users := []repo.User{vtest.User("sender")}
	for _, id := range []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7", "f8", "f9", "f10", "f11", "f12"} {
		users = append(users, vtest.User(id, vtest.WithAttrs("female", "25-34", "jakarta")))
	}
	users = append(users, vtest.User("m1", vtest.WithAttrs("male", "25-34", "jakarta")))
	h.seed(t, 100, users...)

	req := request("sender", 50)
	req.Filters = selection.Filters{Gender: "Female"}
	res, err := h.orch.CreateAndDispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Broadcast.RequestedCount)
	assert.Equal(t, 12, res.RecipientCount)
	assert.Equal(t, "female", res.Broadcast.FilterGender)

	recipients, err := h.repo.ListRecipients(ctx, res.Broadcast.ID)
	require.NoError(t, err)
	assert.NotContains(t, recipientIDs(recipients), "m1")
}

func TestAsyncMode_RunFanoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Mode: ModeAsync}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"), vtest.User("r2"), vtest.User("r3"))

	res, err := h.orch.CreateAndDispatch(ctx, request("sender", 5))
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Zero(t, res.RecipientCount)
	assert.Equal(t, []string{res.Broadcast.ID}, h.jobs.ids)

	b, err := h.repo.GetBroadcast(ctx, res.Broadcast.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.FanoutPending, b.FanoutStatus)

	// A previous attempt recorded r1 and crashed before completing.
	require.NoError(t, h.repo.WithTx(ctx, func(tx repo.Tx) error {
		_, err := tx.InsertRecipient(ctx, repo.BroadcastRecipient{
			ID: "pre", BroadcastID: b.ID, UserID: "r1", Status: repo.RecipientDelivered, CreatedAt: testNow,
		})
		return err
	}))

	n, err := h.orch.RunFanout(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recipients, err := h.repo.ListRecipients(ctx, b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, recipientIDs(recipients))

	again, err := h.orch.RunFanout(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, again)

	recipients, err = h.repo.ListRecipients(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, recipients, 3)

	for _, id := range []string{"r2", "r3"} {
		conv, err := h.repo.GetConversation(ctx, "sender", id)
		require.NoError(t, err)
		msgs, err := h.repo.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	}

	b, err = h.repo.GetBroadcast(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, repo.FanoutCompleted, b.FanoutStatus)
	assert.ElementsMatch(t, []string{"r2", "r3"}, h.notifier.broadcasts)
}

func TestRunFanout_ReplayedRecipientsGetNoDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, defaultLimits())
	h.seed(t, 100, vtest.User("sender"), vtest.User("r1"), vtest.User("r2"))

	res, err := h.orch.CreateAndDispatch(ctx, request("sender", 2))
	require.NoError(t, err)

	recipients := []repo.User{vtest.User("r1"), vtest.User("r2")}
	require.NoError(t, h.repo.WithTx(ctx, func(tx repo.Tx) error {
		created, err := h.orch.fanout(ctx, tx, res.Broadcast, "sender", recipients, testNow)
		assert.Empty(t, created)
		return err
	}))

	rows, err := h.repo.ListRecipients(ctx, res.Broadcast.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	conv, err := h.repo.GetConversation(ctx, "sender", "r1")
	require.NoError(t, err)
	msgs, err := h.repo.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRunFanout_UnknownBroadcast(t *testing.T) {
	h := newHarness(t, Config{Mode: ModeAsync}, defaultLimits())
	_, err := h.orch.RunFanout(context.Background(), "missing")
	requireRejection(t, err, CodeNotFound)
}
