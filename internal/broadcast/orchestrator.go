// Package broadcast creates voice broadcasts and fans them out to recipients.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"

	"voicecast/internal/eventbus"
	"voicecast/internal/limits"
	"voicecast/internal/metrics"
	"voicecast/internal/repo"
	"voicecast/internal/selection"
	"voicecast/internal/wallet"
)

// Fan-out modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// DefaultCaption is the broadcast content used when Config leaves it empty.
const DefaultCaption = "Voice broadcast"

// DefaultContentTypes are the audio formats accepted when Config leaves them empty.
var DefaultContentTypes = []string{
	"audio/mpeg",
	"audio/mp4",
	"audio/aac",
	"audio/ogg",
	"audio/webm",
	"audio/wav",
	"audio/x-m4a",
}

// Store is the persistence the orchestrator needs.
type Store interface {
	repo.Reader
	WithTx(ctx context.Context, fn func(tx repo.Tx) error) error
}

// Notifier is the post-commit notification sink. Calls must not block.
type Notifier interface {
	SendBroadcastNotification(recipient repo.User, b repo.Broadcast)
	SendReplyNotification(sender, recipient repo.User, b repo.Broadcast)
}

// Enqueuer schedules a background fan-out of a pending broadcast.
type Enqueuer interface {
	Enqueue(broadcastID string) bool
}

// Config holds the broadcast business rules.
type Config struct {
	Cost                  int64
	DefaultRecipients     int
	MaxRecipients         int
	MaxFilteredRecipients int
	Mode                  string
	ContentTypes          []string
	// DefaultCaption is stored when a broadcast arrives without content.
	DefaultCaption string
}

// Deps are the collaborators of an Orchestrator. Events, Notifier and
// Metrics may be nil.
type Deps struct {
	Store     Store
	Policy    *limits.Policy
	Selector  *selection.Selector
	Relations *selection.RelationshipFilter
	Wallet    *wallet.Service
	Notifier  Notifier
	Events    eventbus.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Request is a broadcast creation request.
type Request struct {
	SenderID       string
	AudioRef       string
	ContentType    string
	Content        string
	RecipientCount int
	Filters        selection.Filters
}

// Result describes a committed broadcast.
type Result struct {
	Broadcast      repo.Broadcast
	RecipientCount int
	// Pending is true when fan-out was handed to a background job.
	Pending bool
}

// Orchestrator runs the broadcast lifecycle: validation, limits, payment,
// selection, persistence and post-commit side effects.
type Orchestrator struct {
	store     Store
	policy    *limits.Policy
	selector  *selection.Selector
	relations *selection.RelationshipFilter
	wallet    *wallet.Service
	notifier  Notifier
	events    eventbus.Publisher
	jobs      Enqueuer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	types     map[string]struct{}

	idGen func() string
	now   func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(d Deps, cfg Config) *Orchestrator {
	if cfg.DefaultRecipients <= 0 {
		cfg.DefaultRecipients = 5
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 10
	}
	if cfg.MaxFilteredRecipients < cfg.MaxRecipients {
		cfg.MaxFilteredRecipients = max(cfg.MaxRecipients, 100)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if strings.TrimSpace(cfg.DefaultCaption) == "" {
		cfg.DefaultCaption = DefaultCaption
	}
	if len(cfg.ContentTypes) == 0 {
		cfg.ContentTypes = DefaultContentTypes
	}
	allowed := make(map[string]struct{}, len(cfg.ContentTypes))
	for _, ct := range cfg.ContentTypes {
		allowed[strings.ToLower(strings.TrimSpace(ct))] = struct{}{}
	}

	events := d.Events
	if events == nil {
		events = eventbus.Nop{}
	}
	relations := d.Relations
	if relations == nil {
		relations = selection.NewRelationshipFilter(d.Store)
	}

	return &Orchestrator{
		store:     d.Store,
		policy:    d.Policy,
		selector:  d.Selector,
		relations: relations,
		wallet:    d.Wallet,
		notifier:  d.Notifier,
		events:    events,
		metrics:   d.Metrics,
		logger:    d.Logger.With("component", "broadcast"),
		cfg:       cfg,
		types:     allowed,
		idGen:     uuid.NewString,
		now:       time.Now,
	}
}

// SetEnqueuer installs the background job queue used in async mode.
func (o *Orchestrator) SetEnqueuer(e Enqueuer) {
	o.jobs = e
}

// WithClock replaces the time source stamped on persisted rows.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Mode returns the configured fan-out mode.
func (o *Orchestrator) Mode() string {
	return o.cfg.Mode
}

// CreateAndDispatch validates and persists a broadcast and, in sync mode,
// its recipients, conversations and messages in one transaction.
// Notifications are sent after commit. Every failure is a *Rejection.
func (o *Orchestrator) CreateAndDispatch(ctx context.Context, req Request) (*Result, error) {
	res, err := o.createAndDispatch(ctx, req)
	if err != nil {
		return nil, o.rejected("create", req.SenderID, err)
	}
	return res, nil
}

func (o *Orchestrator) createAndDispatch(ctx context.Context, req Request) (*Result, error) {
	contentType, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	sender, err := o.eligibleSender(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}

	decision, err := o.policy.Check(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("limit check: %w", err)
	}
	if !decision.Allowed {
		info := decision.Info
		return nil, &Rejection{Code: decision.Reason, Detail: limitDetail(decision.Reason), Limit: &info}
	}

	if err := o.precheckBalance(ctx, sender.ID); err != nil {
		return nil, err
	}

	filters := req.Filters.Normalize()
	count := o.normalizeCount(req.RecipientCount, filters.Active())

	var recipients []repo.User
	if o.cfg.Mode == ModeSync {
		if recipients, err = o.selector.Select(ctx, *sender, filters, count); err != nil {
			return nil, fmt.Errorf("select recipients: %w", err)
		}
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		content = o.cfg.DefaultCaption
	}

	now := o.now()
	b := repo.Broadcast{
		ID:             o.idGen(),
		SenderID:       sender.ID,
		AudioRef:       strings.TrimSpace(req.AudioRef),
		ContentType:    contentType,
		Content:        content,
		RequestedCount: count,
		FilterGender:   filters.Gender,
		FilterAgeGroup: filters.AgeGroup,
		FilterRegion:   filters.Region,
		Active:         true,
		FanoutStatus:   repo.FanoutPending,
		CreatedAt:      now,
	}

	started := time.Now()
	var delivered []repo.User
	err = o.store.WithTx(ctx, func(tx repo.Tx) error {
		if err := tx.InsertBroadcast(ctx, b); err != nil {
			return err
		}
		if err := o.charge(ctx, tx, sender.ID, b.ID); err != nil {
			return err
		}
		if err := o.recordUsage(ctx, tx, sender, decision); err != nil {
			return err
		}
		if o.cfg.Mode != ModeSync {
			return nil
		}
		var err error
		if delivered, err = o.fanout(ctx, tx, b, sender.ID, recipients, now); err != nil {
			return err
		}
		return tx.MarkFanoutCompleted(ctx, b.ID, now)
	})
	o.observeFanout(started, err)
	if err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.BroadcastsCreated.WithLabelValues(o.cfg.Mode).Inc()
	}
	o.events.Publish(eventbus.Event{Type: eventbus.BroadcastCreated, Time: now, Data: map[string]any{
		"broadcast_id": b.ID,
		"sender_id":    b.SenderID,
		"requested":    count,
		"mode":         o.cfg.Mode,
	}})

	if o.cfg.Mode != ModeSync {
		if o.jobs == nil || !o.jobs.Enqueue(b.ID) {
			// The recovery sweep picks the broadcast up later.
			o.logger.Warn("fan-out job not enqueued", "broadcast_id", b.ID)
		}
		o.logger.Info("broadcast created", "broadcast_id", b.ID, "sender_id", b.SenderID, "requested", count, "mode", o.cfg.Mode)
		return &Result{Broadcast: b, Pending: true}, nil
	}

	completedAt := now
	b.FanoutStatus = repo.FanoutCompleted
	b.FanoutCompletedAt = &completedAt
	o.afterFanout(b, delivered)

	o.logger.Info("broadcast created", "broadcast_id", b.ID, "sender_id", b.SenderID,
		"requested", count, "recipients", len(delivered), "mode", o.cfg.Mode)
	return &Result{Broadcast: b, RecipientCount: len(delivered)}, nil
}

// RunFanout records recipients of a pending broadcast. It tops up a
// partially recorded broadcast to its requested count and is a no-op once
// the broadcast is completed, so retries are safe. It returns the number of
// recipients recorded by this run.
func (o *Orchestrator) RunFanout(ctx context.Context, broadcastID string) (int, error) {
	b, err := o.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, reject(CodeNotFound, "broadcast not found")
		}
		return 0, fmt.Errorf("load broadcast: %w", err)
	}
	if b.FanoutStatus == repo.FanoutCompleted {
		return 0, nil
	}

	sender, err := o.store.GetUserByID(ctx, b.SenderID)
	if err != nil {
		return 0, fmt.Errorf("load sender: %w", err)
	}

	existing, err := o.store.ListRecipients(ctx, b.ID)
	if err != nil {
		return 0, fmt.Errorf("list recipients: %w", err)
	}
	skip := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		skip[r.UserID] = struct{}{}
	}

	var candidates []repo.User
	if need := b.RequestedCount - len(existing); need > 0 {
		filters := selection.Filters{Gender: b.FilterGender, AgeGroup: b.FilterAgeGroup, Region: b.FilterRegion}
		if candidates, err = o.selector.SelectExcluding(ctx, *sender, filters, need, skip); err != nil {
			return 0, fmt.Errorf("select recipients: %w", err)
		}
	}

	now := o.now()
	started := time.Now()
	var (
		delivered []repo.User
		skipped   bool
	)
	err = o.store.WithTx(ctx, func(tx repo.Tx) error {
		locked, err := tx.LockBroadcast(ctx, b.ID)
		if err != nil {
			return err
		}
		if locked.FanoutStatus == repo.FanoutCompleted {
			skipped = true
			return nil
		}
		if delivered, err = o.fanout(ctx, tx, *locked, sender.ID, candidates, now); err != nil {
			return err
		}
		return tx.MarkFanoutCompleted(ctx, b.ID, now)
	})
	o.observeFanout(started, err)
	if err != nil {
		return 0, fmt.Errorf("run fan-out: %w", err)
	}
	if skipped {
		return 0, nil
	}

	b.FanoutStatus = repo.FanoutCompleted
	b.FanoutCompletedAt = &now
	o.afterFanout(*b, delivered)

	o.logger.Info("fan-out completed", "broadcast_id", b.ID, "recipients", len(existing)+len(delivered), "new", len(delivered))
	return len(delivered), nil
}

// fanout records each recipient with its conversation and message. Pairs
// already recorded for the broadcast are skipped whole, so a replay adds no
// duplicate conversation or message. It returns the newly recorded users.
func (o *Orchestrator) fanout(ctx context.Context, tx repo.Tx, b repo.Broadcast, senderID string, recipients []repo.User, now time.Time) ([]repo.User, error) {
	delivered := make([]repo.User, 0, len(recipients))
	for _, u := range recipients {
		created, err := tx.InsertRecipient(ctx, repo.BroadcastRecipient{
			ID:          o.idGen(),
			BroadcastID: b.ID,
			UserID:      u.ID,
			Status:      repo.RecipientDelivered,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}

		a, bID := repo.PairKey(senderID, u.ID)
		conv, err := tx.UpsertConversation(ctx, repo.Conversation{
			ID:                o.idGen(),
			UserAID:           a,
			UserBID:           bID,
			DeletedByA:        a != senderID,
			DeletedByB:        bID != senderID,
			LinkedBroadcastID: &b.ID,
			UpdatedAt:         now,
		})
		if err != nil {
			return nil, err
		}

		msg := repo.Message{
			ID:             o.idGen(),
			ConversationID: conv.ID,
			SenderID:       senderID,
			Type:           repo.MessageBroadcast,
			BroadcastID:    &b.ID,
			MediaRef:       &b.AudioRef,
			CreatedAt:      now,
		}
		if b.Content != "" {
			msg.Body = &b.Content
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return nil, err
		}
		delivered = append(delivered, u)
	}
	return delivered, nil
}

func (o *Orchestrator) afterFanout(b repo.Broadcast, delivered []repo.User) {
	if o.metrics != nil {
		o.metrics.RecipientsSelected.WithLabelValues(o.selector.Strategy().String()).Observe(float64(len(delivered)))
	}
	if o.notifier != nil {
		for _, u := range delivered {
			o.notifier.SendBroadcastNotification(u, b)
		}
	}
	o.events.Publish(eventbus.Event{Type: eventbus.BroadcastFanoutCompleted, Data: map[string]any{
		"broadcast_id": b.ID,
		"sender_id":    b.SenderID,
		"recipients":   len(delivered),
	}})
}

func (o *Orchestrator) validate(req Request) (string, error) {
	if strings.TrimSpace(req.SenderID) == "" {
		return "", reject(CodeValidation, "sender is required")
	}
	if strings.TrimSpace(req.AudioRef) == "" {
		return "", reject(CodeValidation, "audio file is required")
	}
	if strings.TrimSpace(req.ContentType) == "" {
		return "", reject(CodeValidation, "content type is required")
	}
	mediaType, _, err := mime.ParseMediaType(req.ContentType)
	if err != nil {
		return "", reject(CodeValidation, "invalid content type")
	}
	if _, ok := o.types[mediaType]; !ok {
		return "", reject(CodeValidation, fmt.Sprintf("unsupported audio format %q", mediaType))
	}
	return mediaType, nil
}

func (o *Orchestrator) eligibleSender(ctx context.Context, senderID string) (*repo.User, error) {
	sender, err := o.store.GetUserByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, reject(CodeForbidden, "account not found")
		}
		return nil, fmt.Errorf("load sender: %w", err)
	}
	if !sender.IsActive() {
		return nil, reject(CodeForbidden, "account is not active")
	}
	return sender, nil
}

func (o *Orchestrator) precheckBalance(ctx context.Context, userID string) error {
	if o.cfg.Cost <= 0 {
		return nil
	}
	balance, err := o.wallet.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance < o.cfg.Cost {
		return o.paymentRequired(balance)
	}
	return nil
}

func (o *Orchestrator) charge(ctx context.Context, tx repo.Tx, userID, broadcastID string) error {
	if o.cfg.Cost <= 0 {
		return nil
	}
	ok, err := o.wallet.Withdraw(ctx, tx, userID, o.cfg.Cost, "broadcast "+broadcastID)
	if err != nil {
		return err
	}
	if !ok {
		balance, err := tx.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		return o.paymentRequired(balance)
	}
	return nil
}

func (o *Orchestrator) paymentRequired(balance int64) *Rejection {
	return &Rejection{
		Code:           CodePaymentRequired,
		Detail:         "insufficient balance",
		BalanceNeeded:  o.cfg.Cost,
		CurrentBalance: balance,
	}
}

// recordUsage counts the broadcast inside tx. The increment is atomic, so a
// concurrent send that slipped past Check is caught here and rolled back.
func (o *Orchestrator) recordUsage(ctx context.Context, tx repo.Tx, sender *repo.User, decision limits.Decision) error {
	n, err := o.policy.Ledger().RecordBroadcastTx(ctx, tx, sender.ID)
	if err != nil {
		return err
	}
	if decision.Bypass || n <= decision.Info.DailyLimit {
		return nil
	}
	info := decision.Info
	info.DailyUsed = n - 1
	info.DailyRemaining = 0
	info.RetryAfter = info.NextResetAt.Sub(o.policy.Ledger().Now())
	return &Rejection{Code: CodeDailyLimit, Detail: limitDetail(CodeDailyLimit), Limit: &info}
}

func (o *Orchestrator) normalizeCount(requested int, filtered bool) int {
	limit := o.cfg.MaxRecipients
	if filtered {
		limit = o.cfg.MaxFilteredRecipients
	}
	switch {
	case requested <= 0:
		return min(o.cfg.DefaultRecipients, limit)
	case requested > limit:
		return limit
	default:
		return requested
	}
}

func (o *Orchestrator) observeFanout(started time.Time, err error) {
	if o.metrics == nil {
		return
	}
	status := "committed"
	if err != nil {
		status = "rolled_back"
	}
	o.metrics.FanoutLatency.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// rejected converts err to a *Rejection, logging and counting it.
func (o *Orchestrator) rejected(op, userID string, err error) *Rejection {
	var rej *Rejection
	if !errors.As(err, &rej) {
		rej = internalError(err)
	}
	if rej.Kind() == KindInternal {
		o.logger.Error("broadcast operation failed", "op", op, "user_id", userID, "error", err)
		if o.metrics != nil {
			o.metrics.Errors.WithLabelValues("broadcast").Inc()
		}
	} else {
		o.logger.Debug("broadcast operation rejected", "op", op, "user_id", userID, "code", rej.Code, "detail", rej.Detail)
	}
	if o.metrics != nil {
		o.metrics.Rejections.WithLabelValues(rej.Code).Inc()
	}
	return rej
}

func limitDetail(code string) string {
	switch code {
	case CodeDailyLimit:
		return "daily broadcast limit reached"
	case CodeHourlyLimit:
		return "hourly broadcast limit reached"
	case CodeCooldown:
		return "please wait before sending another broadcast"
	default:
		return "broadcast limit reached"
	}
}
