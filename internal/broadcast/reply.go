package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicecast/internal/eventbus"
	"voicecast/internal/repo"
)

// ReplyRequest is a recipient's answer to a broadcast. At least one of
// VoiceRef and Text is required; a voice reply wins when both are set.
type ReplyRequest struct {
	VoiceRef string
	Text     string
}

// ReplyResult identifies the conversation and message a reply created.
type ReplyResult struct {
	ConversationID string
	MessageID      string
}

// LimitStatus is the read-only limit view of a user.
type LimitStatus struct {
	DailyLimit      int
	DailyUsed       int
	DailyRemaining  int
	HourlyLimit     int
	HourlyUsed      int
	CooldownMinutes int
	NextResetAt     time.Time
	CooldownEndsAt  *time.Time
	CanBroadcast    bool
	Reason          string
}

// ReplyToBroadcast records userID's reply to a broadcast they received. The
// conversation with the sender becomes visible to both sides and the
// recipient moves to replied. A second reply is rejected with ALREADY_REPLIED.
func (o *Orchestrator) ReplyToBroadcast(ctx context.Context, userID, broadcastID string, req ReplyRequest) (*ReplyResult, error) {
	res, err := o.replyToBroadcast(ctx, userID, broadcastID, req)
	if err != nil {
		return nil, o.rejected("reply", userID, err)
	}
	return res, nil
}

func (o *Orchestrator) replyToBroadcast(ctx context.Context, userID, broadcastID string, req ReplyRequest) (*ReplyResult, error) {
	voice := strings.TrimSpace(req.VoiceRef)
	text := strings.TrimSpace(req.Text)
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(broadcastID) == "" {
		return nil, reject(CodeValidation, "user and broadcast are required")
	}
	if voice == "" && text == "" {
		return nil, reject(CodeValidation, "reply content is required")
	}

	user, err := o.eligibleSender(ctx, userID)
	if err != nil {
		return nil, err
	}

	b, err := o.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, reject(CodeNotFound, "broadcast not found")
		}
		return nil, fmt.Errorf("load broadcast: %w", err)
	}
	if !b.Active {
		return nil, reject(CodeNotFound, "broadcast not found")
	}

	rec, err := o.store.GetRecipient(ctx, b.ID, user.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, reject(CodeForbidden, "you did not receive this broadcast")
		}
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	if rec.Status == repo.RecipientReplied {
		return nil, reject(CodeAlreadyReplied, "you already replied to this broadcast")
	}

	excluded, err := o.relations.ExcludedIDs(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if _, blocked := excluded[b.SenderID]; blocked {
		return nil, reject(CodeForbidden, "you cannot reply to this user")
	}

	now := o.now()
	msg := repo.Message{
		ID:          o.idGen(),
		SenderID:    user.ID,
		BroadcastID: &b.ID,
		CreatedAt:   now,
	}
	if voice != "" {
		msg.Type = repo.MessageVoice
		msg.MediaRef = &voice
		if text != "" {
			msg.Body = &text
		}
	} else {
		msg.Type = repo.MessageText
		msg.Body = &text
	}

	var conv *repo.Conversation
	err = o.store.WithTx(ctx, func(tx repo.Tx) error {
		advanced, err := tx.AdvanceRecipientStatus(ctx, b.ID, user.ID, repo.RecipientReplied, now)
		if err != nil {
			return err
		}
		if !advanced {
			return reject(CodeAlreadyReplied, "you already replied to this broadcast")
		}

		a, bID := repo.PairKey(user.ID, b.SenderID)
		if conv, err = tx.UpsertConversation(ctx, repo.Conversation{
			ID:                o.idGen(),
			UserAID:           a,
			UserBID:           bID,
			LinkedBroadcastID: &b.ID,
			UpdatedAt:         now,
		}); err != nil {
			return err
		}

		msg.ConversationID = conv.ID
		return tx.InsertMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	o.events.Publish(eventbus.Event{Type: eventbus.BroadcastReplied, Time: now, Data: map[string]any{
		"broadcast_id":    b.ID,
		"sender_id":       b.SenderID,
		"recipient_id":    user.ID,
		"conversation_id": conv.ID,
	}})
	o.notifyReply(ctx, *b, *user)

	o.logger.Info("broadcast replied", "broadcast_id", b.ID, "recipient_id", user.ID, "conversation_id", conv.ID)
	return &ReplyResult{ConversationID: conv.ID, MessageID: msg.ID}, nil
}

func (o *Orchestrator) notifyReply(ctx context.Context, b repo.Broadcast, replier repo.User) {
	if o.notifier == nil {
		return
	}
	sender, err := o.store.GetUserByID(ctx, b.SenderID)
	if err != nil {
		o.logger.Warn("reply notification skipped", "broadcast_id", b.ID, "error", err)
		return
	}
	o.notifier.SendReplyNotification(*sender, replier, b)
}

// MarkBroadcastRead moves userID's recipient row from delivered to read. It
// reports whether the row changed; a row already read or replied stays as is.
func (o *Orchestrator) MarkBroadcastRead(ctx context.Context, userID, broadcastID string) (bool, error) {
	changed, err := o.markRead(ctx, userID, broadcastID)
	if err != nil {
		return false, o.rejected("read", userID, err)
	}
	return changed, nil
}

func (o *Orchestrator) markRead(ctx context.Context, userID, broadcastID string) (bool, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(broadcastID) == "" {
		return false, reject(CodeValidation, "user and broadcast are required")
	}
	if _, err := o.store.GetRecipient(ctx, broadcastID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, reject(CodeNotFound, "broadcast not found")
		}
		return false, fmt.Errorf("load recipient: %w", err)
	}

	var changed bool
	err := o.store.WithTx(ctx, func(tx repo.Tx) error {
		var err error
		changed, err = tx.AdvanceRecipientStatus(ctx, broadcastID, userID, repo.RecipientRead, o.now())
		return err
	})
	return changed, err
}

// GetLimitStatus reports userID's limits without recording anything.
func (o *Orchestrator) GetLimitStatus(ctx context.Context, userID string) (*LimitStatus, error) {
	status, err := o.limitStatus(ctx, userID)
	if err != nil {
		return nil, o.rejected("limits", userID, err)
	}
	return status, nil
}

func (o *Orchestrator) limitStatus(ctx context.Context, userID string) (*LimitStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, reject(CodeValidation, "user is required")
	}
	user, err := o.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, reject(CodeNotFound, "user not found")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	d, err := o.policy.GetStatus(ctx, user)
	if err != nil {
		return nil, err
	}
	return &LimitStatus{
		DailyLimit:      d.Info.DailyLimit,
		DailyUsed:       d.Info.DailyUsed,
		DailyRemaining:  d.Info.DailyRemaining,
		HourlyLimit:     d.Info.HourlyLimit,
		HourlyUsed:      d.Info.HourlyUsed,
		CooldownMinutes: d.Info.CooldownMinutes,
		NextResetAt:     d.Info.NextResetAt,
		CooldownEndsAt:  d.Info.CooldownEndsAt,
		CanBroadcast:    d.Allowed && user.IsActive(),
		Reason:          d.Reason,
	}, nil
}
