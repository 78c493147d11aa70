package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// LogTransport writes notifications to the log. Used when no push channel is configured.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport builds a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With("component", "notify_log")}
}

// Send implements Transport.
func (t *LogTransport) Send(_ context.Context, n Notification) error {
	t.logger.Info("notification",
		"kind", n.Kind,
		"recipient_id", n.RecipientID,
		"broadcast_id", n.BroadcastID,
		"text", n.Text,
	)
	return nil
}

// TextSender sends a WhatsApp text message. *wa.Client implements it.
type TextSender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// WhatsAppTransport pushes notifications as WhatsApp text messages to the
// user's notify JID.
type WhatsAppTransport struct {
	sender TextSender
}

// NewWhatsAppTransport builds a WhatsAppTransport.
func NewWhatsAppTransport(sender TextSender) *WhatsAppTransport {
	return &WhatsAppTransport{sender: sender}
}

// Send implements Transport.
func (t *WhatsAppTransport) Send(ctx context.Context, n Notification) error {
	addr := strings.TrimSpace(n.Address)
	if addr == "" {
		return ErrNoAddress
	}
	if !strings.Contains(addr, "@") {
		addr = addr + "@" + types.DefaultUserServer
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return fmt.Errorf("%w: parse jid %q: %v", ErrNoAddress, n.Address, err)
	}
	return t.sender.SendText(ctx, jid, n.Text)
}
