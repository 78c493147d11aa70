package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const conversationColumns = `id, user_a_id, user_b_id, deleted_by_a, deleted_by_b, linked_broadcast_id, created_at, updated_at`

func scanPgConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserAID, &c.UserBID, &c.DeletedByA, &c.DeletedByB, &c.LinkedBroadcastID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetConversation returns the conversation of the unordered pair (userX, userY).
func (q *pgQueries) GetConversation(ctx context.Context, userX, userY string) (*Conversation, error) {
	a, b := PairKey(userX, userY)
	const stmt = `SELECT ` + conversationColumns + ` FROM conversations WHERE user_a_id = $1 AND user_b_id = $2 LIMIT 1;`
	c, err := scanPgConversation(q.db.QueryRow(ctx, stmt, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// UpsertConversation creates or updates the pair's conversation. The pair in c
// must already be in PairKey order.
func (q *pgQueries) UpsertConversation(ctx context.Context, c Conversation) (*Conversation, error) {
	const stmt = `
INSERT INTO conversations (id, user_a_id, user_b_id, deleted_by_a, deleted_by_b, linked_broadcast_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (user_a_id, user_b_id) DO UPDATE SET
    deleted_by_a = EXCLUDED.deleted_by_a,
    deleted_by_b = EXCLUDED.deleted_by_b,
    linked_broadcast_id = COALESCE(EXCLUDED.linked_broadcast_id, conversations.linked_broadcast_id),
    updated_at = EXCLUDED.updated_at
RETURNING ` + conversationColumns + `;
`
	out, err := scanPgConversation(q.db.QueryRow(ctx, stmt, c.ID, c.UserAID, c.UserBID, c.DeletedByA, c.DeletedByB, c.LinkedBroadcastID, c.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert conversation: %w", err)
	}
	return &out, nil
}

const messageColumns = `id, conversation_id, sender_id, message_type, broadcast_id, media_ref, body, read, created_at`

// ListMessages returns the messages of a conversation, oldest first.
func (q *pgQueries) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	const stmt = `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 ORDER BY created_at, id;`
	rows, err := q.db.Query(ctx, stmt, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.BroadcastID, &m.MediaRef, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// InsertMessage stores a message in a conversation.
func (q *pgQueries) InsertMessage(ctx context.Context, m Message) error {
	const stmt = `
INSERT INTO messages (id, conversation_id, sender_id, message_type, broadcast_id, media_ref, body, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := q.db.Exec(ctx, stmt, m.ID, m.ConversationID, m.SenderID, m.Type, m.BroadcastID, m.MediaRef, m.Body, m.Read, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}
