package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat_relay/server/relay/domain"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// SaveMessage is idempotent on message id; replays from at-least-once
// delivery do not duplicate rows.
func (r *MessageRepository) SaveMessage(ctx context.Context, msg domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages(message_id, chat_id, sender_id, body, sent_at)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING
	`, msg.ID, msg.ChatID, msg.SenderID, msg.Body, msg.SentAt)
	return err
}

func (r *MessageRepository) MessageExists(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM messages
			WHERE message_id=$1
		)
	`, messageID).Scan(&exists)
	return exists, err
}
