package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat_relay/server/relay/domain"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func (r *ChatRepository) CreateChat(ctx context.Context, name, creatorID string, memberIDs []string) (domain.Chat, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Chat{}, err
	}
	defer tx.Rollback(ctx)

	chat := domain.Chat{Name: name, CreatedBy: creatorID}
	err = tx.QueryRow(ctx, `
		INSERT INTO chats(name, created_by)
		VALUES($1, $2)
		RETURNING chat_id, created_at
	`, name, creatorID).Scan(&chat.ID, &chat.CreatedAt)
	if err != nil {
		return domain.Chat{}, err
	}

	for _, userID := range memberIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO chat_members(chat_id, user_id) VALUES($1, $2) ON CONFLICT DO NOTHING`, chat.ID, userID); err != nil {
			return domain.Chat{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

func (r *ChatRepository) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chat_members WHERE chat_id=$1`, chatID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM chats WHERE chat_id=$1`, chatID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ChatRepository) AddMember(ctx context.Context, chatID, userID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO chat_members(chat_id, user_id) VALUES($1, $2) ON CONFLICT DO NOTHING`, chatID, userID)
	return err
}

func (r *ChatRepository) RemoveMember(ctx context.Context, chatID, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chat_members WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	return err
}

func (r *ChatRepository) ChatExists(ctx context.Context, chatID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM chats
			WHERE chat_id=$1
		)
	`, chatID).Scan(&exists)
	return exists, err
}

// LoadAllMemberships feeds the one-time membership cache warm-up at
// process startup. Chats without members still yield a row with an empty
// user id so the cache learns they exist.
func (r *ChatRepository) LoadAllMemberships(ctx context.Context) ([]domain.MembershipRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.chat_id, COALESCE(m.user_id, '')
		FROM chats c
		LEFT JOIN chat_members m ON m.chat_id = c.chat_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.MembershipRow, 0)
	for rows.Next() {
		var row domain.MembershipRow
		if err := rows.Scan(&row.ChatID, &row.UserID); err != nil {
			return nil, err
		}
		items = append(items, row)
	}
	return items, rows.Err()
}
