package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

type MemberRepo struct {
	db *sql.DB
}

func NewMemberRepo(db *sql.DB) *MemberRepo {
	return &MemberRepo{db: db}
}

var _ domain.MemberRepository = (*MemberRepo)(nil)

func (r *MemberRepo) Ensure(ctx context.Context, userID, chatID, role string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_members (user_id, chat_id, role, joined_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT DO NOTHING
	`, userID, chatID, role)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (r *MemberRepo) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM chat_members
			WHERE chat_id = $1 AND user_id = $2
		)
	`, chatID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return exists, nil
}

// ListMemberIDs returns just the user IDs in a chat.
func (r *MemberRepo) ListMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM chat_members WHERE chat_id = $1
		ORDER BY joined_at ASC, user_id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
