package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, chat_id) DO NOTHING
	`, userID, chatID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (r *MemberRepo) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1
		FROM chat_members
		WHERE chat_id = ? AND user_id = ?
	`, chatID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return true, nil
}

func (r *MemberRepo) ListMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id
		FROM chat_members
		WHERE chat_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
