package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

type ChatRepo struct {
	db *sql.DB
}

func NewChatRepo(db *sql.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

var _ domain.ChatRepository = (*ChatRepo)(nil)

func (r *ChatRepo) FindOrCreate(ctx context.Context, chatType domain.ChatType, name string) (*domain.Chat, error) {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO chats (id, type, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (type, name) DO NOTHING
	`, uuid.NewString(), chatType, name, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	c := &domain.Chat{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, name, created_at
		FROM chats
		WHERE type = ? AND name = ?
	`, chatType, name).Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select chat: %w", err)
	}
	return c, nil
}

func (r *ChatRepo) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	c := &domain.Chat{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, name, created_at
		FROM chats
		WHERE id = ?
	`, id).Scan(&c.ID, &c.Type, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}
