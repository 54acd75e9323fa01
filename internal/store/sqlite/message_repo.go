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

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Append(ctx context.Context, m *domain.Message) error {
	id := uuid.NewString()
	createdAt := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, temp_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, m.ChatID, m.SenderID, m.Content, createdAt, nullString(m.TempID))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	m.ID = id
	m.Seq = seq
	m.CreatedAt = createdAt
	return nil
}

func (r *MessageRepo) ListRecent(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *MessageRepo) FindByTempID(ctx context.Context, senderID, tempID string) (*domain.Message, error) {
	m := &domain.Message{TempID: tempID}
	err := r.db.QueryRowContext(ctx, `
		SELECT seq, id, chat_id, sender_id, content, created_at
		FROM messages
		WHERE sender_id = ? AND temp_id = ?
	`, senderID, tempID).Scan(&m.Seq, &m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message by temp id: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	defer rows.Close()
	var res []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.Seq, &m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
