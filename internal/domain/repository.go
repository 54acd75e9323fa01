package domain

import (
	"context"
)

// UserRepository stores the profiles mirrored from the identity provider.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	Upsert(ctx context.Context, u *User) error
}

// ChatRepository defines persistence operations for chats.
type ChatRepository interface {
	// FindOrCreate returns the chat identified by (type, name), creating it
	// if absent. Concurrent callers observe the same row.
	FindOrCreate(ctx context.Context, chatType ChatType, name string) (*Chat, error)
	GetByID(ctx context.Context, id string) (*Chat, error)
}

// MemberRepository defines operations around chat memberships.
type MemberRepository interface {
	// Ensure inserts the membership unless the (user, chat) pair already exists.
	Ensure(ctx context.Context, userID, chatID, role string) error
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ListMemberIDs(ctx context.Context, chatID string) ([]string, error)
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	// Append assigns ID, Seq and CreatedAt and stores m.
	Append(ctx context.Context, m *Message) error
	// ListRecent returns up to limit messages of a chat, newest first.
	ListRecent(ctx context.Context, chatID string, limit int) ([]*Message, error)
	// FindByTempID returns the message senderID stored under tempID, or
	// ErrNotFound.
	FindByTempID(ctx context.Context, senderID, tempID string) (*Message, error)
}
