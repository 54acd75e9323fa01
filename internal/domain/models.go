package domain

import "time"

// ChatType distinguishes one-to-one conversations from rooms.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// GlobalChatName is the display name of the lazily created singleton room.
const GlobalChatName = "Global Chat"

// Member roles.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// User mirrors the profile supplied by the identity provider.
type User struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Image     *string   `db:"image" json:"image"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

// Chat represents a conversation (direct or group).
type Chat struct {
	ID        string    `db:"id" json:"id"`
	Type      ChatType  `db:"type" json:"type"`
	Name      *string   `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ChatMember represents the membership of a user in a chat.
type ChatMember struct {
	UserID   string    `db:"user_id" json:"userId"`
	ChatID   string    `db:"chat_id" json:"chatId"`
	Role     string    `db:"role" json:"role"`
	JoinedAt time.Time `db:"joined_at" json:"joinedAt"`
}

// Message is immutable once appended. Seq is the append order within the store.
type Message struct {
	ID        string    `db:"id" json:"id"`
	Seq       int64     `db:"seq" json:"-"`
	ChatID    string    `db:"chat_id" json:"chatId"`
	SenderID  string    `db:"sender_id" json:"senderId"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	// TempID is the client's id for the send, kept to recognise retries.
	TempID string `db:"temp_id" json:"-"`
}

// Sender is the public projection of a user attached to delivered messages.
type Sender struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Image *string `json:"image"`
}

// SenderFor projects u, falling back to the bare id when the profile is unknown.
func SenderFor(id string, u *User) Sender {
	if u == nil {
		return Sender{ID: id, Name: id}
	}
	return Sender{ID: u.ID, Name: u.Name, Image: u.Image}
}

// DeliveredMessage is a persisted message together with its sender profile.
type DeliveredMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Sender    Sender    `json:"sender"`
}

// Deliver pairs m with its sender projection.
func Deliver(m *Message, sender Sender) DeliveredMessage {
	return DeliveredMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Sender:    sender,
	}
}
