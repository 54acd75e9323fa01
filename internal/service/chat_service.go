package service

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

type ChatService struct {
	chats    domain.ChatRepository
	members  domain.MemberRepository
	messages domain.MessageRepository
	users    domain.UserRepository

	// Coalesces concurrent store round trips for the same key.
	lookups singleflight.Group

	HistoryPageSize int
}

func NewChatService(
	chats domain.ChatRepository,
	members domain.MemberRepository,
	messages domain.MessageRepository,
	users domain.UserRepository,
	historyPageSize int,
) *ChatService {
	if historyPageSize <= 0 {
		historyPageSize = 50
	}
	return &ChatService{
		chats:           chats,
		members:         members,
		messages:        messages,
		users:           users,
		HistoryPageSize: historyPageSize,
	}
}

// JoinGlobal finds or creates the global chat and makes userID a member.
func (s *ChatService) JoinGlobal(ctx context.Context, userID string) (*domain.Chat, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	v, err, _ := s.lookups.Do("chat:"+domain.GlobalChatName, func() (any, error) {
		return s.chats.FindOrCreate(ctx, domain.ChatGroup, domain.GlobalChatName)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: find or create global chat: %v", domain.ErrStorageUnavailable, err)
	}
	chat := v.(*domain.Chat)
	if err := s.ensureMember(ctx, userID, chat.ID); err != nil {
		return nil, err
	}
	return chat, nil
}

// Join makes userID a member of an existing chat. Only the global chat is
// created on demand; any other chat must already exist.
func (s *ChatService) Join(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if chatID == "" {
		return s.JoinGlobal(ctx, userID)
	}
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get chat: %v", domain.ErrStorageUnavailable, err)
	}
	if err := s.ensureMember(ctx, userID, chat.ID); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *ChatService) ensureMember(ctx context.Context, userID, chatID string) error {
	if err := s.members.Ensure(ctx, userID, chatID, domain.RoleMember); err != nil {
		return fmt.Errorf("%w: ensure membership: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// History returns the most recent page of a chat in chronological order.
func (s *ChatService) History(ctx context.Context, chatID string, limit int) ([]domain.DeliveredMessage, error) {
	if limit <= 0 || limit > s.HistoryPageSize {
		limit = s.HistoryPageSize
	}
	msgs, err := s.messages.ListRecent(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %v", domain.ErrStorageUnavailable, err)
	}

	// Reverse to chronological order (store returns newest first)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	senders := make(map[string]domain.Sender)
	res := make([]domain.DeliveredMessage, 0, len(msgs))
	for _, m := range msgs {
		sender, ok := senders[m.SenderID]
		if !ok {
			sender = s.SenderOf(ctx, m.SenderID)
			senders[m.SenderID] = sender
		}
		res = append(res, domain.Deliver(m, sender))
	}
	return res, nil
}

// SenderOf resolves the public profile of a user, falling back to its id.
func (s *ChatService) SenderOf(ctx context.Context, userID string) domain.Sender {
	v, err, _ := s.lookups.Do("user:"+userID, func() (any, error) {
		return s.users.GetByID(ctx, userID)
	})
	if err != nil {
		return domain.SenderFor(userID, nil)
	}
	return domain.SenderFor(userID, v.(*domain.User))
}

// SyncProfile mirrors the identity provider's profile of a user.
func (s *ChatService) SyncProfile(ctx context.Context, u *domain.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	if err := s.users.Upsert(ctx, u); err != nil {
		return fmt.Errorf("%w: upsert user: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// MemberHistory returns the history of chatID for one of its members.
func (s *ChatService) MemberHistory(ctx context.Context, userID, chatID string) ([]domain.DeliveredMessage, error) {
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.History(ctx, chatID, 0)
}

// Members lists the user ids of a chat's members, visible to members only.
func (s *ChatService) Members(ctx context.Context, userID, chatID string) ([]string, error) {
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return nil, err
	}
	ids, err := s.members.ListMemberIDs(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %v", domain.ErrStorageUnavailable, err)
	}
	return ids, nil
}

func (s *ChatService) requireMember(ctx context.Context, userID, chatID string) error {
	ok, err := s.members.IsMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("%w: check membership: %v", domain.ErrStorageUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return nil
}
