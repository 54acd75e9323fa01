package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

// ErrSenderMismatch rejects a send whose sender is not the user the
// connection is bound to.
var ErrSenderMismatch = fmt.Errorf("%w: sender does not match connection user", domain.ErrInvalidArgument)

// Limiter gates sends per connection.
type Limiter interface {
	Allow(connID string, now time.Time) bool
}

// Toucher records user activity.
type Toucher interface {
	Touch(userID string)
}

// Publisher fans a persisted message out to a chat's connections. It must
// not block on individual recipients.
type Publisher interface {
	Publish(ctx context.Context, chatID string, msg domain.DeliveredMessage)
}

type MessageService struct {
	chats     domain.ChatRepository
	messages  domain.MessageRepository
	limiter   Limiter
	presence  Toucher
	publisher Publisher
	senders   func(ctx context.Context, userID string) domain.Sender
	log       *slog.Logger
	now       func() time.Time

	MaxContentLength int

	// seq serialises append+publish per chat so that delivery order equals
	// append order.
	seqMu sync.Mutex
	seq   map[string]*chatSeq
}

type chatSeq struct {
	mu   sync.Mutex
	refs int
}

func NewMessageService(
	chats domain.ChatRepository,
	messages domain.MessageRepository,
	limiter Limiter,
	presence Toucher,
	publisher Publisher,
	senders func(ctx context.Context, userID string) domain.Sender,
	maxContentLength int,
	log *slog.Logger,
) *MessageService {
	if senders == nil {
		senders = func(_ context.Context, id string) domain.Sender { return domain.SenderFor(id, nil) }
	}
	if log == nil {
		log = slog.Default()
	}
	return &MessageService{
		chats:            chats,
		messages:         messages,
		limiter:          limiter,
		presence:         presence,
		publisher:        publisher,
		senders:          senders,
		log:              log,
		now:              time.Now,
		MaxContentLength: maxContentLength,
		seq:              make(map[string]*chatSeq),
	}
}

type IngestInput struct {
	ConnectionID string
	ChatID       string
	SenderID     string
	Content      string
	// TempID is the client's id for this send. A retry with the same
	// sender and TempID is acknowledged with the stored message instead of
	// being appended again.
	TempID string
	// BoundUserID is the identity the connection is bound to, if any.
	BoundUserID string
	// Acknowledge, if set, runs after the message is stored and before it
	// is published, so the origin sees its ack ahead of the broadcast.
	Acknowledge func(msg domain.DeliveredMessage)
}

// Ingest runs a raw message through the pipeline: rate gate, field checks,
// truncation, chat lookup, persistence, then presence touch and fan-out.
func (s *MessageService) Ingest(ctx context.Context, in IngestInput) (*domain.DeliveredMessage, error) {
	if !s.limiter.Allow(in.ConnectionID, s.now()) {
		return nil, domain.ErrRateLimited
	}

	if in.Content == "" || in.SenderID == "" || in.ChatID == "" {
		return nil, fmt.Errorf("%w: content, senderId and chatId are required", domain.ErrInvalidArgument)
	}
	if in.BoundUserID != "" && in.BoundUserID != in.SenderID {
		return nil, ErrSenderMismatch
	}

	content := Truncate(in.Content, s.MaxContentLength)

	if _, err := s.chats.GetByID(ctx, in.ChatID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("chat %s: %w", in.ChatID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get chat: %v", domain.ErrStorageUnavailable, err)
	}

	sender := s.senders(ctx, in.SenderID)

	unlock := s.lockChat(in.ChatID)
	defer unlock()

	if in.TempID != "" {
		prev, err := s.messages.FindByTempID(ctx, in.SenderID, in.TempID)
		switch {
		case err == nil:
			// Already stored and broadcast; only the ack was lost.
			delivered := domain.Deliver(prev, sender)
			s.presence.Touch(in.SenderID)
			if in.Acknowledge != nil {
				in.Acknowledge(delivered)
			}
			return &delivered, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("%w: find message: %v", domain.ErrStorageUnavailable, err)
		}
	}

	msg := &domain.Message{
		ChatID:   in.ChatID,
		SenderID: in.SenderID,
		Content:  content,
		TempID:   in.TempID,
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		s.log.Error("append message", "chat_id", in.ChatID, "sender_id", in.SenderID, "error", err)
		return nil, fmt.Errorf("%w: append message: %v", domain.ErrStorageUnavailable, err)
	}

	s.presence.Touch(in.SenderID)
	delivered := domain.Deliver(msg, sender)
	if in.Acknowledge != nil {
		in.Acknowledge(delivered)
	}
	s.publisher.Publish(ctx, in.ChatID, delivered)
	return &delivered, nil
}

func (s *MessageService) lockChat(chatID string) func() {
	s.seqMu.Lock()
	cs, ok := s.seq[chatID]
	if !ok {
		cs = &chatSeq{}
		s.seq[chatID] = cs
	}
	cs.refs++
	s.seqMu.Unlock()

	cs.mu.Lock()
	return func() {
		cs.mu.Unlock()
		s.seqMu.Lock()
		cs.refs--
		if cs.refs == 0 {
			delete(s.seq, chatID)
		}
		s.seqMu.Unlock()
	}
}

// Truncate cuts content to at most max characters.
func Truncate(content string, max int) string {
	if max <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
