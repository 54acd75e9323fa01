package service_test

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

type MockChatRepo struct {
	mock.Mock
}

func (m *MockChatRepo) FindOrCreate(ctx context.Context, chatType domain.ChatType, name string) (*domain.Chat, error) {
	args := m.Called(ctx, chatType, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatRepo) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

type MockMemberRepo struct {
	mock.Mock
}

func (m *MockMemberRepo) Ensure(ctx context.Context, userID, chatID, role string) error {
	return m.Called(ctx, userID, chatID, role).Error(0)
}

func (m *MockMemberRepo) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockMemberRepo) ListMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Append(ctx context.Context, msg *domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockMessageRepo) ListRecent(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, chatID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) FindByTempID(ctx context.Context, senderID, tempID string) (*domain.Message, error) {
	args := m.Called(ctx, senderID, tempID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

type MockUserRepo struct {
	mock.Mock
}

func (m *MockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepo) Upsert(ctx context.Context, u *domain.User) error {
	return m.Called(ctx, u).Error(0)
}

type stubLimiter struct {
	allow bool
	calls int
}

func (l *stubLimiter) Allow(string, time.Time) bool {
	l.calls++
	return l.allow
}

type recordingToucher struct {
	mu      sync.Mutex
	touched []string
}

func (r *recordingToucher) Touch(userID string) {
	r.mu.Lock()
	r.touched = append(r.touched, userID)
	r.mu.Unlock()
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.DeliveredMessage
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, msg domain.DeliveredMessage) {
	p.mu.Lock()
	p.published = append(p.published, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []domain.DeliveredMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.DeliveredMessage(nil), p.published...)
}
