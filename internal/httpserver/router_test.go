package httpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/httpserver"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
	"github.com/ryakhovskiy/zchat-relay/internal/service"
	"github.com/ryakhovskiy/zchat-relay/internal/store/sqlite"
)

type fixedCount int

func (c fixedCount) ActiveCount() int        { return int(c) }
func (c fixedCount) ActiveConnections() int  { return int(c) * 2 }
func (c fixedCount) IsOnline(id string) bool { return id == "u1" }

type fixture struct {
	handler  http.Handler
	tokens   *security.TokenService
	chats    *service.ChatService
	messages *sqlite.MessageRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	messages := sqlite.NewMessageRepo(db)
	chats := service.NewChatService(sqlite.NewChatRepo(db), sqlite.NewMemberRepo(db), messages, sqlite.NewUserRepo(db), 50)
	tokens := security.NewTokenService("test-secret", time.Hour)

	return &fixture{
		handler: httpserver.NewRouter(httpserver.RouterDeps{
			Tokens:      tokens,
			Chats:       chats,
			Presence:    fixedCount(3),
			Connections: fixedCount(3),
		}),
		tokens:   tokens,
		chats:    chats,
		messages: messages,
	}
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type globalChatBody struct {
	ChatID   string                    `json:"chatId"`
	Messages []domain.DeliveredMessage `json:"messages"`
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","activeUsers":3,"connections":6}`, rec.Body.String())
}

func TestGlobalChatRequiresToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/chat/global", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.get(t, "/chat/global", "garbage").Code)
}

func TestGlobalChatReturnsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tok, err := f.tokens.Issue(security.Identity{UserID: "u1", Name: "Ann", Picture: "https://img/a.png"})
	require.NoError(t, err)

	rec := f.get(t, "/chat/global", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var first globalChatBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.ChatID)
	assert.Empty(t, first.Messages)

	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, f.messages.Append(ctx, &domain.Message{ChatID: first.ChatID, SenderID: "u1", Content: content}))
	}

	rec = f.get(t, "/chat/global", tok)
	require.Equal(t, http.StatusOK, rec.Code)
	var second globalChatBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.Equal(t, first.ChatID, second.ChatID)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "one", second.Messages[0].Content)
	assert.Equal(t, "three", second.Messages[2].Content)
	assert.Equal(t, "Ann", second.Messages[0].Sender.Name)
	require.NotNil(t, second.Messages[0].Sender.Image)
	assert.Equal(t, "https://img/a.png", *second.Messages[0].Sender.Image)
}

func TestChatReadsAreMemberOnly(t *testing.T) {
	f := newFixture(t)

	member, err := f.tokens.Issue(security.Identity{UserID: "u1"})
	require.NoError(t, err)
	outsider, err := f.tokens.Issue(security.Identity{UserID: "u2"})
	require.NoError(t, err)

	rec := f.get(t, "/chat/global", member)
	require.Equal(t, http.StatusOK, rec.Code)
	var body globalChatBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = f.get(t, "/chat/"+body.ChatID+"/members", member)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"userId":"u1","online":true}]`, rec.Body.String())

	rec = f.get(t, "/chat/"+body.ChatID+"/messages", member)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.get(t, "/chat/"+body.ChatID+"/messages", outsider).Code)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/chat/"+body.ChatID+"/members", outsider).Code)
}
