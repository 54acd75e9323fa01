package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryakhovskiy/zchat-relay/internal/client"
	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/presence"
	"github.com/ryakhovskiy/zchat-relay/internal/protocol"
	"github.com/ryakhovskiy/zchat-relay/internal/ratelimit"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
	"github.com/ryakhovskiy/zchat-relay/internal/service"
	"github.com/ryakhovskiy/zchat-relay/internal/store/sqlite"
)

type testStack struct {
	url      string
	manager  *Manager
	presence *presence.Registry
	chats    *service.ChatService
	tokens   *security.TokenService
	// refuse makes the server answer upgrades with 503.
	refuse atomic.Bool
}

func newTestStack(t *testing.T, window time.Duration, authRequired bool) *testStack {
	t.Helper()
	log := discardLogger()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(context.Background(), db))

	chatRepo := sqlite.NewChatRepo(db)
	messageRepo := sqlite.NewMessageRepo(db)
	chats := service.NewChatService(chatRepo, sqlite.NewMemberRepo(db), messageRepo, sqlite.NewUserRepo(db), 50)

	reg := presence.NewRegistry(log)
	limits := ratelimit.NewPerConnection(window)
	hub := NewHub()
	dispatcher := NewDispatcher(hub, log)
	messages := service.NewMessageService(chatRepo, messageRepo, limits, reg, dispatcher, chats.SenderOf, 1000, log)
	manager := NewManager(hub, dispatcher, chats, messages, reg, limits, Options{OutboundQueueSize: 64}, log)
	tokens := security.NewTokenService("test-secret", time.Hour)

	st := &testStack{
		manager:  manager,
		presence: reg,
		chats:    chats,
		tokens:   tokens,
	}
	handler := MakeHandler(manager, tokens, HandlerConfig{AuthRequired: authRequired, Profiles: chats}, log)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if st.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	st.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return st
}

// startClient runs a chat client with default pacing and retry settings.
func (s *testStack) startClient(t *testing.T, userID string) *client.Client {
	t.Helper()
	tr, c := client.NewWSTransport(client.WSOptions{
		URL:        s.url,
		UserID:     userID,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	}, client.Options{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tr.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return c.Status().Connected }, 3*time.Second, 10*time.Millisecond)
	return c
}

// dropUser closes every server-side connection bound to userID.
func (s *testStack) dropUser(userID string) {
	for _, c := range s.manager.hub.Conns() {
		if c.UserID() == userID {
			s.manager.Disconnect(c.ID(), "dropped by test")
		}
	}
}

func (s *testStack) historyContents(t *testing.T, chatID string) []string {
	t.Helper()
	history, err := s.chats.History(context.Background(), chatID, 0)
	require.NoError(t, err)
	var res []string
	for _, m := range history {
		res = append(res, m.Content)
	}
	return res
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *testStack) dial(t *testing.T, header http.Header) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) emit(event string, data any) {
	c.t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *wsClient) next() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var env protocol.Envelope
	require.NoError(c.t, json.Unmarshal(raw, &env))
	return env
}

func (c *wsClient) expect(event string, v any) {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, event, env.Event, string(env.Data))
	if v != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, v))
	}
}

// nextMessage skips events until the next new-message broadcast.
func (c *wsClient) nextMessage() domain.DeliveredMessage {
	c.t.Helper()
	for {
		env := c.next()
		if env.Event != protocol.EventNewMessage {
			continue
		}
		var msg domain.DeliveredMessage
		require.NoError(c.t, json.Unmarshal(env.Data, &msg))
		return msg
	}
}

func (c *wsClient) joinGlobal(userID string) string {
	c.t.Helper()
	c.emit(protocol.EventJoinGlobalChat, userID)
	var joined protocol.JoinedChat
	c.expect(protocol.EventJoinedChat, &joined)
	require.True(c.t, joined.Success)
	require.NotEmpty(c.t, joined.ChatID)
	return joined.ChatID
}

func TestSendReachesRoomAndAcksSender(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	a := s.dial(t, nil)
	b := s.dial(t, nil)

	chatID := a.joinGlobal("alice")
	require.Equal(t, chatID, b.joinGlobal("bob"))

	a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: "hello", SenderID: "alice", ChatID: chatID, TempID: "tmp-1"})

	var ack protocol.MessageSent
	a.expect(protocol.EventMessageSent, &ack)
	assert.True(t, ack.Success)
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, "tmp-1", ack.TempID)

	var own domain.DeliveredMessage
	a.expect(protocol.EventNewMessage, &own)
	assert.Equal(t, ack.MessageID, own.ID)

	var got domain.DeliveredMessage
	b.expect(protocol.EventNewMessage, &got)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, chatID, got.ChatID)
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "alice", got.Sender.ID)

	assert.Equal(t, 2, s.presence.ActiveCount())
}

func TestRateLimitedSendIsNeverDelivered(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	a := s.dial(t, nil)
	b := s.dial(t, nil)
	chatID := a.joinGlobal("alice")
	b.joinGlobal("bob")

	send := func(content string) {
		a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: content, SenderID: "alice", ChatID: chatID})
	}

	send("one")
	a.expect(protocol.EventMessageSent, nil)
	a.expect(protocol.EventNewMessage, nil)

	time.Sleep(100 * time.Millisecond)
	send("two")
	var e protocol.ErrorPayload
	a.expect(protocol.EventError, &e)
	assert.Equal(t, "Please wait before sending another message", e.Message)

	time.Sleep(500 * time.Millisecond)
	send("three")
	a.expect(protocol.EventMessageSent, nil)

	var first, second domain.DeliveredMessage
	b.expect(protocol.EventNewMessage, &first)
	b.expect(protocol.EventNewMessage, &second)
	assert.Equal(t, "one", first.Content)
	assert.Equal(t, "three", second.Content)

	history, err := s.chats.History(context.Background(), chatID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "three", history[1].Content)
}

func TestRoomMembersSeeTheSameOrder(t *testing.T) {
	s := newTestStack(t, time.Nanosecond, false)

	const senders, perSender = 3, 5
	var clients []*wsClient
	var chatID string
	for i := 0; i < senders; i++ {
		c := s.dial(t, nil)
		chatID = c.joinGlobal(fmt.Sprintf("user-%d", i))
		clients = append(clients, c)
	}
	observer := s.dial(t, nil)
	observer.joinGlobal("observer")

	// Each sender writes from its own goroutine; only the observer reads
	// until all messages have been broadcast.
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *wsClient) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				raw, _ := protocol.Encode(protocol.EventSendMessage, protocol.SendMessageEvent{
					Content: fmt.Sprintf("%d-%d", i, j), SenderID: fmt.Sprintf("user-%d", i), ChatID: chatID,
				})
				_ = c.conn.WriteMessage(websocket.TextMessage, raw)
				time.Sleep(5 * time.Millisecond)
			}
		}(i, c)
	}
	wg.Wait()

	var observed []string
	for len(observed) < senders*perSender {
		var msg domain.DeliveredMessage
		observer.expect(protocol.EventNewMessage, &msg)
		observed = append(observed, msg.ID)
	}

	for _, c := range clients {
		var seen []string
		for len(seen) < senders*perSender {
			env := c.next()
			if env.Event != protocol.EventNewMessage {
				continue
			}
			var msg domain.DeliveredMessage
			require.NoError(t, json.Unmarshal(env.Data, &msg))
			seen = append(seen, msg.ID)
		}
		assert.Equal(t, observed, seen)
	}

	history, err := s.chats.History(context.Background(), chatID, 0)
	require.NoError(t, err)
	var stored []string
	for _, m := range history {
		stored = append(stored, m.ID)
	}
	assert.Equal(t, observed, stored)
}

func TestJoinRequiresUserID(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	a := s.dial(t, nil)

	a.emit(protocol.EventJoinGlobalChat, "")
	var e protocol.ErrorPayload
	a.expect(protocol.EventError, &e)
	assert.Equal(t, "User ID is required", e.Message)

	a.emit(protocol.EventJoinChat, map[string]string{"userId": "alice", "chatId": "missing"})
	a.expect(protocol.EventError, &e)
	assert.Equal(t, "Chat not found", e.Message)
}

func TestAuthenticatedConnectionIsBound(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, true)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := s.tokens.Issue(security.Identity{UserID: "alice"})
	require.NoError(t, err)
	a := s.dial(t, http.Header{"Authorization": {"Bearer " + tok}})

	a.emit(protocol.EventJoinGlobalChat, "mallory")
	var e protocol.ErrorPayload
	a.expect(protocol.EventError, &e)
	assert.Equal(t, "User ID does not match connection", e.Message)

	chatID := a.joinGlobal("alice")
	a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: "hi", SenderID: "mallory", ChatID: chatID})
	a.expect(protocol.EventError, &e)
	assert.Equal(t, "Sender does not match connection", e.Message)
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestClientReplaysQueueAfterServerDrop(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	observer := s.dial(t, nil)
	chatID := observer.joinGlobal("bob")
	c := s.startClient(t, "alice")
	ctx := context.Background()

	s.refuse.Store(true)
	s.dropUser("alice")
	require.Eventually(t, func() bool { return !c.Status().Connected }, 3*time.Second, 10*time.Millisecond)

	c.Send(ctx, "first")
	c.Send(ctx, "second")
	assert.Equal(t, 2, c.Status().Pending)

	s.refuse.Store(false)
	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Connected && st.Pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"first", "second"}, s.historyContents(t, chatID))
	assert.Equal(t, "first", observer.nextMessage().Content)
	assert.Equal(t, "second", observer.nextMessage().Content)
}

func TestClientDrainsRateLimitedLiveSend(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	observer := s.dial(t, nil)
	chatID := observer.joinGlobal("bob")
	c := s.startClient(t, "alice")
	ctx := context.Background()

	c.Send(ctx, "one")
	c.Send(ctx, "two")
	assert.ErrorIs(t, c.Err(time.Now()), domain.ErrRateLimited)
	c.Send(ctx, "three")

	// No reconnect happens; the client retries on its own.
	require.Eventually(t, func() bool { return c.Status().Pending == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.Status().Connected)

	assert.Equal(t, []string{"one", "two", "three"}, s.historyContents(t, chatID))
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, observer.nextMessage().Content)
	}

	var view []string
	for _, e := range c.View() {
		assert.False(t, e.Pending)
		view = append(view, e.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, view)
}

func TestRateLimitErrorReachesOnlyTheThrottledSend(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, false)
	a := s.dial(t, nil)
	chatID := a.joinGlobal("alice")

	send := func(content, tempID string) {
		a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: content, SenderID: "alice", ChatID: chatID, TempID: tempID})
	}

	send("A", "tmp-a")
	var ack protocol.MessageSent
	a.expect(protocol.EventMessageSent, &ack)
	assert.Equal(t, "tmp-a", ack.TempID)
	a.expect(protocol.EventNewMessage, nil)

	send("B", "tmp-b")
	var e protocol.ErrorPayload
	a.expect(protocol.EventError, &e)
	assert.Equal(t, protocol.ErrorPayload{
		Message: "Please wait before sending another message",
		Code:    "RateLimited",
		TempID:  "tmp-b",
	}, e)

	time.Sleep(500 * time.Millisecond)
	send("C", "tmp-c")
	a.expect(protocol.EventMessageSent, &ack)
	assert.Equal(t, "tmp-c", ack.TempID)
	assert.True(t, ack.Success)
}

func TestRetriedSendIsStoredOnce(t *testing.T) {
	s := newTestStack(t, time.Nanosecond, false)
	a := s.dial(t, nil)
	b := s.dial(t, nil)
	chatID := a.joinGlobal("alice")
	b.joinGlobal("bob")

	send := func(content, tempID string) {
		a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: content, SenderID: "alice", ChatID: chatID, TempID: tempID})
	}

	send("hello", "tmp-1")
	var first protocol.MessageSent
	a.expect(protocol.EventMessageSent, &first)
	a.expect(protocol.EventNewMessage, nil)

	send("hello", "tmp-1")
	var again protocol.MessageSent
	a.expect(protocol.EventMessageSent, &again)
	assert.True(t, again.Success)
	assert.Equal(t, first.MessageID, again.MessageID)

	send("next", "tmp-2")
	a.expect(protocol.EventMessageSent, nil)

	// The retry is not broadcast a second time.
	assert.Equal(t, "hello", b.nextMessage().Content)
	assert.Equal(t, "next", b.nextMessage().Content)
	assert.Equal(t, []string{"hello", "next"}, s.historyContents(t, chatID))
}

func TestTokenProfileNamesTheSender(t *testing.T) {
	s := newTestStack(t, 500*time.Millisecond, true)

	tok, err := s.tokens.Issue(security.Identity{UserID: "alice", Name: "Alice Liddell"})
	require.NoError(t, err)
	a := s.dial(t, http.Header{"Authorization": {"Bearer " + tok}})
	chatID := a.joinGlobal("alice")

	a.emit(protocol.EventSendMessage, protocol.SendMessageEvent{Content: "hi", SenderID: "alice", ChatID: chatID})
	a.expect(protocol.EventMessageSent, nil)
	msg := a.nextMessage()
	assert.Equal(t, "alice", msg.Sender.ID)
	assert.Equal(t, "Alice Liddell", msg.Sender.Name)
}
