package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/protocol"
	"github.com/ryakhovskiy/zchat-relay/internal/service"
)

var (
	ErrShuttingDown     = errors.New("connection manager is shutting down")
	errIdentityMismatch = fmt.Errorf("%w: user does not match connection", domain.ErrInvalidArgument)
)

// ChatJoiner resolves chats and memberships.
type ChatJoiner interface {
	Join(ctx context.Context, userID, chatID string) (*domain.Chat, error)
}

// Ingester runs inbound messages through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, in service.IngestInput) (*domain.DeliveredMessage, error)
}

// PresenceTracker is the presence registry as seen by the manager.
type PresenceTracker interface {
	Touch(userID string)
	Attach(userID, connID string)
	Detach(userID, connID string) bool
}

// ConnLimits releases per-connection rate-limit state.
type ConnLimits interface {
	Forget(connID string)
}

type Options struct {
	OutboundQueueSize int
	WriteTimeout      time.Duration
	// PingInterval enables server keepalive pings when positive.
	PingInterval time.Duration
}

// Manager owns the connection lifecycle: accept, join, the per-connection
// receive loop, disconnect and shutdown.
type Manager struct {
	hub        *Hub
	dispatcher *Dispatcher
	chats      ChatJoiner
	messages   Ingester
	presence   PresenceTracker
	limits     ConnLimits
	opts       Options
	log        *slog.Logger

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
	loops    sync.WaitGroup
}

func NewManager(
	hub *Hub,
	dispatcher *Dispatcher,
	chats ChatJoiner,
	messages Ingester,
	presence PresenceTracker,
	limits ConnLimits,
	opts Options,
	log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		hub:        hub,
		dispatcher: dispatcher,
		chats:      chats,
		messages:   messages,
		presence:   presence,
		limits:     limits,
		opts:       opts,
		log:        log,
	}
}

// Accept registers a new connection in CONNECTING state. userID is the
// authenticated identity, or "" for an anonymous connection.
func (m *Manager) Accept(t Transport, userID string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}

	c := newConn(t, connOptions{
		queueSize:    m.opts.OutboundQueueSize,
		writeTimeout: m.opts.WriteTimeout,
		pingInterval: m.opts.PingInterval,
	}, m.log)
	c.userID = userID
	m.hub.Add(c)
	m.loops.Add(1)
	m.log.Debug("connection accepted", "conn_id", c.ID(), "user_id", userID)
	return c, nil
}

// Join binds the connection to userID, resolves the chat (the global chat
// when chatID is empty), ensures membership and adds the connection to the
// chat's room.
func (m *Manager) Join(ctx context.Context, connID, userID, chatID string) (*domain.Chat, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidArgument)
	}
	c, ok := m.hub.Get(connID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown connection %s", domain.ErrTransport, connID)
	}
	if err := c.bind(userID); err != nil {
		return nil, err
	}

	chat, err := m.chats.Join(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	m.presence.Attach(userID, connID)
	if !m.hub.Join(chat.ID, c) || !c.markJoined() {
		m.presence.Detach(userID, connID)
		return nil, fmt.Errorf("%w: connection %s closed", domain.ErrTransport, connID)
	}
	m.presence.Touch(userID)
	return chat, nil
}

// Disconnect tears down a connection. Once its last connection is gone a
// user is offline for delivery immediately.
func (m *Manager) Disconnect(connID, reason string) {
	c, ok := m.hub.Get(connID)
	if !ok {
		return
	}
	m.hub.Remove(c)
	c.Close()
	m.limits.Forget(connID)

	userID := c.UserID()
	offline := false
	if userID != "" {
		offline = m.presence.Detach(userID, connID)
	}
	m.log.Info("connection closed", "conn_id", connID, "user_id", userID, "reason", reason, "offline", offline)
}

// Serve runs the receive loop of c until the transport fails or the
// connection is closed. It must be called once per accepted connection.
func (m *Manager) Serve(ctx context.Context, c *Conn) {
	defer m.loops.Done()

	reason := "closed"
	defer func() { m.Disconnect(c.ID(), reason) }()

	for {
		_, raw, err := c.transport.ReadMessage()
		if err != nil {
			reason = readCloseReason(err)
			return
		}

		ev, err := protocol.DecodeEvent(raw)
		if err != nil {
			_ = m.dispatcher.Error(c, "Invalid payload")
			continue
		}

		if !m.begin() {
			reason = "shutdown"
			return
		}
		m.handle(ctx, c, ev)
		m.inflight.Done()
	}
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.inflight.Add(1)
	return true
}

func (m *Manager) handle(ctx context.Context, c *Conn, ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.HeartbeatEvent:
		// Only a joined connection speaks for a user; the payload's userId
		// is ignored.
		if c.State() == StateJoined {
			m.presence.Touch(c.UserID())
		}

	case protocol.JoinEvent:
		chat, err := m.Join(ctx, c.ID(), ev.UserID, ev.ChatID)
		if err != nil {
			m.log.Warn("join failed", "conn_id", c.ID(), "user_id", ev.UserID, "chat_id", ev.ChatID, "error", err)
			_ = m.dispatcher.Error(c, joinErrorMessage(err))
			return
		}
		_ = m.dispatcher.Send(c, protocol.EventJoinedChat, protocol.JoinedChat{ChatID: chat.ID, Success: true})

	case protocol.SendMessageEvent:
		_, err := m.messages.Ingest(ctx, service.IngestInput{
			ConnectionID: c.ID(),
			ChatID:       ev.ChatID,
			SenderID:     ev.SenderID,
			Content:      ev.Content,
			TempID:       ev.TempID,
			BoundUserID:  c.UserID(),
			Acknowledge: func(msg domain.DeliveredMessage) {
				_ = m.dispatcher.Ack(c, msg.ID, ev.TempID)
			},
		})
		if err != nil {
			if domain.KindOf(err) != domain.KindRateLimited {
				m.log.Warn("send failed", "conn_id", c.ID(), "chat_id", ev.ChatID, "error", err)
			}
			_ = m.dispatcher.Reject(c, ev.TempID, domain.KindOf(err), sendErrorMessage(err))
		}

	case protocol.UnknownEvent:
		_ = m.dispatcher.Error(c, "Unknown event")
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, errIdentityMismatch):
		return "User ID does not match connection"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "User ID is required"
	case errors.Is(err, domain.ErrNotFound):
		return "Chat not found"
	default:
		return "Failed to join chat"
	}
}

func sendErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "Please wait before sending another message"
	case errors.Is(err, service.ErrSenderMismatch):
		return "Sender does not match connection"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "Missing required fields"
	case errors.Is(err, domain.ErrNotFound):
		return "Chat not found"
	default:
		return "Failed to send message"
	}
}

func readCloseReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d", ce.Code)
	}
	return "read error"
}

// ActiveConnections returns the number of registered connections.
func (m *Manager) ActiveConnections() int {
	return m.hub.Count()
}

// Shutdown refuses new connections, waits for in-flight events, then
// closes every connection with a going-away frame and waits for the
// receive loops and writers to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	if err := waitGroup(ctx, &m.inflight); err != nil {
		return fmt.Errorf("wait for in-flight events: %w", err)
	}

	conns := m.hub.Conns()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway)
	}
	for _, c := range conns {
		select {
		case <-c.Stopped():
		case <-ctx.Done():
			return fmt.Errorf("wait for writers: %w", ctx.Err())
		}
	}
	if err := waitGroup(ctx, &m.loops); err != nil {
		return fmt.Errorf("wait for receive loops: %w", err)
	}
	m.log.Info("connection manager stopped", "connections", len(conns))
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
