package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/protocol"
)

// ServerError is an error event reported by the server. It unwraps to the
// domain error named by Code, so errors.Is(err, domain.ErrRateLimited)
// holds for a throttled send.
type ServerError struct {
	Message string
	Code    string
}

func (e *ServerError) Error() string { return e.Message }

func (e *ServerError) Unwrap() error {
	switch e.Code {
	case domain.KindRateLimited.String():
		return domain.ErrRateLimited
	case domain.KindInvalidArgument.String():
		return domain.ErrInvalidArgument
	case domain.KindNotFound.String():
		return domain.ErrNotFound
	case domain.KindStorageUnavailable.String():
		return domain.ErrStorageUnavailable
	default:
		return nil
	}
}

type WSOptions struct {
	URL    string
	Header http.Header
	UserID string
	// ChatID selects the chat to join; empty means the global chat.
	ChatID            string
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
}

type sendResult struct {
	ack Ack
	err error
}

// session is one physical connection. It is never reused after it drops.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	gone    chan struct{}

	mu      sync.Mutex
	chatID  string
	joined  chan error
	waiters map[string]chan sendResult
}

// WSTransport connects a Client to the chat server over a WebSocket and
// keeps the connection alive: it joins on every (re)connect, sends
// heartbeats and reconnects with capped backoff.
type WSTransport struct {
	opts   WSOptions
	client *Client
	dialer *websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	current *session
}

// NewWSTransport builds the transport and a Client bound to it.
func NewWSTransport(opts WSOptions, clientOpts Options, log *slog.Logger) (*WSTransport, *Client) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	if clientOpts.UserID == "" {
		clientOpts.UserID = opts.UserID
	}

	t := &WSTransport{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
	t.client = New(t, clientOpts, log)
	return t, t.client
}

// Send writes a send-message event and waits for its acknowledgment.
func (t *WSTransport) Send(ctx context.Context, tempID, content string) (Ack, error) {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return Ack{}, ErrNotConnected
	}

	ch := make(chan sendResult, 1)
	s.mu.Lock()
	s.waiters[tempID] = ch
	chatID := s.chatID
	s.mu.Unlock()
	defer s.forget(tempID)

	err := s.emit(protocol.EventSendMessage, protocol.SendMessageEvent{
		Content:  content,
		SenderID: t.opts.UserID,
		ChatID:   chatID,
		TempID:   tempID,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(t.opts.SendTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.ack, res.err
	case <-s.gone:
		return Ack{}, ErrConnectionLost
	case <-timer.C:
		return Ack{}, fmt.Errorf("send %s: timed out waiting for ack", tempID)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Run keeps the connection up until ctx is cancelled.
func (t *WSTransport) Run(ctx context.Context) error {
	backoff := t.opts.BackoffMin
	for {
		connected, err := t.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = t.opts.BackoffMin
		}
		t.log.Warn("chat connection lost", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > t.opts.BackoffMax {
			backoff = t.opts.BackoffMax
		}
	}
}

// session runs one connection. It reports whether the join succeeded.
func (t *WSTransport) session(ctx context.Context) (bool, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	s := &session{
		conn:    conn,
		gone:    make(chan struct{}),
		joined:  make(chan error, 1),
		waiters: make(map[string]chan sendResult),
	}

	readErr := make(chan error, 1)
	go func() { readErr <- t.readLoop(s) }()
	defer conn.Close()

	if err := t.join(ctx, s); err != nil {
		conn.Close()
		<-readErr
		return false, err
	}

	t.mu.Lock()
	t.current = s
	t.mu.Unlock()
	t.client.SetConnected(true)
	t.log.Info("chat connected", "chat_id", s.chatID)

	defer func() {
		t.client.SetConnected(false)
		t.mu.Lock()
		if t.current == s {
			t.current = nil
		}
		t.mu.Unlock()
	}()

	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	go t.client.KeepDraining(drainCtx)

	heartbeat := time.NewTicker(t.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case err := <-readErr:
			return true, err
		case <-heartbeat.C:
			if err := s.emit(protocol.EventHeartbeat, map[string]string{"userId": t.opts.UserID}); err != nil {
				t.log.Debug("heartbeat failed", "error", err)
			}
		case <-ctx.Done():
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			conn.Close()
			<-readErr
			return true, ctx.Err()
		}
	}
}

func (t *WSTransport) join(ctx context.Context, s *session) error {
	var err error
	if t.opts.ChatID == "" {
		err = s.emit(protocol.EventJoinGlobalChat, t.opts.UserID)
	} else {
		err = s.emit(protocol.EventJoinChat, map[string]string{"userId": t.opts.UserID, "chatId": t.opts.ChatID})
	}
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	timer := time.NewTimer(t.opts.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-s.joined:
		return err
	case <-s.gone:
		return fmt.Errorf("join: %w", ErrConnectionLost)
	case <-timer.C:
		return errors.New("join: timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WSTransport) readLoop(s *session) error {
	defer close(s.gone)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.log.Debug("bad frame from server", "error", err)
			continue
		}

		switch env.Event {
		case protocol.EventJoinedChat:
			var p protocol.JoinedChat
			if err := json.Unmarshal(env.Data, &p); err != nil || !p.Success {
				s.signalJoin(errors.New("join rejected"))
				continue
			}
			s.mu.Lock()
			s.chatID = p.ChatID
			s.mu.Unlock()
			s.signalJoin(nil)

		case protocol.EventMessageSent:
			var p protocol.MessageSent
			if err := json.Unmarshal(env.Data, &p); err != nil {
				continue
			}
			s.resolve(p.TempID, sendResult{ack: Ack{MessageID: p.MessageID, TempID: p.TempID}})

		case protocol.EventNewMessage:
			var msg domain.DeliveredMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				continue
			}
			t.client.OnMessage(msg)

		case protocol.EventError:
			var p protocol.ErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			serr := &ServerError{Message: p.Message, Code: p.Code}
			if p.TempID != "" {
				if !s.resolve(p.TempID, sendResult{err: serr}) {
					// The send gave up waiting and is already queued again.
					t.log.Debug("late send error", "temp_id", p.TempID, "error", serr)
				}
				continue
			}
			if s.signalJoin(serr) {
				continue
			}
			t.client.ReportError(serr)
		}
	}
}

func (s *session) emit(event string, data any) error {
	raw, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// signalJoin reports the join outcome while a join is pending.
func (s *session) signalJoin(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatID != "" && err != nil {
		return false
	}
	select {
	case s.joined <- err:
		return true
	default:
		return false
	}
}

// resolve hands a result to the waiter of tempID.
func (s *session) resolve(tempID string, res sendResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[tempID]
	if !ok {
		return false
	}
	ch <- res
	delete(s.waiters, tempID)
	return true
}

func (s *session) forget(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, tempID)
}
