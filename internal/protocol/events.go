// Package protocol defines the event envelope spoken over the chat
// WebSocket, shared by the server and the Go client.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

// Event names, client to server.
const (
	EventHeartbeat      = "heartbeat"
	EventJoinGlobalChat = "join-global-chat"
	EventJoinChat       = "join-chat"
	EventSendMessage    = "send-message"
)

// Event names, server to client.
const (
	EventJoinedChat  = "joined-chat"
	EventMessageSent = "message-sent"
	EventNewMessage  = "new-message"
	EventError       = "error"
)

var ErrMalformed = errors.New("malformed event")

// Envelope is the frame carried in every WebSocket text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an inbound client event. The concrete types are HeartbeatEvent,
// JoinEvent, SendMessageEvent and UnknownEvent.
type Event interface {
	Name() string
}

type HeartbeatEvent struct {
	UserID string
}

// JoinEvent asks to join a chat. An empty ChatID means the global chat.
type JoinEvent struct {
	UserID string
	ChatID string
}

type SendMessageEvent struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId"`
	ChatID   string `json:"chatId"`
	TempID   string `json:"tempId,omitempty"`
}

type UnknownEvent struct {
	Event string
}

func (HeartbeatEvent) Name() string { return EventHeartbeat }

func (e JoinEvent) Name() string {
	if e.ChatID == "" {
		return EventJoinGlobalChat
	}
	return EventJoinChat
}

func (SendMessageEvent) Name() string { return EventSendMessage }
func (e UnknownEvent) Name() string   { return e.Event }

// Outbound payloads.

type JoinedChat struct {
	ChatID  string `json:"chatId"`
	Success bool   `json:"success"`
}

type MessageSent struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	TempID    string `json:"tempId,omitempty"`
}

// ErrorPayload reports a failure. Failed sends also carry the error kind
// and the tempId of the send they answer.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

// NewMessage is the broadcast payload: a persisted message with its sender.
type NewMessage = domain.DeliveredMessage

// DecodeEvent parses one inbound frame into its event type.
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Event {
	case EventHeartbeat:
		// The payload is advisory; a heartbeat without one still counts.
		userID, _ := decodeUserID(env.Data)
		return HeartbeatEvent{UserID: userID}, nil
	case EventJoinGlobalChat:
		userID, err := decodeUserID(env.Data)
		if err != nil {
			return nil, err
		}
		return JoinEvent{UserID: userID}, nil
	case EventJoinChat:
		var p struct {
			UserID string `json:"userId"`
			ChatID string `json:"chatId"`
		}
		if err := unmarshalData(env.Data, &p); err != nil {
			return nil, err
		}
		return JoinEvent{UserID: p.UserID, ChatID: p.ChatID}, nil
	case EventSendMessage:
		var ev SendMessageEvent
		if err := unmarshalData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return UnknownEvent{Event: env.Event}, nil
	}
}

// decodeUserID accepts either a bare JSON string or an object {userId}.
func decodeUserID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return s, nil
	}
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.UserID, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode builds an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}
