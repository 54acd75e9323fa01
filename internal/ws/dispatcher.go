package ws

import (
	"context"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/protocol"
)

// Dispatcher fans events out to connections. It never blocks on a
// recipient: frames go to each connection's bounded queue and a recipient
// that cannot keep up is closed.
type Dispatcher struct {
	hub *Hub
	log *slog.Logger
}

func NewDispatcher(hub *Hub, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{hub: hub, log: log}
}

// Publish delivers a new-message event to every connection joined to chatID.
func (d *Dispatcher) Publish(_ context.Context, chatID string, msg domain.DeliveredMessage) {
	data, err := protocol.Encode(protocol.EventNewMessage, msg)
	if err != nil {
		d.log.Error("encode new-message", "chat_id", chatID, "error", err)
		return
	}
	n := d.broadcast(chatID, data)
	d.log.Debug("published", "chat_id", chatID, "message_id", msg.ID, "recipients", n)
}

// broadcast returns the number of connections the frame was queued for.
func (d *Dispatcher) broadcast(chatID string, data []byte) int {
	delivered := 0
	for _, c := range d.hub.Members(chatID) {
		if err := c.Enqueue(data); err != nil {
			d.log.Warn("dropping recipient", "conn_id", c.ID(), "chat_id", chatID, "error", err)
			c.closeWith(websocket.CloseTryAgainLater)
			continue
		}
		delivered++
	}
	return delivered
}

// Send queues one event for a single connection.
func (d *Dispatcher) Send(c *Conn, event string, payload any) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.Enqueue(data); err != nil {
		d.log.Debug("send failed", "conn_id", c.ID(), "event", event, "error", err)
		return err
	}
	return nil
}

// Ack confirms a stored message to the connection that sent it.
func (d *Dispatcher) Ack(c *Conn, messageID, tempID string) error {
	return d.Send(c, protocol.EventMessageSent, protocol.MessageSent{
		MessageID: messageID,
		Success:   true,
		TempID:    tempID,
	})
}

// Error reports a failure to a single connection.
func (d *Dispatcher) Error(c *Conn, message string) error {
	return d.Send(c, protocol.EventError, protocol.ErrorPayload{Message: message})
}

// Reject reports a failed send, tagged with its kind and temp id.
func (d *Dispatcher) Reject(c *Conn, tempID string, kind domain.Kind, message string) error {
	return d.Send(c, protocol.EventError, protocol.ErrorPayload{
		Message: message,
		Code:    kind.String(),
		TempID:  tempID,
	})
}
