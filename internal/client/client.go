// Package client is the resilience layer of a chat client: it queues sends
// while offline, replays them in order on reconnect and merges pending and
// confirmed messages into one view.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

var (
	ErrNotConnected   = errors.New("not connected")
	ErrConnectionLost = errors.New("connection lost")
)

// Ack is the server's confirmation of a stored message.
type Ack struct {
	MessageID string
	TempID    string
}

// Transport delivers one message and waits for its acknowledgment.
type Transport interface {
	Send(ctx context.Context, tempID, content string) (Ack, error)
}

// PendingMessage is a send that the server has not confirmed yet.
type PendingMessage struct {
	TempID   string
	Content  string
	QueuedAt time.Time
}

type Status struct {
	Connected bool
	Pending   int
}

// Banner is the persistent notice shown while offline.
func (s Status) Banner() string {
	if s.Connected {
		return ""
	}
	return "connection lost, will send when reconnected"
}

type Options struct {
	// UserID is the local user, recorded as sender of acknowledged sends.
	UserID string
	// Pacing is the delay between sends while draining the queue.
	Pacing time.Duration
	// RetryDelay is how long a drain waits after a rate-limited or failed
	// send before trying the same message again. It should be at least the
	// server's rate-limit window.
	RetryDelay time.Duration
	// ErrorWindow is how long a send error stays visible.
	ErrorWindow time.Duration
	// OnBroadcast, if set, is called for every message received from the
	// server.
	OnBroadcast func(msg domain.DeliveredMessage)
	Now         func() time.Time
}

// Client queues sends while disconnected and drains them FIFO on
// reconnect. A failure during a drain stops the pass: the failed message
// and everything behind it keep their order for the next pass, which
// KeepDraining starts after RetryDelay.
type Client struct {
	transport Transport
	opts      Options
	log       *slog.Logger

	// sendMu serializes transport sends so that queue order is wire order.
	sendMu sync.Mutex
	// wake asks KeepDraining for another pass.
	wake chan struct{}

	mu        sync.Mutex
	connected bool
	queue     []PendingMessage
	inflight  *PendingMessage
	confirmed []domain.DeliveredMessage
	byID      map[string]int
	tempToID  map[string]string
	lastErr   error
	lastErrAt time.Time
}

func New(transport Transport, opts Options, log *slog.Logger) *Client {
	if opts.Pacing <= 0 {
		opts.Pacing = 200 * time.Millisecond
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		transport: transport,
		opts:      opts,
		log:       log,
		wake:      make(chan struct{}, 1),
		byID:      make(map[string]int),
		tempToID:  make(map[string]string),
	}
}

// Send tries to deliver content right away. When offline, behind a
// non-empty queue, or when the attempt fails, the message is queued
// instead. It returns the temporary id that identifies the message until
// the server confirms it. Send never reports a delivery failure.
func (c *Client) Send(ctx context.Context, content string) string {
	pm := PendingMessage{TempID: uuid.NewString(), Content: content, QueuedAt: c.opts.Now()}

	if c.enqueueIfBlocked(pm) {
		return pm.TempID
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// A failed send may have queued something while we waited.
	if c.enqueueIfBlocked(pm) {
		return pm.TempID
	}
	c.mu.Lock()
	c.inflight = &pm
	c.mu.Unlock()

	ack, err := c.transport.Send(ctx, pm.TempID, pm.Content)

	c.mu.Lock()
	c.inflight = nil
	if err != nil {
		c.failLocked(err)
		c.queue = append(c.queue, pm)
		c.mu.Unlock()
		c.signal()
		return pm.TempID
	}
	c.confirmLocked(pm, ack)
	c.mu.Unlock()
	return pm.TempID
}

func (c *Client) enqueueIfBlocked(pm PendingMessage) bool {
	c.mu.Lock()
	if c.connected && len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, pm)
	c.mu.Unlock()
	c.signal()
	return true
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetConnected records connectivity. A transition to connected wakes
// KeepDraining; callers not running it must call Drain themselves.
func (c *Client) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
	if connected {
		c.signal()
	}
}

// KeepDraining runs drain passes until ctx is done: after every connect,
// whenever a message is queued, and RetryDelay after a pass that stopped
// on a failure.
func (c *Client) KeepDraining(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		n, err := c.Drain(ctx)
		if ctx.Err() != nil {
			// A drainer from an older session may have taken the wake-up
			// meant for its successor.
			c.signal()
			return
		}
		if err == nil || errors.Is(err, ErrNotConnected) {
			continue
		}
		c.log.Debug("drain stopped", "sent", n, "error", err, "retry_in", c.opts.RetryDelay)
		if !sleep(ctx, c.opts.RetryDelay) {
			return
		}
		c.signal()
	}
}

// Drain sends queued messages in FIFO order, pacing successive sends. A
// rate-limited head is retried after RetryDelay. Any other failure stops
// the pass, leaving that message at the head of the queue. Drain returns
// the number of messages confirmed.
func (c *Client) Drain(ctx context.Context) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		c.mu.Lock()
		if !c.connected {
			c.mu.Unlock()
			return sent, ErrNotConnected
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return sent, nil
		}
		head := c.queue[0]
		c.mu.Unlock()

		if sent > 0 && !sleep(ctx, c.opts.Pacing) {
			return sent, ctx.Err()
		}

		ack, err := c.transport.Send(ctx, head.TempID, head.Content)
		if errors.Is(err, domain.ErrRateLimited) {
			// Throttled, not failed: wait out the window and resend the head.
			c.log.Debug("drain throttled", "temp_id", head.TempID)
			if !sleep(ctx, c.opts.RetryDelay) {
				return sent, ctx.Err()
			}
			continue
		}

		if err != nil && ctx.Err() != nil {
			return sent, err
		}
		c.mu.Lock()
		if err != nil {
			c.failLocked(err)
			c.mu.Unlock()
			return sent, err
		}
		c.queue = c.queue[1:]
		c.confirmLocked(head, ack)
		c.mu.Unlock()
		sent++
	}
}

// OnMessage records a broadcast message.
func (c *Client) OnMessage(msg domain.DeliveredMessage) {
	c.mu.Lock()
	c.upsertLocked(msg)
	c.mu.Unlock()
	if c.opts.OnBroadcast != nil {
		c.opts.OnBroadcast(msg)
	}
}

// ReportError surfaces an error that is not tied to a send.
func (c *Client) ReportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

func (c *Client) confirmLocked(pm PendingMessage, ack Ack) {
	c.tempToID[pm.TempID] = ack.MessageID
	if _, ok := c.byID[ack.MessageID]; ok {
		return
	}
	c.upsertLocked(domain.DeliveredMessage{
		ID:        ack.MessageID,
		SenderID:  c.opts.UserID,
		Content:   pm.Content,
		CreatedAt: pm.QueuedAt,
	})
}

func (c *Client) upsertLocked(msg domain.DeliveredMessage) {
	if i, ok := c.byID[msg.ID]; ok {
		c.confirmed[i] = msg
		return
	}
	c.byID[msg.ID] = len(c.confirmed)
	c.confirmed = append(c.confirmed, msg)
}

func (c *Client) failLocked(err error) {
	c.lastErr = err
	c.lastErrAt = c.opts.Now()
	c.log.Debug("send failed", "error", err)
}

// Err returns the last send error while it is still inside the display
// window, nil otherwise.
func (c *Client) Err(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil || now.Sub(c.lastErrAt) >= c.opts.ErrorWindow {
		return nil
	}
	return c.lastErr
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.inflight != nil {
		n++
	}
	return Status{Connected: c.connected, Pending: n}
}

// Pending returns a copy of the queue, in send order.
func (c *Client) Pending() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingMessage(nil), c.queue...)
}

// View returns confirmed messages followed by those still pending.
func (c *Client) View() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]PendingMessage, 0, len(c.queue)+1)
	if c.inflight != nil {
		pending = append(pending, *c.inflight)
	}
	pending = append(pending, c.queue...)
	return Merge(c.confirmed, pending, c.tempToID)
}

// sleep waits for d and reports whether ctx was still live afterwards.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
