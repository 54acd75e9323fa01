package ws

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

// Transport is the part of *websocket.Conn a connection needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle state of a connection. DISCONNECTED is terminal;
// a reconnect always gets a new Conn.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	default:
		return "DISCONNECTED"
	}
}

type connOptions struct {
	queueSize    int
	writeTimeout time.Duration
	pingInterval time.Duration
}

// Conn is one client connection. Writes are serialized through a bounded
// outbound queue drained by a single writer goroutine.
type Conn struct {
	id        string
	transport Transport
	opts      connOptions
	log       *slog.Logger

	out       chan []byte
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeCode int

	mu     sync.RWMutex
	state  State
	userID string
}

func newConn(t Transport, opts connOptions, log *slog.Logger) *Conn {
	if opts.queueSize <= 0 {
		opts.queueSize = 256
	}
	if opts.writeTimeout <= 0 {
		opts.writeTimeout = 10 * time.Second
	}
	c := &Conn{
		id:        uuid.NewString(),
		transport: t,
		opts:      opts,
		out:       make(chan []byte, opts.queueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
		state:     StateConnecting,
	}
	c.log = log.With("conn_id", c.id)
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the identity the connection is bound to, or "".
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// bind ties the connection to userID. A connection never changes identity.
func (c *Conn) bind(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return fmt.Errorf("%w: connection %s closed", domain.ErrTransport, c.id)
	}
	if c.userID != "" && c.userID != userID {
		return errIdentityMismatch
	}
	c.userID = userID
	return nil
}

func (c *Conn) markJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return false
	}
	c.state = StateJoined
	return true
}

// Enqueue hands a frame to the writer without blocking. A full queue or a
// closed connection is a transport error for this connection only.
func (c *Conn) Enqueue(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection %s closed", domain.ErrTransport, c.id)
	default:
	}
	select {
	case c.out <- data:
		return nil
	default:
		return fmt.Errorf("%w: outbound queue full for connection %s", domain.ErrTransport, c.id)
	}
}

// Close stops the connection with a normal closure. Queued frames are
// flushed first.
func (c *Conn) Close() {
	c.closeWith(websocket.CloseNormalClosure)
}

func (c *Conn) closeWith(code int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Stopped is closed when the writer has exited and the transport is closed.
func (c *Conn) Stopped() <-chan struct{} { return c.stopped }

func (c *Conn) writeLoop() {
	defer close(c.stopped)
	defer c.transport.Close()

	var ping <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug("ws write failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure)
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ws ping failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure)
				return
			}
		case <-c.done:
			c.flush()
			c.mu.RLock()
			code := c.closeCode
			c.mu.RUnlock()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.out:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
		return err
	}
	return c.transport.WriteMessage(messageType, data)
}
