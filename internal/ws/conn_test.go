package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

func waitStopped(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
}

func TestConnWritesInOrderAndFlushesOnClose(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, connOptions{queueSize: 8}, discardLogger())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, c.Enqueue([]byte(s)))
	}
	c.Close()
	waitStopped(t, c)

	frames := ft.snapshot()
	require.Len(t, frames, 4)
	assert.Equal(t, "a", string(frames[0].data))
	assert.Equal(t, "b", string(frames[1].data))
	assert.Equal(t, "c", string(frames[2].data))
	assert.Equal(t, websocket.CloseMessage, frames[3].typ)
	assert.True(t, ft.isClosed())
}

func TestConnEnqueueAfterClose(t *testing.T) {
	c := newConn(newFakeTransport(), connOptions{}, discardLogger())
	c.Close()

	err := c.Enqueue([]byte("late"))
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnQueueFull(t *testing.T) {
	ft := newFakeTransport()
	ft.gate = make(chan struct{})
	c := newConn(ft, connOptions{queueSize: 1}, discardLogger())

	// One frame may sit in the blocked writer and one in the queue.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = c.Enqueue([]byte("x"))
	}
	assert.ErrorIs(t, err, domain.ErrTransport)

	close(ft.gate)
	c.Close()
	waitStopped(t, c)
}

func TestConnStateMachine(t *testing.T) {
	c := newConn(newFakeTransport(), connOptions{}, discardLogger())
	assert.Equal(t, StateConnecting, c.State())
	assert.NotEmpty(t, c.ID())

	require.NoError(t, c.bind("u1"))
	require.NoError(t, c.bind("u1"))
	assert.ErrorIs(t, c.bind("u2"), domain.ErrInvalidArgument)
	assert.True(t, c.markJoined())
	assert.Equal(t, StateJoined, c.State())

	c.Close()
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.markJoined())
	assert.ErrorIs(t, c.bind("u1"), domain.ErrTransport)
	assert.Equal(t, "DISCONNECTED", c.State().String())
}

func TestConnKeepalivePings(t *testing.T) {
	ft := newFakeTransport()
	c := newConn(ft, connOptions{pingInterval: 10 * time.Millisecond}, discardLogger())
	defer c.Close()

	assert.Eventually(t, func() bool {
		for _, fr := range ft.snapshot() {
			if fr.typ == websocket.PingMessage {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
