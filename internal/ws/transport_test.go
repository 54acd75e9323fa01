package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ryakhovskiy/zchat-relay/internal/protocol"
)

var errFakeClosed = errors.New("fake transport closed")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type frame struct {
	typ  int
	data []byte
}

// fakeTransport is an in-memory Transport. Inbound frames are pushed on
// in; outbound frames are recorded. A non-nil gate blocks writes until it
// is closed.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	gate   chan struct{}

	mu     sync.Mutex
	frames []frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(typ int, data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return errFakeClosed
		}
	}
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame{typ: typ, data: append([]byte(nil), data...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := protocol.Encode(event, data)
	require.NoError(t, err)
	f.in <- raw
}

func (f *fakeTransport) snapshot() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.frames...)
}

// events returns the decoded text frames written so far.
func (f *fakeTransport) events() []protocol.Envelope {
	var res []protocol.Envelope
	for _, fr := range f.snapshot() {
		if fr.typ != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(fr.data, &env); err == nil {
			res = append(res, env)
		}
	}
	return res
}

func (f *fakeTransport) waitEvents(t *testing.T, n int) []protocol.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.events()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.events()
}

func decodeData(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}
