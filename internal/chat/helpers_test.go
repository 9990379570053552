package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/feedchat/internal/logging"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// runLoop starts a loop that is stopped when the test ends.
func runLoop(t *testing.T) *Loop {
	t.Helper()

	loop := NewLoop(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	go loop.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	return loop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	require.NoError(t, loop.Do(context.Background(), fn))
}

// frame is one client frame as seen by the fake server.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeConn is the server side of one client connection.
type fakeConn struct {
	conn   *websocket.Conn
	header http.Header
	frames chan frame

	closed      chan struct{}
	closeStatus websocket.StatusCode
}

// next returns the next frame the client sent.
func (c *fakeConn) next(t *testing.T) frame {
	t.Helper()

	select {
	case f := <-c.frames:
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client frame")
		return frame{}
	}
}

// nextEvent skips frames until one with the given event arrives.
func (c *fakeConn) nextEvent(t *testing.T, event string) frame {
	t.Helper()

	for {
		if f := c.next(t); f.Event == event {
			return f
		}
	}
}

func (c *fakeConn) send(t *testing.T, event string, data any) {
	t.Helper()

	payload, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, c.conn.Write(ctx, websocket.MessageText, payload))
}

// waitClosed waits for the client to close and returns the status it
// sent.
func (c *fakeConn) waitClosed(t *testing.T) websocket.StatusCode {
	t.Helper()

	select {
	case <-c.closed:
		return c.closeStatus
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client close")
		return 0
	}
}

// fakeServer is a chat server that accepts websocket connections and
// hands each one to the test.
type fakeServer struct {
	srv      *httptest.Server
	accepted chan *fakeConn

	mu     sync.Mutex
	reject bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{accepted: make(chan *fakeConn, 8)}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		reject := fs.reject
		fs.mu.Unlock()

		if reject {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		fc := &fakeConn{
			conn:   conn,
			header: r.Header.Clone(),
			frames: make(chan frame, 64),
			closed: make(chan struct{}),
		}
		fs.accepted <- fc

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				fc.closeStatus = websocket.CloseStatus(err)
				close(fc.closed)

				return
			}

			var f frame
			if json.Unmarshal(data, &f) == nil {
				fc.frames <- f
			}
		}
	}))
	t.Cleanup(fs.srv.Close)

	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) setReject(reject bool) {
	fs.mu.Lock()
	fs.reject = reject
	fs.mu.Unlock()
}

// accept waits for the next client connection.
func (fs *fakeServer) accept(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case fc := <-fs.accepted:
		return fc
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// recordingEmitter collects emitted frames. Loop only.
type recordingEmitter struct {
	events []string
	data   []any
	err    error
}

func (r *recordingEmitter) Emit(event string, data any) error {
	r.events = append(r.events, event)
	r.data = append(r.data, data)

	return r.err
}
