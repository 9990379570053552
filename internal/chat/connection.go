package chat

//go:generate mockgen -source=connection.go -destination=mock_conn_test.go -package=chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/coder/websocket"
)

const (
	// writeQueueSize bounds frames waiting for the writer goroutine of
	// one connection. Overflow drops the frame.
	writeQueueSize = 64

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// readLimit caps one inbound frame. Chat frames are small JSON.
	readLimit = 1024 * 1024

	// disconnectFlushTimeout bounds how long Disconnect waits for the
	// manualDisconnect frame to reach the wire before closing anyway.
	disconnectFlushTimeout = 2 * time.Second

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// statusAuthRejected is the application close code the server uses
	// when the credential is refused.
	statusAuthRejected websocket.StatusCode = 4001
)

// Default connection tuning, used when the config leaves a field zero.
const (
	DefaultReconnectMin = 1 * time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultPingInterval = 25 * time.Second
)

// ConnState is the lifecycle state of the connection manager.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// wsConn abstracts the WebSocket connection so ConnectionManager can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
	SetReadLimit(n int64)
}

// Emitter sends one event to the far end. Components depend on this
// rather than on the connection manager.
type Emitter interface {
	Emit(event string, data any) error
}

type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake returned %d", chaterrors.ErrInvalidToken, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

// ConnectionConfig holds the parameters of one authenticated connection.
type ConnectionConfig struct {
	URL          string
	Identity     string
	Credential   string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
}

// outbound is one frame for the writer goroutine. flushed, when set, is
// closed after the frame is written.
type outbound struct {
	data    []byte
	flushed chan struct{}
}

// ConnectionManager owns the single live connection of a session.
//
// A background goroutine dials, sends the register handshake, and serves
// the connection until it fails, then reconnects with backoff. Inbound
// frames are decoded on the loop and published on the bus. Outbound
// frames go through a per-connection writer goroutine so Emit never
// blocks the loop on network I/O.
type ConnectionManager struct {
	cfg    ConnectionConfig
	loop   *Loop
	bus    *Bus
	logger *slog.Logger
	dial   dialFunc

	mu     sync.Mutex
	state  ConnState
	out    chan outbound
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnectionManager creates a manager in StateIdle.
func NewConnectionManager(cfg ConnectionConfig, loop *Loop, bus *Bus, logger *slog.Logger) *ConnectionManager {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}

	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	return &ConnectionManager{
		cfg:    cfg,
		loop:   loop,
		bus:    bus,
		logger: logger,
		dial:   dialWebsocket,
	}
}

// Start begins connecting in the background and returns immediately.
// Calling Start more than once, or after Disconnect, is a no-op.
func (m *ConnectionManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateIdle || m.done != nil {
		m.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setState(StateConnecting)

	go m.run(runCtx)
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Emit queues one frame on the live connection. While not Connected the
// frame is dropped and ErrNotConnected returned; nothing is queued
// across a connection gap.
func (m *ConnectionManager) Emit(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateConnected || m.out == nil {
		m.logger.Debug("dropping emit while disconnected",
			slog.String("event", event),
			slog.String("state", m.state.String()),
		)

		return fmt.Errorf("emitting %s: %w", event, chaterrors.ErrNotConnected)
	}

	select {
	case m.out <- outbound{data: frame}:
		return nil
	default:
		m.logger.Warn("write queue full, dropping frame", slog.String("event", event))
		return fmt.Errorf("emitting %s: write queue full", event)
	}
}

// Disconnect is the voluntary logout path. When connected it sends
// manualDisconnect and waits (bounded) for it to be written, then closes
// the transport with a normal closure and stops reconnecting. Safe to
// call more than once.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	prev := m.state
	out := m.out
	cancel := m.cancel
	done := m.done
	m.state = StateClosed
	m.out = nil
	m.mu.Unlock()

	if prev == StateClosed {
		if done != nil {
			<-done
		}

		return nil
	}

	if prev == StateConnected && out != nil {
		m.flushGoodbye(ctx, out)
	}

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.publishState(StateClosed)
	m.logger.Info("disconnected", slog.String("identity", m.cfg.Identity))

	return nil
}

func (m *ConnectionManager) flushGoodbye(ctx context.Context, out chan outbound) {
	frame, err := encodeFrame(EventManualDisconnect, nil)
	if err != nil {
		return
	}

	flushed := make(chan struct{})

	select {
	case out <- outbound{data: frame, flushed: flushed}:
	default:
		m.logger.Warn("write queue full, closing without manualDisconnect")
		return
	}

	timer := time.NewTimer(disconnectFlushTimeout)
	defer timer.Stop()

	select {
	case <-flushed:
	case <-timer.C:
		m.logger.Warn("timed out flushing manualDisconnect")
	case <-ctx.Done():
	}
}

// setState records s unless the manager is already closed, and
// publishes the change on the loop. Returns false when ignored.
func (m *ConnectionManager) setState(s ConnState) bool {
	m.mu.Lock()
	if m.state == StateClosed || m.state == s {
		m.mu.Unlock()
		return false
	}

	m.state = s
	m.mu.Unlock()

	m.publishState(s)

	return true
}

func (m *ConnectionManager) publishState(s ConnState) {
	m.loop.Post(func() {
		m.bus.State.Publish(s)
	})
}

// run is the reconnect loop. It returns when ctx is cancelled or the
// server rejects the credential.
func (m *ConnectionManager) run(ctx context.Context) {
	defer close(m.done)

	backoff := m.cfg.ReconnectMin

	for {
		established, err := m.connectOnce(ctx)
		if ctx.Err() != nil || m.State() == StateClosed {
			return
		}

		if isPermanentError(err) {
			m.logger.Error("connection rejected, not reconnecting", slog.String("error", err.Error()))
			m.mu.Lock()
			m.state = StateClosed
			m.mu.Unlock()
			m.publishState(StateClosed)

			return
		}

		if established {
			backoff = m.cfg.ReconnectMin
		}

		m.setState(StateReconnecting)

		wait := backoff
		if n := int64(backoff) / jitterDivisor; n > 0 {
			wait += time.Duration(rand.Int64N(n)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
		}

		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !established {
			backoff = min(backoff*reconnectBackoffMultiplier, m.cfg.ReconnectMax)
		}
	}
}

// connectOnce dials, registers, and serves one connection until it
// fails. established reports whether the connection reached Connected.
func (m *ConnectionManager) connectOnce(ctx context.Context) (established bool, err error) {
	header := http.Header{"Authorization": []string{"Bearer " + m.cfg.Credential}}

	conn, err := m.dial(ctx, m.cfg.URL, header)
	if err != nil {
		return false, fmt.Errorf("dialing websocket: %w", err)
	}

	conn.SetReadLimit(readLimit)

	if err := m.register(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return false, err
	}

	out := make(chan outbound, writeQueueSize)

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()

		// The server has seen register, so it needs the goodbye too.
		m.writeGoodbye(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "logout")

		return false, ctx.Err()
	}

	m.state = StateConnected
	m.out = out
	m.mu.Unlock()

	// Published before the reader starts so every component sees
	// Connected ahead of the first frame of this connection.
	m.publishState(StateConnected)
	m.logger.Info("connected", slog.String("url", m.cfg.URL), slog.String("identity", m.cfg.Identity))

	return true, m.serve(ctx, conn, out)
}

// writeGoodbye sends manualDisconnect straight to a connection that never
// reached Connected. ctx is usually cancelled by then.
func (m *ConnectionManager) writeGoodbye(ctx context.Context, conn wsConn) {
	frame, err := encodeFrame(EventManualDisconnect, nil)
	if err != nil {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectFlushTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		m.logger.Warn("sending manualDisconnect failed", slog.String("error", err.Error()))
	}
}

// register sends the identity handshake. It is written directly, before
// the connection is visible to Emit, so it always precedes other frames.
func (m *ConnectionManager) register(ctx context.Context, conn wsConn) error {
	frame, err := encodeFrame(EventRegister, m.cfg.Identity)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("sending register: %w", err)
	}

	return nil
}

// serve runs the reader, writer, and heartbeat for one connection and
// returns the first failure.
func (m *ConnectionManager) serve(ctx context.Context, conn wsConn, out chan outbound) error {
	// The reader and writer must outlive ctx: cancelling a pending Read
	// makes the library close with a policy violation, so the close
	// status is always sent first and connCtx cancelled after.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))

	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		readErr <- m.readLoop(connCtx, conn)
	}()

	go func() {
		defer wg.Done()
		writeErr <- m.writeLoop(connCtx, conn, out)
	}()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	var err error

loop:
	for {
		select {
		case err = <-readErr:
			break loop
		case err = <-writeErr:
			break loop
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(connCtx, writeTimeout)
			perr := conn.Ping(pctx)

			cancel()

			if perr != nil {
				err = fmt.Errorf("heartbeat: %w", perr)
				break loop
			}
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}

	m.mu.Lock()
	if m.out == out {
		m.out = nil
	}

	loggingOut := m.state == StateClosed
	m.mu.Unlock()

	if loggingOut {
		conn.Close(websocket.StatusNormalClosure, "logout")
	} else {
		conn.Close(websocket.StatusGoingAway, "connection lost")
	}

	connCancel()

	// Wait for the reader so no frame of this connection is posted
	// after the state change that follows.
	wg.Wait()

	return err
}

// readLoop posts each inbound text frame to the loop for decoding.
func (m *ConnectionManager) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.loop.Post(func() {
			if err := m.bus.publishFrame(data); err != nil {
				m.logger.Warn("dropping inbound frame", slog.String("error", err.Error()))
			}
		})
	}
}

// writeLoop writes queued frames in order.
func (m *ConnectionManager) writeLoop(ctx context.Context, conn wsConn, out chan outbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, o.data)

			cancel()

			if o.flushed != nil {
				close(o.flushed)
			}

			if err != nil {
				return fmt.Errorf("writing message: %w", err)
			}
		}
	}
}

// isPermanentError returns true for errors that won't resolve on retry:
// the server refused the credential.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, chaterrors.ErrInvalidToken) {
		return true
	}

	status := websocket.CloseStatus(err)

	return status == websocket.StatusPolicyViolation || status == statusAuthRejected
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
