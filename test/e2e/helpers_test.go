package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/feedchat/internal/api"
	"github.com/alexjbarnes/feedchat/internal/auth"
	"github.com/alexjbarnes/feedchat/internal/chat"
	"github.com/alexjbarnes/feedchat/internal/config"
	"github.com/alexjbarnes/feedchat/internal/logging"
	"github.com/alexjbarnes/feedchat/internal/mcpserver"
	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/alexjbarnes/feedchat/internal/server"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	waitTimeout = 5 * time.Second
	pollEvery   = 10 * time.Millisecond

	testAPIKey = "fc_e2e-test-key-0123456789"
)

// account is a user known to the fake backend.
type account struct {
	user     models.User
	password string
	token    string
}

var (
	alice = account{
		user:     models.User{ID: "u-alice", Name: "Alice", Email: "alice@example.com"},
		password: "alice-pw",
		token:    "tok-alice",
	}
	bob = account{
		user:     models.User{ID: "u-bob", Name: "Bob", Email: "bob@example.com"},
		password: "bob-pw",
		token:    "tok-bob",
	}
)

// backend is an in-memory chat server speaking the REST and websocket
// protocol the client expects. Every accepted message is echoed to both
// sender and receiver.
type backend struct {
	mu       sync.Mutex
	accounts []account
	conns    map[string][]*websocket.Conn
	messages []map[string]any
	manual   map[string]int
	nextID   int
}

func newBackend() *backend {
	return &backend{
		accounts: []account{alice, bob},
		conns:    make(map[string][]*websocket.Conn),
		manual:   make(map[string]int),
	}
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", b.handleLogin)
	mux.HandleFunc("GET /api/users/me", b.withUser(func(w http.ResponseWriter, r *http.Request, u models.User) {
		writeJSON(w, http.StatusOK, u)
	}))
	mux.HandleFunc("GET /api/messages/{peer}", b.withUser(b.handleMessages))
	mux.HandleFunc("GET /api/conversations", b.withUser(b.handleConversations))
	mux.HandleFunc("GET /ws", b.handleWS)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *backend) userForToken(r *http.Request) (models.User, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	for _, a := range b.accounts {
		if a.token == token {
			return a.user, true
		}
	}

	return models.User{}, false
}

func (b *backend) withUser(fn func(http.ResponseWriter, *http.Request, models.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := b.userForToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}

		fn(w, r, u)
	}
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req api.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad body"})
		return
	}

	for _, a := range b.accounts {
		if a.user.Email == req.Email && a.password == req.Password {
			writeJSON(w, http.StatusOK, map[string]any{"token": a.token, "user": a.user})
			return
		}
	}

	writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid email or password"})
}

func (b *backend) handleMessages(w http.ResponseWriter, r *http.Request, u models.User) {
	peer := r.PathValue("peer")

	b.mu.Lock()
	defer b.mu.Unlock()

	out := []map[string]any{}

	for _, m := range b.messages {
		if between(m, u.ID, peer) {
			out = append(out, m)
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (b *backend) handleConversations(w http.ResponseWriter, r *http.Request, u models.User) {
	b.mu.Lock()
	defer b.mu.Unlock()

	last := make(map[string]map[string]any)
	var order []string

	for _, m := range b.messages {
		sender, receiver := senderOf(m), m["receiverId"].(string)

		var peer string

		switch u.ID {
		case sender:
			peer = receiver
		case receiver:
			peer = sender
		default:
			continue
		}

		if _, ok := last[peer]; !ok {
			order = append(order, peer)
		}

		last[peer] = m
	}

	out := []map[string]any{}

	for _, peer := range order {
		out = append(out, map[string]any{
			"peers":       []models.User{u, b.userByID(peer)},
			"lastMessage": last[peer],
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (b *backend) userByID(id string) models.User {
	for _, a := range b.accounts {
		if a.user.ID == id {
			return a.user
		}
	}

	return models.User{ID: id}
}

func senderOf(m map[string]any) string {
	return m["sender"].(map[string]any)["_id"].(string)
}

func between(m map[string]any, a, b string) bool {
	s, r := senderOf(m), m["receiverId"].(string)
	return (s == a && r == b) || (s == b && r == a)
}

// seed stores a message as if it had been sent before the test began.
func (b *backend) seed(from, to, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.storeLocked(from, to, text, "")
}

func (b *backend) storeLocked(from, to, text, clientID string) map[string]any {
	b.nextID++

	sender := b.userByID(from)
	m := map[string]any{
		"_id":        fmt.Sprintf("m-%d", b.nextID),
		"sender":     map[string]any{"_id": sender.ID, "name": sender.Name},
		"receiverId": to,
		"text":       text,
		"createdAt":  time.Now().UTC().Format(time.RFC3339Nano),
	}

	if clientID != "" {
		m["clientId"] = clientID
	}

	b.messages = append(b.messages, m)

	return m
}

func (b *backend) manualDisconnects(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.manual[id]
}

func (b *backend) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := b.userForToken(r); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx := context.Background()

	var id string

	defer func() {
		if id != "" {
			b.drop(ctx, id, c)
		}

		c.CloseNow()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		payload := gjson.GetBytes(data, "data")

		switch gjson.GetBytes(data, "event").String() {
		case chat.EventRegister:
			id = payload.String()
			b.register(ctx, id, c)
		case chat.EventSendMessage:
			b.relayMessage(ctx, payload)
		case chat.EventTyping:
			b.sendTo(ctx, payload.Get("to").String(), chat.EventTyping, map[string]any{
				"from":   id,
				"typing": payload.Get("typing").Bool(),
			})
		case chat.EventManualDisconnect:
			b.mu.Lock()
			b.manual[id]++
			b.mu.Unlock()
		}
	}
}

func (b *backend) register(ctx context.Context, id string, c *websocket.Conn) {
	b.mu.Lock()
	others := make([]string, 0, len(b.conns))
	for other := range b.conns {
		if other != id {
			others = append(others, other)
		}
	}

	first := len(b.conns[id]) == 0
	b.conns[id] = append(b.conns[id], c)
	b.mu.Unlock()

	send(ctx, c, chat.EventOnlineUsers, others)

	if first {
		b.broadcast(ctx, id, chat.EventUserOnline, map[string]string{"userId": id})
	}
}

func (b *backend) drop(ctx context.Context, id string, c *websocket.Conn) {
	b.mu.Lock()
	b.conns[id] = slices.DeleteFunc(b.conns[id], func(x *websocket.Conn) bool { return x == c })
	last := len(b.conns[id]) == 0
	if last {
		delete(b.conns, id)
	}
	b.mu.Unlock()

	if last {
		b.broadcast(ctx, id, chat.EventUserOffline, map[string]string{"userId": id})
	}
}

func (b *backend) relayMessage(ctx context.Context, payload gjson.Result) {
	from := payload.Get("senderId").String()
	to := payload.Get("receiverId").String()

	b.mu.Lock()
	m := b.storeLocked(from, to, payload.Get("text").String(), payload.Get("clientId").String())
	b.mu.Unlock()

	b.sendTo(ctx, from, chat.EventReceiveMessage, m)
	b.sendTo(ctx, to, chat.EventReceiveMessage, m)
}

func (b *backend) sendTo(ctx context.Context, id, event string, data any) {
	b.mu.Lock()
	conns := slices.Clone(b.conns[id])
	b.mu.Unlock()

	for _, c := range conns {
		send(ctx, c, event, data)
	}
}

func (b *backend) broadcast(ctx context.Context, except, event string, data any) {
	b.mu.Lock()
	var conns []*websocket.Conn
	for id, cs := range b.conns {
		if id != except {
			conns = append(conns, cs...)
		}
	}
	b.mu.Unlock()

	for _, c := range conns {
		send(ctx, c, event, data)
	}
}

func send(ctx context.Context, c *websocket.Conn, event string, data any) {
	frame, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_ = c.Write(ctx, websocket.MessageText, frame)
}

// harness runs the fake backend and hands out logged-in chat sessions.
type harness struct {
	backend *backend
	URL     string
	WSURL   string
	Client  *api.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBackend()
	ts := httptest.NewServer(b.handler())
	t.Cleanup(ts.Close)

	wsURL, err := config.DeriveWSURL(ts.URL)
	require.NoError(t, err)

	return &harness{
		backend: b,
		URL:     ts.URL,
		WSURL:   wsURL,
		Client:  api.NewClient(ts.URL, ts.Client()),
	}
}

// notifications records what a session surfaced to its user.
type notifications struct {
	mu   sync.Mutex
	list []chat.Notification
}

func (n *notifications) Notify(note chat.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.list = append(n.list, note)
}

func (n *notifications) all() []chat.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	return slices.Clone(n.list)
}

// participant is one logged-in chat client.
type participant struct {
	User    models.User
	Session *chat.Session
	Notes   *notifications
}

// join logs a in over REST and starts a realtime session, waiting until
// it is connected.
func (h *harness) join(t *testing.T, a account) *participant {
	t.Helper()

	resp, err := h.Client.Login(t.Context(), a.user.Email, a.password)
	require.NoError(t, err)

	notes := &notifications{}

	s, err := chat.Start(context.Background(), chat.Config{
		Identity:        resp.User.ID,
		Credential:      resp.Token,
		URL:             h.WSURL,
		History:         h.Client.WithToken(resp.Token),
		Notifier:        notes,
		TypingDebounce:  100 * time.Millisecond,
		ReconnectMin:    20 * time.Millisecond,
		ReconnectMax:    100 * time.Millisecond,
		SnapshotTimeout: time.Second,
		Logger:          logging.Discard(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		_ = s.Logout(ctx)
	})

	require.Eventually(t, func() bool {
		return s.State() == chat.StateConnected
	}, waitTimeout, pollEvery)

	return &participant{User: resp.User, Session: s, Notes: notes}
}

// messages reads p's conversation with peer, failing the test on error.
func (p *participant) messages(t *testing.T, peer string) []models.Message {
	t.Helper()

	msgs, err := p.Session.Messages(t.Context(), peer)
	require.NoError(t, err)

	return msgs
}

func (p *participant) online(t *testing.T) []string {
	t.Helper()

	ids, err := p.Session.Online(t.Context())
	require.NoError(t, err)

	return ids
}

func (p *participant) unread(t *testing.T) chat.UnreadSnapshot {
	t.Helper()

	snap, err := p.Session.Unread(t.Context())
	require.NoError(t, err)

	return snap
}

// mcpHarness exposes p's session over the local MCP endpoint.
type mcpHarness struct {
	URL    string
	Client *http.Client
}

func (h *harness) serveMCP(t *testing.T, p *participant) *mcpHarness {
	t.Helper()

	logger := logging.Discard()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "feedchat-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, p.Session)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(map[string]string{"agent": testAPIKey}),
		MCPHandler: mcpHandler,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &mcpHarness{URL: ts.URL, Client: ts.Client()}
}

// session creates an MCP client session authenticated with key.
func (m *mcpHarness) session(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: m.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  m.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first content block.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])

	return tc.Text
}
