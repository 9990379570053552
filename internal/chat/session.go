package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/feedchat/internal/auth"
	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/alexjbarnes/feedchat/internal/models"
)

const (
	// historyTimeout bounds one history fetch.
	historyTimeout = 15 * time.Second

	// logoutTimeout bounds the logout sequence when it is triggered by
	// context cancellation or credential expiry.
	logoutTimeout = 5 * time.Second
)

// HistoryFetcher is the REST collaborator used for history and the
// conversation list. *api.Session satisfies it.
type HistoryFetcher interface {
	Messages(ctx context.Context, peer string) ([]models.Message, error)
	Conversations(ctx context.Context) ([]models.ConversationSummary, error)
}

// Config configures one authenticated session.
type Config struct {
	Identity   string
	Credential string
	URL        string

	History  HistoryFetcher
	Notifier Notifier

	TypingDebounce  time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	PingInterval    time.Duration
	SnapshotTimeout time.Duration
	NotifySound     bool

	Logger *slog.Logger

	dial dialFunc
}

// UpdateKind identifies what an Update reports.
type UpdateKind int

const (
	UpdateState UpdateKind = iota
	UpdateMessage
	UpdateConfirmed
	UpdateHistory
	UpdateTyping
	UpdatePresence
	UpdateUnread
	UpdateLoggedOut
)

// Update is a change a front end may want to render. Only the fields
// relevant to Kind are set.
type Update struct {
	Kind    UpdateKind
	Peer    string
	Message models.Message
	Typing  bool
	Online  []string
	Unread  UnreadSnapshot
	State   ConnState
}

type conversation struct {
	peer       string
	reconciler *MessageReconciler
	typing     *TypingCoordinator
	sub        Subscription
}

// Session is one authenticated chat session: a live connection and the
// presence, typing, message, unread, and notification state built on it.
// Every method is safe for concurrent use; state is only touched on the
// session's loop.
type Session struct {
	cfg    Config
	cred   auth.Credential
	logger *slog.Logger

	loop       *Loop
	bus        *Bus
	conn       *ConnectionManager
	stopLoop   context.CancelFunc
	lifeCtx    context.Context
	cancelLife context.CancelFunc

	// Loop-owned state.
	presence      *PresenceTracker
	unread        *UnreadAggregator
	notify        *NotificationDispatcher
	conversations map[string]*conversation
	focused       string
	summaries     []models.ConversationSummary
	expiry        *Timer
	subs          Subscriptions
	closed        bool

	updates Topic[Update]

	logoutOnce sync.Once
	logoutErr  error
	loggedOut  chan struct{}
}

// Start creates a session for identity and credential and begins
// connecting in the background. Cancelling ctx logs the session out.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Identity == "" {
		return nil, fmt.Errorf("starting session: %w: no identity", chaterrors.ErrInvalidToken)
	}

	cred, err := auth.ParseCredential(cfg.Credential)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w: %w", chaterrors.ErrInvalidToken, err)
	}

	if cred.Expired(time.Now()) {
		return nil, fmt.Errorf("starting session: %w: credential expired", chaterrors.ErrInvalidToken)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if cred.Subject != "" && cred.Subject != cfg.Identity {
		logger.Warn("credential subject does not match identity",
			slog.String("identity", cfg.Identity),
			slog.String("subject", cred.Subject),
		)
	}

	loop := NewLoop(logger)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	lifeCtx, cancelLife := context.WithCancel(context.Background())

	go loop.Run(loopCtx)

	s := &Session{
		cfg:           cfg,
		cred:          cred,
		logger:        logger,
		loop:          loop,
		bus:           &Bus{},
		stopLoop:      stopLoop,
		lifeCtx:       lifeCtx,
		cancelLife:    cancelLife,
		conversations: make(map[string]*conversation),
		loggedOut:     make(chan struct{}),
	}

	s.conn = NewConnectionManager(ConnectionConfig{
		URL:          cfg.URL,
		Identity:     cfg.Identity,
		Credential:   cred.Token,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		PingInterval: cfg.PingInterval,
	}, loop, s.bus, logger)

	if cfg.dial != nil {
		s.conn.dial = cfg.dial
	}

	if err := loop.Do(ctx, s.attach); err != nil {
		stopLoop()
		cancelLife()

		return nil, fmt.Errorf("starting session: %w", err)
	}

	s.conn.Start(lifeCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("session context done, logging out")
			s.logoutDetached()
		case <-s.loggedOut:
		}
	}()

	return s, nil
}

// attach wires every session-scoped component to the bus. Loop only.
func (s *Session) attach() {
	s.presence = NewPresenceTracker(s.loop, s.bus, s.cfg.Identity, s.cfg.SnapshotTimeout, s.logger)
	s.unread = NewUnreadAggregator()
	s.notify = NewNotificationDispatcher(s.cfg.Notifier, s.cfg.NotifySound, s.openFromNotification, s.logger)

	s.subs.Add(s.bus.Messages.Subscribe(s.route))
	s.subs.Add(s.bus.State.Subscribe(func(st ConnState) {
		s.updates.Publish(Update{Kind: UpdateState, State: st})
	}))
	s.subs.Add(s.presence.OnChange.Subscribe(func(ids []string) {
		s.updates.Publish(Update{Kind: UpdatePresence, Online: ids})
	}))
	s.subs.Add(s.unread.OnChange.Subscribe(func(snap UnreadSnapshot) {
		s.updates.Publish(Update{Kind: UpdateUnread, Unread: snap})
	}))

	if ttl, ok := s.cred.TTL(time.Now()); ok {
		s.expiry = s.loop.AfterFunc(ttl, func() {
			s.logger.Info("credential expired, logging out")
			go s.logoutDetached()
		})
	}
}

// route handles one delivered message: the open conversation first,
// then unread counting and notification for genuinely new inbound
// messages.
func (s *Session) route(msg models.Message) {
	self := s.cfg.Identity
	if msg.Sender != self && msg.ReceiverID != self {
		s.logger.Debug("dropping message not addressed to this session",
			slog.String("sender", msg.Sender),
			slog.String("receiver", msg.ReceiverID),
		)

		return
	}

	peer := msg.Peer(self)

	if conv, ok := s.conversations[peer]; ok {
		switch conv.reconciler.Receive(msg) {
		case Appended:
			s.updates.Publish(Update{Kind: UpdateMessage, Peer: peer, Message: msg})
		case Confirmed:
			s.updates.Publish(Update{Kind: UpdateConfirmed, Peer: peer, Message: msg})
			return
		case Duplicate, Rejected:
			return
		}
	}

	if msg.Sender == self || !s.notify.Accept(msg) {
		return
	}

	s.unread.Record(peer)
	s.notify.Dispatch(msg, peer, s.focused)
}

// Subscribe registers fn for session updates. fn runs on the session
// loop and must not block or call back into the session synchronously.
func (s *Session) Subscribe(ctx context.Context, fn func(Update)) (Subscription, error) {
	var sub Subscription

	err := s.do(ctx, func() error {
		sub = s.updates.Subscribe(fn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return loopSubscription{loop: s.loop, sub: sub}, nil
}

// loopSubscription unsubscribes on the loop so it can be called from any
// goroutine.
type loopSubscription struct {
	loop *Loop
	sub  Subscription
}

func (l loopSubscription) Unsubscribe() {
	l.loop.Post(l.sub.Unsubscribe)
}

// do runs fn on the loop, failing with ErrSessionClosed after logout.
func (s *Session) do(ctx context.Context, fn func() error) error {
	var err error

	doErr := s.loop.Do(ctx, func() {
		if s.closed {
			err = chaterrors.ErrSessionClosed
			return
		}

		err = fn()
	})
	if doErr != nil {
		return doErr
	}

	return err
}

// Identity returns the local user's id.
func (s *Session) Identity() string {
	return s.cfg.Identity
}

// State returns the connection state.
func (s *Session) State() ConnState {
	return s.conn.State()
}

// Open opens the conversation with peer, focuses it, and clears its
// unread count. History is fetched in the background and merged when it
// arrives. Opening an open conversation only focuses it.
func (s *Session) Open(ctx context.Context, peer string) error {
	if peer == "" || peer == s.cfg.Identity {
		return fmt.Errorf("opening conversation: invalid peer %q", peer)
	}

	return s.do(ctx, func() error {
		s.open(peer)
		return nil
	})
}

func (s *Session) openFromNotification(peer string) {
	s.loop.Post(func() {
		if s.closed {
			return
		}

		s.open(peer)
	})
}

// open registers and focuses a conversation. Loop only.
func (s *Session) open(peer string) {
	conv, ok := s.conversations[peer]
	if !ok {
		conv = &conversation{
			peer:       peer,
			reconciler: NewMessageReconciler(s.conn, s.cfg.Identity, peer, s.logger),
			typing:     NewTypingCoordinator(s.loop, s.bus, s.conn, peer, s.cfg.TypingDebounce, s.logger),
		}
		conv.sub = conv.typing.OnChange.Subscribe(func(typing bool) {
			s.updates.Publish(Update{Kind: UpdateTyping, Peer: peer, Typing: typing})
		})
		s.conversations[peer] = conv

		s.logger.Debug("conversation opened", slog.String("peer", peer))

		if s.cfg.History != nil {
			go s.fetchHistory(conv)
		}
	}

	s.focused = peer
	s.unread.SetActive(peer)
}

func (s *Session) fetchHistory(conv *conversation) {
	ctx, cancel := context.WithTimeout(s.lifeCtx, historyTimeout)
	defer cancel()

	history, err := s.cfg.History.Messages(ctx, conv.peer)

	s.loop.Post(func() {
		if s.closed || s.conversations[conv.peer] != conv {
			return
		}

		if err != nil {
			s.logger.Warn("history fetch failed",
				slog.String("peer", conv.peer),
				slog.String("error", err.Error()),
			)

			return
		}

		conv.reconciler.MergeHistory(history)
		s.updates.Publish(Update{Kind: UpdateHistory, Peer: conv.peer})
	})
}

// Close closes the conversation with peer, cancelling its timers and
// subscriptions. Its history is discarded.
func (s *Session) Close(ctx context.Context, peer string) error {
	return s.do(ctx, func() error {
		conv, ok := s.conversations[peer]
		if !ok {
			return fmt.Errorf("closing %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		s.closeConversation(conv)

		if s.focused == peer {
			s.focused = ""
			s.unread.SetActive("")
		}

		return nil
	})
}

func (s *Session) closeConversation(conv *conversation) {
	conv.typing.Stop()
	conv.sub.Unsubscribe()
	delete(s.conversations, conv.peer)
}

// Focus makes peer's open conversation the active one and clears its
// unread count.
func (s *Session) Focus(ctx context.Context, peer string) error {
	return s.do(ctx, func() error {
		if _, ok := s.conversations[peer]; !ok {
			return fmt.Errorf("focusing %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		s.focused = peer
		s.unread.SetActive(peer)

		return nil
	})
}

// Blur leaves no conversation focused, for example when the window
// loses focus.
func (s *Session) Blur(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.focused = ""
		s.unread.SetActive("")

		return nil
	})
}

// Focused returns the focused peer, or "" when none is.
func (s *Session) Focused(ctx context.Context) (string, error) {
	var peer string

	err := s.do(ctx, func() error {
		peer = s.focused
		return nil
	})

	return peer, err
}

// OpenConversations returns the peers with an open conversation, sorted.
func (s *Session) OpenConversations(ctx context.Context) ([]string, error) {
	var peers []string

	err := s.do(ctx, func() error {
		for peer := range s.conversations {
			peers = append(peers, peer)
		}

		slices.Sort(peers)

		return nil
	})

	return peers, err
}

// Send sends text to peer's open conversation. The optimistic copy is
// returned even when the connection dropped the send, together with
// ErrNotConnected.
func (s *Session) Send(ctx context.Context, peer, text string) (models.Message, error) {
	var (
		msg     models.Message
		sendErr error
	)

	err := s.do(ctx, func() error {
		conv, ok := s.conversations[peer]
		if !ok {
			return fmt.Errorf("sending to %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		msg, sendErr = conv.reconciler.Send(text)
		if errors.Is(sendErr, chaterrors.ErrEmptyMessage) {
			return sendErr
		}

		conv.typing.Sent()
		s.updates.Publish(Update{Kind: UpdateMessage, Peer: peer, Message: msg})

		return nil
	})
	if err != nil {
		return models.Message{}, err
	}

	return msg, sendErr
}

// Keystroke records local typing in peer's conversation.
func (s *Session) Keystroke(ctx context.Context, peer string) error {
	return s.do(ctx, func() error {
		conv, ok := s.conversations[peer]
		if !ok {
			return fmt.Errorf("typing to %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		conv.typing.Keystroke()

		return nil
	})
}

// Messages returns the messages of peer's open conversation.
func (s *Session) Messages(ctx context.Context, peer string) ([]models.Message, error) {
	var msgs []models.Message

	err := s.do(ctx, func() error {
		conv, ok := s.conversations[peer]
		if !ok {
			return fmt.Errorf("reading %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		msgs = conv.reconciler.Messages()

		return nil
	})

	return msgs, err
}

// IsTyping reports whether peer is typing in their open conversation.
func (s *Session) IsTyping(ctx context.Context, peer string) (bool, error) {
	var typing bool

	err := s.do(ctx, func() error {
		conv, ok := s.conversations[peer]
		if !ok {
			return fmt.Errorf("reading %s: %w", peer, chaterrors.ErrConversationNotOpen)
		}

		typing = conv.typing.IsTyping()

		return nil
	})

	return typing, err
}

// Online returns the online peers, sorted.
func (s *Session) Online(ctx context.Context) ([]string, error) {
	var ids []string

	err := s.do(ctx, func() error {
		ids = s.presence.Online()
		return nil
	})

	return ids, err
}

// Unread returns the unread counts.
func (s *Session) Unread(ctx context.Context) (UnreadSnapshot, error) {
	var snap UnreadSnapshot

	err := s.do(ctx, func() error {
		snap = s.unread.Snapshot()
		return nil
	})

	return snap, err
}

// Conversations fetches the conversation list. On failure the last
// successfully fetched list is returned along with the error.
func (s *Session) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	if s.cfg.History == nil {
		return nil, nil
	}

	list, fetchErr := s.cfg.History.Conversations(ctx)
	if fetchErr != nil {
		s.logger.Warn("conversation list fetch failed", slog.String("error", fetchErr.Error()))
	}

	var out []models.ConversationSummary

	err := s.do(ctx, func() error {
		if fetchErr == nil {
			s.summaries = list
		}

		out = slices.Clone(s.summaries)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, fetchErr
}

// Done is closed when the session has logged out.
func (s *Session) Done() <-chan struct{} {
	return s.loggedOut
}

// Logout sends manualDisconnect, closes the connection, clears presence,
// unread, and typing state, cancels every subscription and timer, and
// stops the loop. Safe to call more than once and from any goroutine
// except a session update handler.
func (s *Session) Logout(ctx context.Context) error {
	s.logoutOnce.Do(func() {
		s.logoutErr = s.logout(ctx)
		close(s.loggedOut)
	})

	<-s.loggedOut

	return s.logoutErr
}

func (s *Session) logoutDetached() {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()

	if err := s.Logout(ctx); err != nil {
		s.logger.Warn("logout incomplete", slog.String("error", err.Error()))
	}
}

func (s *Session) logout(ctx context.Context) error {
	disconnectErr := s.conn.Disconnect(ctx)
	s.cancelLife()

	teardownErr := s.loop.Do(ctx, s.teardown)

	s.stopLoop()
	<-s.loop.Done()

	s.logger.Info("logged out", slog.String("identity", s.cfg.Identity))

	if disconnectErr != nil {
		return fmt.Errorf("logging out: %w", disconnectErr)
	}

	if teardownErr != nil {
		return fmt.Errorf("logging out: %w", teardownErr)
	}

	return nil
}

// teardown clears all session state. Loop only.
func (s *Session) teardown() {
	s.expiry.Stop()
	s.expiry = nil

	for _, conv := range s.conversations {
		s.closeConversation(conv)
	}

	s.focused = ""
	s.presence.Detach()
	s.unread.Reset()
	s.summaries = nil
	s.subs.Unsubscribe()
	s.closed = true

	s.updates.Publish(Update{Kind: UpdateLoggedOut})
	s.updates = Topic[Update]{}
}
