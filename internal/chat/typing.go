package chat

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingDebounce is the outbound debounce window. Inbound typing
// state expires after typingExpiryFactor windows without a signal.
const DefaultTypingDebounce = time.Second

const typingExpiryFactor = 3

// TypingCoordinator tracks typing state for one open conversation.
//
// Outbound, the first keystroke in a debounce window emits typing=true
// and every keystroke restarts a single idle timer that emits
// typing=false when it fires. Inbound, a typing=true from the peer holds
// IsTyping for three windows unless refreshed or explicitly cleared.
type TypingCoordinator struct {
	loop     *Loop
	emit     Emitter
	peer     string
	debounce time.Duration
	logger   *slog.Logger

	limiter *rate.Limiter
	idle    *Timer

	typing bool
	expiry *Timer
	sub    Subscription

	// OnChange receives the peer's typing state whenever it flips.
	OnChange Topic[bool]
}

// NewTypingCoordinator attaches a coordinator for peer to the bus's
// typing signals. Loop only.
func NewTypingCoordinator(loop *Loop, bus *Bus, emit Emitter, peer string, debounce time.Duration, logger *slog.Logger) *TypingCoordinator {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}

	t := &TypingCoordinator{
		loop:     loop,
		emit:     emit,
		peer:     peer,
		debounce: debounce,
		logger:   logger,
		limiter:  newTypingLimiter(debounce),
	}
	t.sub = bus.Typing.Subscribe(t.handleSignal)

	return t
}

func newTypingLimiter(debounce time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(debounce), 1)
}

// Keystroke records local input for this conversation.
func (t *TypingCoordinator) Keystroke() {
	if t.limiter.Allow() {
		t.send(true)
	}

	t.idle.Stop()
	t.idle = t.loop.AfterFunc(t.debounce, t.idleExpired)
}

// Sent is called when a message is sent. If the local user is still
// marked as typing, typing=false goes out immediately and the idle timer
// is cancelled.
func (t *TypingCoordinator) Sent() {
	if !t.idle.Stop() {
		return
	}

	t.idle = nil
	t.send(false)
	t.limiter = newTypingLimiter(t.debounce)
}

// IsTyping reports whether the peer is currently typing.
func (t *TypingCoordinator) IsTyping() bool {
	return t.typing
}

// Stop cancels both timers, clears the inbound state, and detaches from
// the bus. Safe to call more than once.
func (t *TypingCoordinator) Stop() {
	if t.sub != nil {
		t.sub.Unsubscribe()
		t.sub = nil
	}

	t.idle.Stop()
	t.idle = nil
	t.expiry.Stop()
	t.expiry = nil
	t.set(false)
}

func (t *TypingCoordinator) idleExpired() {
	t.idle = nil
	t.send(false)
	t.limiter = newTypingLimiter(t.debounce)
}

func (t *TypingCoordinator) send(typing bool) {
	if err := t.emit.Emit(EventTyping, TypingPayload{To: t.peer, Typing: typing}); err != nil {
		t.logger.Debug("typing signal not sent",
			slog.String("peer", t.peer),
			slog.Bool("typing", typing),
			slog.String("error", err.Error()),
		)
	}
}

func (t *TypingCoordinator) handleSignal(sig TypingSignal) {
	if sig.From != t.peer {
		return
	}

	t.expiry.Stop()
	t.expiry = nil

	if !sig.Typing {
		t.set(false)
		return
	}

	t.expiry = t.loop.AfterFunc(typingExpiryFactor*t.debounce, func() {
		t.expiry = nil
		t.set(false)
	})
	t.set(true)
}

func (t *TypingCoordinator) set(typing bool) {
	if t.typing == typing {
		return
	}

	t.typing = typing
	t.OnChange.Publish(typing)
}
