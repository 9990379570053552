package chat

import "github.com/alexjbarnes/feedchat/internal/models"

// Subscription detaches one handler from a topic.
type Subscription interface {
	Unsubscribe()
}

// Topic is a many-listener event source. Handlers run in subscription
// order. Loop only.
type Topic[T any] struct {
	next uint64
	subs []topicSub[T]
}

type topicSub[T any] struct {
	id uint64
	fn func(T)
}

type topicHandle[T any] struct {
	topic *Topic[T]
	id    uint64
}

// Subscribe attaches fn and returns a handle that removes exactly this
// handler.
func (t *Topic[T]) Subscribe(fn func(T)) Subscription {
	t.next++
	t.subs = append(t.subs, topicSub[T]{id: t.next, fn: fn})

	return &topicHandle[T]{topic: t, id: t.next}
}

// Unsubscribe is idempotent.
func (h *topicHandle[T]) Unsubscribe() {
	if h.topic == nil {
		return
	}

	subs := h.topic.subs
	for i, s := range subs {
		if s.id == h.id {
			// Copy rather than splice in place: a Publish in progress
			// iterates the old slice.
			h.topic.subs = append(append([]topicSub[T](nil), subs[:i]...), subs[i+1:]...)
			break
		}
	}

	h.topic = nil
}

// Publish delivers v to every handler subscribed when Publish was
// called. A handler unsubscribed during delivery is skipped if its turn
// has not come yet.
func (t *Topic[T]) Publish(v T) {
	subs := t.subs
	for _, s := range subs {
		if !t.has(s.id) {
			continue
		}

		s.fn(v)
	}
}

func (t *Topic[T]) has(id uint64) bool {
	for _, s := range t.subs {
		if s.id == id {
			return true
		}
	}

	return false
}

// Len returns the number of handlers.
func (t *Topic[T]) Len() int {
	return len(t.subs)
}

// Subscriptions collects handles so an owner can detach everything it
// attached in one call.
type Subscriptions []Subscription

// Add records s.
func (ss *Subscriptions) Add(s Subscription) {
	*ss = append(*ss, s)
}

// Unsubscribe detaches every recorded handle.
func (ss *Subscriptions) Unsubscribe() {
	for _, s := range *ss {
		s.Unsubscribe()
	}

	*ss = nil
}

// TypingSignal is an inbound typing event from a peer.
type TypingSignal struct {
	From   string
	Typing bool
}

// Bus carries decoded connection events to every subscribed component.
type Bus struct {
	State    Topic[ConnState]
	Messages Topic[models.Message]
	Typing   Topic[TypingSignal]
	Online   Topic[string]
	Offline  Topic[string]
	Snapshot Topic[[]string]
}
