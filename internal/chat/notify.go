package chat

import (
	"log/slog"

	"github.com/alexjbarnes/feedchat/internal/models"
)

// recentWindow is how many message ids are remembered for duplicate
// suppression.
const recentWindow = 256

// Notification is an alert for one received message.
type Notification struct {
	Peer       string
	SenderName string
	MessageID  string
	Text       string
	Audible    bool

	open func()
}

// Open opens the message's conversation, focuses it, and clears its
// unread count in one step. Safe to call from any goroutine.
func (n Notification) Open() {
	if n.open != nil {
		n.open()
	}
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// recentIDs is a fixed-size window of ids seen most recently.
type recentIDs struct {
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{
		ring: make([]string, size),
		set:  make(map[string]struct{}, size),
	}
}

// add records id and reports whether it was new. Empty ids are always
// new.
func (r *recentIDs) add(id string) bool {
	if id == "" {
		return true
	}

	if _, ok := r.set[id]; ok {
		return false
	}

	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}

	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)

	return true
}

// NotificationDispatcher decides whether a received message raises a
// notification. Messages for the focused conversation never do, and no
// message raises more than one as long as callers pass it through Accept
// first.
type NotificationDispatcher struct {
	notifier Notifier
	audible  bool
	open     func(peer string)
	recent   *recentIDs
	logger   *slog.Logger
}

// NewNotificationDispatcher creates a dispatcher. open is called by
// Notification.Open and must be safe from any goroutine. A nil notifier
// disables notifications.
func NewNotificationDispatcher(notifier Notifier, audible bool, open func(peer string), logger *slog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		notifier: notifier,
		audible:  audible,
		open:     open,
		recent:   newRecentIDs(recentWindow),
		logger:   logger,
	}
}

// Accept records msg and reports whether it is the first delivery of its
// id. Repeats are neither counted nor notified. Loop only.
func (d *NotificationDispatcher) Accept(msg models.Message) bool {
	if !d.recent.add(msg.ID) {
		d.logger.Debug("ignoring repeat delivery", slog.String("message_id", msg.ID))
		return false
	}

	return true
}

// Dispatch notifies about msg from peer unless peer is focused. It
// reports whether a notification was raised. Loop only.
func (d *NotificationDispatcher) Dispatch(msg models.Message, peer, focused string) bool {
	if d.notifier == nil || peer == "" || peer == focused {
		return false
	}

	name := msg.SenderName
	if name == "" {
		name = peer
	}

	d.notifier.Notify(Notification{
		Peer:       peer,
		SenderName: name,
		MessageID:  msg.ID,
		Text:       msg.Text,
		Audible:    d.audible,
		open: func() {
			if d.open != nil {
				d.open(peer)
			}
		},
	})

	return true
}
