package chat

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// ReceiveResult describes what Receive did with a message.
type ReceiveResult int

const (
	// Rejected: the message belongs to another conversation.
	Rejected ReceiveResult = iota
	// Duplicate: the server id is already in the conversation.
	Duplicate
	// Confirmed: the message was the echo of a pending local send.
	Confirmed
	// Appended: the message is new and was added to the end.
	Appended
)

func (r ReceiveResult) String() string {
	switch r {
	case Rejected:
		return "rejected"
	case Duplicate:
		return "duplicate"
	case Confirmed:
		return "confirmed"
	case Appended:
		return "appended"
	default:
		return fmt.Sprintf("ReceiveResult(%d)", int(r))
	}
}

// MessageReconciler holds the message sequence of one conversation and
// keeps exactly one copy of each logical message in it. Local sends are
// appended immediately as pending copies carrying a client id, and the
// server echo confirms the pending copy in place instead of appending.
type MessageReconciler struct {
	emit   Emitter
	self   string
	peer   string
	logger *slog.Logger
	now    func() time.Time

	messages []models.Message
	ids      map[string]struct{}
}

// NewMessageReconciler creates an empty conversation between self and
// peer. Loop only.
func NewMessageReconciler(emit Emitter, self, peer string, logger *slog.Logger) *MessageReconciler {
	return &MessageReconciler{
		emit:   emit,
		self:   self,
		peer:   peer,
		logger: logger,
		now:    time.Now,
		ids:    make(map[string]struct{}),
	}
}

// Messages returns a copy of the sequence in arrival order.
func (r *MessageReconciler) Messages() []models.Message {
	return slices.Clone(r.messages)
}

// Len returns the number of messages.
func (r *MessageReconciler) Len() int {
	return len(r.messages)
}

// Send appends an optimistic copy of text and emits it. When the emit is
// dropped the copy is kept and marked Failed, and the emit error is
// returned alongside it.
func (r *MessageReconciler) Send(text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, chaterrors.ErrEmptyMessage
	}

	msg := models.Message{
		ClientID:   uuid.NewString(),
		Sender:     r.self,
		ReceiverID: r.peer,
		Text:       norm.NFC.String(text),
		CreatedAt:  r.now(),
		Pending:    true,
	}

	err := r.emit.Emit(EventSendMessage, SendMessagePayload{
		SenderID:   msg.Sender,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		ClientID:   msg.ClientID,
	})
	if err != nil {
		msg.Pending = false
		msg.Failed = true

		r.logger.Warn("message not sent",
			slog.String("peer", r.peer),
			slog.String("client_id", msg.ClientID),
			slog.String("error", err.Error()),
		)
	}

	r.messages = append(r.messages, msg)

	return msg, err
}

// Receive applies one delivered message.
func (r *MessageReconciler) Receive(msg models.Message) ReceiveResult {
	if !r.belongs(msg) {
		return Rejected
	}

	if msg.ID != "" {
		if _, dup := r.ids[msg.ID]; dup {
			// A copy that came from history has no client id; its
			// pending twin is dropped so one remains. A confirmed
			// local send already accounts for this echo.
			if msg.Sender == r.self && r.fromHistory(msg.ID) {
				if i := r.matchPending(msg); i >= 0 {
					r.messages = slices.Delete(r.messages, i, i+1)
				}
			}

			return Duplicate
		}
	}

	if msg.Sender == r.self {
		if i := r.matchPending(msg); i >= 0 {
			local := &r.messages[i]
			local.ID = msg.ID
			local.Pending = false

			if !msg.CreatedAt.IsZero() {
				local.CreatedAt = msg.CreatedAt
			}

			if msg.ID != "" {
				r.ids[msg.ID] = struct{}{}
			}

			return Confirmed
		}
	}

	r.messages = append(r.messages, msg)

	if msg.ID != "" {
		r.ids[msg.ID] = struct{}{}
	}

	return Appended
}

// MergeHistory replaces the sequence with history, then re-appends, in
// their existing order, entries the history does not contain. Live
// arrivals and local sends made while the fetch was in flight survive.
func (r *MessageReconciler) MergeHistory(history []models.Message) {
	merged := make([]models.Message, 0, len(history)+len(r.messages))
	ids := make(map[string]struct{}, len(history)+len(r.messages))
	clientIDs := make(map[string]struct{})

	// Confirmed local sends keep their client id through a reload.
	confirmed := make(map[string]string)
	for _, m := range r.messages {
		if m.ID != "" && m.ClientID != "" {
			confirmed[m.ID] = m.ClientID
		}
	}

	for _, m := range history {
		if !r.belongs(m) {
			continue
		}

		if m.ID != "" {
			if _, dup := ids[m.ID]; dup {
				continue
			}

			ids[m.ID] = struct{}{}

			if m.ClientID == "" {
				m.ClientID = confirmed[m.ID]
			}
		}

		if m.ClientID != "" {
			clientIDs[m.ClientID] = struct{}{}
		}

		merged = append(merged, m)
	}

	kept := 0

	for _, m := range r.messages {
		if m.ID != "" {
			if _, ok := ids[m.ID]; ok {
				continue
			}

			ids[m.ID] = struct{}{}
		}

		if m.ClientID != "" {
			if _, ok := clientIDs[m.ClientID]; ok {
				continue
			}
		}

		merged = append(merged, m)
		kept++
	}

	r.messages = merged
	r.ids = ids

	r.logger.Debug("history merged",
		slog.String("peer", r.peer),
		slog.Int("history", len(history)),
		slog.Int("kept", kept),
	)
}

// belongs reports whether msg is between self and peer in either
// direction.
func (r *MessageReconciler) belongs(msg models.Message) bool {
	return (msg.Sender == r.peer && msg.ReceiverID == r.self) ||
		(msg.Sender == r.self && msg.ReceiverID == r.peer)
}

// fromHistory reports whether the entry holding id was not confirmed
// from a local send.
func (r *MessageReconciler) fromHistory(id string) bool {
	i := slices.IndexFunc(r.messages, func(m models.Message) bool { return m.ID == id })
	return i >= 0 && r.messages[i].ClientID == ""
}

// matchPending finds the pending copy an echo confirms: by client id
// when the echo carries one, otherwise the oldest pending copy with the
// same normalized text and receiver.
func (r *MessageReconciler) matchPending(echo models.Message) int {
	if echo.ClientID != "" {
		for i, m := range r.messages {
			if m.Pending && m.ClientID == echo.ClientID {
				return i
			}
		}

		return -1
	}

	text := norm.NFC.String(echo.Text)

	for i, m := range r.messages {
		if m.Pending && m.ReceiverID == echo.ReceiverID && m.Text == text {
			return i
		}
	}

	return -1
}
