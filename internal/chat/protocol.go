package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/feedchat/internal/models"
	"github.com/tidwall/gjson"
)

// Event names on the wire.
const (
	EventRegister         = "register"
	EventSendMessage      = "sendMessage"
	EventReceiveMessage   = "receiveMessage"
	EventTyping           = "typing"
	EventUserOnline       = "userOnline"
	EventUserOffline      = "userOffline"
	EventOnlineUsers      = "onlineUsers"
	EventManualDisconnect = "manualDisconnect"
)

// envelope is the frame format: {"event": "...", "data": ...}.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// SendMessagePayload is the data of an outbound sendMessage.
type SendMessagePayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
	ClientID   string `json:"clientId,omitempty"`
}

// TypingPayload is the data of an outbound typing event.
type TypingPayload struct {
	To     string `json:"to"`
	Typing bool   `json:"typing"`
}

// ProtocolError is a malformed or unknown inbound frame. The frame is
// dropped; no component state changes.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return "protocol error: " + e.Err.Error()
	}

	return fmt.Sprintf("protocol error in %q: %s", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func encodeFrame(event string, data any) ([]byte, error) {
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", event, err)
	}

	return frame, nil
}

// publishFrame decodes one inbound text frame and publishes it on the
// matching topic. Nothing is published when decoding fails.
func (b *Bus) publishFrame(data []byte) error {
	if !gjson.ValidBytes(data) {
		return &ProtocolError{Err: errors.New("frame is not valid JSON")}
	}

	root := gjson.ParseBytes(data)
	event := root.Get("event").String()
	payload := root.Get("data")

	switch event {
	case EventReceiveMessage:
		if !payload.IsObject() {
			return &ProtocolError{Event: event, Err: errors.New("data must be an object")}
		}

		var msg models.Message
		if err := json.Unmarshal([]byte(payload.Raw), &msg); err != nil {
			return &ProtocolError{Event: event, Err: err}
		}

		if msg.ReceiverID == "" {
			return &ProtocolError{Event: event, Err: errors.New("message has no receiver")}
		}

		b.Messages.Publish(msg)

	case EventTyping:
		from := payload.Get("from").String()
		typing := payload.Get("typing")

		if from == "" || (typing.Type != gjson.True && typing.Type != gjson.False) {
			return &ProtocolError{Event: event, Err: errors.New("typing needs from and a boolean typing")}
		}

		b.Typing.Publish(TypingSignal{From: from, Typing: typing.Bool()})

	case EventUserOnline, EventUserOffline:
		id := userIDOf(payload)
		if id == "" {
			return &ProtocolError{Event: event, Err: errors.New("missing userId")}
		}

		if event == EventUserOnline {
			b.Online.Publish(id)
		} else {
			b.Offline.Publish(id)
		}

	case EventOnlineUsers:
		if !payload.IsArray() {
			return &ProtocolError{Event: event, Err: errors.New("data must be an array")}
		}

		items := payload.Array()
		users := make([]string, 0, len(items))

		for _, item := range items {
			id := userIDOf(item)
			if id == "" {
				return &ProtocolError{Event: event, Err: fmt.Errorf("bad entry %s", item.Raw)}
			}

			users = append(users, id)
		}

		b.Snapshot.Publish(users)

	case "":
		return &ProtocolError{Err: errors.New("frame has no event name")}

	default:
		return &ProtocolError{Event: event, Err: errors.New("unknown event")}
	}

	return nil
}

// userIDOf accepts a bare id (string or number) or an object carrying
// userId or _id.
func userIDOf(r gjson.Result) string {
	switch r.Type {
	case gjson.String, gjson.Number:
		return r.String()
	case gjson.JSON:
		if r.IsObject() {
			if id := r.Get("userId"); id.Exists() {
				return id.String()
			}

			return r.Get("_id").String()
		}
	}

	return ""
}
