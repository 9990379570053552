// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// User is a profile as returned by the REST backend.
type User struct {
	ID    string `json:"_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Message is a single chat message. ID is empty for an optimistic local
// copy until the server echo confirms it.
type Message struct {
	ID         string    `json:"_id,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`

	// Pending is true until the server echo for a local send arrives.
	Pending bool `json:"-"`
	// Failed marks a local send that was dropped because the connection
	// was down. The copy stays rendered; delivery is not retried.
	Failed bool `json:"-"`
}

// Peer returns the other participant of the message relative to self.
func (m Message) Peer(self string) string {
	if m.Sender == self {
		return m.ReceiverID
	}

	return m.Sender
}

// UnmarshalJSON accepts the backend's two shapes for sender and
// receiver: a bare id (string or number) or a populated user object.
func (m *Message) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid message JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("message must be a JSON object, got %s", root.Type)
	}

	sender := root.Get("sender")
	if sender.IsObject() {
		m.Sender = sender.Get("_id").String()
		m.SenderName = sender.Get("name").String()
	} else {
		m.Sender = sender.String()
		m.SenderName = root.Get("senderName").String()
	}

	receiver := root.Get("receiverId")
	if !receiver.Exists() {
		receiver = root.Get("receiver")
	}

	if receiver.IsObject() {
		m.ReceiverID = receiver.Get("_id").String()
	} else {
		m.ReceiverID = receiver.String()
	}

	m.ID = root.Get("_id").String()
	m.ClientID = root.Get("clientId").String()
	m.Text = root.Get("text").String()
	m.CreatedAt = time.Time{}

	if ts := root.Get("createdAt"); ts.Exists() && ts.Type != gjson.Null {
		var t time.Time
		if err := json.Unmarshal([]byte(ts.Raw), &t); err != nil {
			return fmt.Errorf("parsing createdAt: %w", err)
		}

		m.CreatedAt = t
	}

	if m.Sender == "" {
		return fmt.Errorf("message has no sender")
	}

	return nil
}

// ConversationSummary is one entry of the conversation list.
type ConversationSummary struct {
	Peers       []User   `json:"peers"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}
