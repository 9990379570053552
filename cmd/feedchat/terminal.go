package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alexjbarnes/feedchat/internal/chat"
	"github.com/alexjbarnes/feedchat/internal/models"
)

const previewLen = 60

// terminal renders session updates and notifications as lines of text.
// Notify and render run on the session loop; the REPL calls the rest.
type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	names   map[string]string
	focused string
	last    *chat.Notification
}

func newTerminal(out io.Writer, self string) *terminal {
	return &terminal{out: out, self: self, names: make(map[string]string)}
}

// remember records a display name for a user id.
func (t *terminal) remember(u models.User) {
	if u.ID == "" || u.Name == "" {
		return
	}

	t.mu.Lock()
	t.names[u.ID] = u.Name
	t.mu.Unlock()
}

func (t *terminal) name(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.nameLocked(id)
}

func (t *terminal) nameLocked(id string) string {
	if id == t.self {
		return "you"
	}

	if n, ok := t.names[id]; ok {
		return n
	}

	return id
}

func (t *terminal) setFocused(peer string) {
	t.mu.Lock()
	t.focused = peer
	t.mu.Unlock()
}

func (t *terminal) lastNotification() (chat.Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last == nil {
		return chat.Notification{}, false
	}

	return *t.last, true
}

// Notify implements chat.Notifier.
func (t *terminal) Notify(n chat.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.SenderName != "" {
		t.names[n.Peer] = n.SenderName
	}

	t.last = &n

	if n.Audible {
		fmt.Fprint(t.out, "\a")
	}

	fmt.Fprintf(t.out, "* %s: %s  (/go to reply)\n", t.nameLocked(n.Peer), preview(n.Text))
}

func (t *terminal) render(u chat.Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch u.Kind {
	case chat.UpdateState:
		fmt.Fprintf(t.out, "-- %s --\n", u.State)
	case chat.UpdateMessage:
		if u.Message.SenderName != "" && u.Message.Sender != t.self {
			t.names[u.Message.Sender] = u.Message.SenderName
		}

		if u.Peer == t.focused {
			fmt.Fprintln(t.out, t.formatLocked(u.Message))
		}
	case chat.UpdateHistory:
		if u.Peer == t.focused {
			fmt.Fprintf(t.out, "-- history with %s loaded, /history to show --\n", t.nameLocked(u.Peer))
		}
	case chat.UpdateTyping:
		if u.Peer == t.focused && u.Typing {
			fmt.Fprintf(t.out, "-- %s is typing --\n", t.nameLocked(u.Peer))
		}
	case chat.UpdateLoggedOut:
		fmt.Fprintln(t.out, "-- logged out --")
	}
}

func (t *terminal) format(m models.Message) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.formatLocked(m)
}

func (t *terminal) formatLocked(m models.Message) string {
	var b strings.Builder

	if !m.CreatedAt.IsZero() {
		b.WriteString(m.CreatedAt.Local().Format("15:04 "))
	}

	b.WriteString(t.nameLocked(m.Sender))
	b.WriteString(": ")
	b.WriteString(m.Text)

	switch {
	case m.Failed:
		b.WriteString("  (not sent)")
	case m.Pending:
		b.WriteString("  (sending)")
	}

	return b.String()
}

// println writes a line under the terminal lock so it does not
// interleave with updates.
func (t *terminal) println(a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintln(t.out, a...)
}

func (t *terminal) printf(format string, a ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, format, a...)
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")

	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}

	return string(r[:previewLen-1]) + "…"
}
