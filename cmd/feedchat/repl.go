package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/alexjbarnes/feedchat/internal/chat"
	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
	"github.com/alexjbarnes/feedchat/internal/state"
)

const helpText = `commands:
  /open <peer>    open and focus a conversation
  /close [peer]   close a conversation (default: focused)
  /focus <peer>   focus an open conversation
  /blur           unfocus; new messages count as unread
  /go             open the conversation of the last notification
  /history [n]    show the last n messages of the focused conversation
  /online         list online peers
  /unread         show unread counts
  /list           list conversations
  /logout         log out and forget the cached token
  /quit           exit, keeping the cached token
anything else is sent to the focused conversation`

const defaultHistoryLines = 20

// errQuit ends the REPL without an error.
var errQuit = errors.New("quit")

type repl struct {
	session *chat.Session
	state   *state.State
	term    *terminal
	logger  *slog.Logger

	// stayOnEOF keeps the process serving (MCP) after stdin closes.
	stayOnEOF bool
}

// run reads commands from in until EOF, /quit, /logout, or ctx is done.
// It returns errQuit when the user ends the program.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.term.println("type /help for commands")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if r.stayOnEOF {
					lines = nil
					continue
				}

				return errQuit
			}

			err := r.handle(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				return errQuit
			case errors.Is(err, chaterrors.ErrSessionClosed):
				return errSessionEnded
			case err != nil:
				r.term.printf("error: %v\n", err)
			}
		}
	}
}

// handle runs one input line.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help":
		r.term.println(helpText)
		return nil
	case "open":
		return r.open(ctx, arg)
	case "close":
		return r.close(ctx, arg)
	case "focus":
		return r.focus(ctx, arg)
	case "blur":
		if err := r.session.Blur(ctx); err != nil {
			return err
		}

		r.term.setFocused("")

		return nil
	case "go":
		n, ok := r.term.lastNotification()
		if !ok {
			return errors.New("no notifications yet")
		}

		return r.open(ctx, n.Peer)
	case "history":
		return r.history(ctx, arg)
	case "online":
		return r.online(ctx)
	case "unread":
		return r.unread(ctx)
	case "list":
		return r.list(ctx)
	case "logout":
		return r.logout(ctx)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd)
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	peer, err := r.session.Focused(ctx)
	if err != nil {
		return err
	}

	if peer == "" {
		return errors.New("no conversation focused, use /open <peer>")
	}

	if err := r.session.Keystroke(ctx, peer); err != nil {
		return err
	}

	_, err = r.session.Send(ctx, peer, text)
	if errors.Is(err, chaterrors.ErrNotConnected) {
		return errors.New("not connected, message not sent")
	}

	return err
}

func (r *repl) open(ctx context.Context, peer string) error {
	if peer == "" {
		return errors.New("usage: /open <peer>")
	}

	if err := r.session.Open(ctx, peer); err != nil {
		return err
	}

	r.term.setFocused(peer)
	r.term.printf("-- %s --\n", r.term.name(peer))

	return r.history(ctx, "")
}

func (r *repl) close(ctx context.Context, peer string) error {
	focused, err := r.session.Focused(ctx)
	if err != nil {
		return err
	}

	if peer == "" {
		peer = focused
	}

	if peer == "" {
		return errors.New("usage: /close <peer>")
	}

	if err := r.session.Close(ctx, peer); err != nil {
		return err
	}

	if peer == focused {
		r.term.setFocused("")
	}

	return nil
}

func (r *repl) focus(ctx context.Context, peer string) error {
	if peer == "" {
		return errors.New("usage: /focus <peer>")
	}

	if err := r.session.Focus(ctx, peer); err != nil {
		return err
	}

	r.term.setFocused(peer)

	return nil
}

func (r *repl) history(ctx context.Context, arg string) error {
	limit := defaultHistoryLines

	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", arg)
		}

		limit = n
	}

	peer, err := r.session.Focused(ctx)
	if err != nil {
		return err
	}

	if peer == "" {
		return errors.New("no conversation focused")
	}

	msgs, err := r.session.Messages(ctx, peer)
	if err != nil {
		return err
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	for _, m := range msgs {
		r.term.println(r.term.format(m))
	}

	return nil
}

func (r *repl) online(ctx context.Context) error {
	ids, err := r.session.Online(ctx)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		r.term.println("nobody online")
		return nil
	}

	for _, id := range ids {
		r.term.printf("  %s (%s)\n", r.term.name(id), id)
	}

	return nil
}

func (r *repl) unread(ctx context.Context) error {
	snap, err := r.session.Unread(ctx)
	if err != nil {
		return err
	}

	peers := make([]string, 0, len(snap.Counts))
	for peer := range snap.Counts {
		peers = append(peers, peer)
	}

	slices.Sort(peers)

	for _, peer := range peers {
		r.term.printf("  %s: %d\n", r.term.name(peer), snap.Counts[peer])
	}

	r.term.printf("total unread: %d\n", snap.Total)

	return nil
}

func (r *repl) list(ctx context.Context) error {
	list, err := r.session.Conversations(ctx)
	if err != nil {
		if len(list) == 0 {
			return err
		}

		r.term.printf("(offline, showing cached list: %v)\n", err)
	}

	self := r.session.Identity()

	for _, c := range list {
		var names []string

		for _, p := range c.Peers {
			if p.ID == self {
				continue
			}

			r.term.remember(p)
			names = append(names, fmt.Sprintf("%s (%s)", r.term.name(p.ID), p.ID))

			if err := r.state.SavePeer(p); err != nil {
				r.logger.Warn("failed to save peer", slog.String("error", err.Error()))
			}
		}

		line := "  " + strings.Join(names, ", ")
		if c.LastMessage != nil {
			line += ": " + preview(c.LastMessage.Text)
		}

		r.term.println(line)
	}

	return nil
}

func (r *repl) logout(ctx context.Context) error {
	if err := r.session.Logout(ctx); err != nil {
		r.logger.Warn("logout incomplete", slog.String("error", err.Error()))
	}

	if err := r.state.Clear(); err != nil {
		return fmt.Errorf("clearing cached login: %w", err)
	}

	return errQuit
}
