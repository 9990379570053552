// Package chat is the realtime presence and conversation layer: one live
// connection per authenticated session, presence, typing state, optimistic
// message reconciliation, unread counts, and notification decisions.
//
// Every handler in this package runs on a single Loop goroutine. Components
// hold no locks of their own; they must only be touched from loop tasks.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	chaterrors "github.com/alexjbarnes/feedchat/internal/errors"
)

// loopQueueSize is the buffer of the task channel. Posting blocks only
// when this many tasks are waiting.
const loopQueueSize = 256

// Loop executes tasks one at a time on a single goroutine. Connection
// events, timer callbacks, and user actions are all posted here, so no
// two handlers ever run concurrently.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a loop. Call Run to start executing tasks.
func NewLoop(logger *slog.Logger) *Loop {
	return &Loop{
		tasks:  make(chan func(), loopQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes posted tasks until ctx is cancelled. Tasks still queued
// at that point are discarded.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-ctx.Done():
			return
		}
	}
}

// exec runs one task. A panicking handler is logged and dropped so one
// bad frame cannot stop every other component.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fn()
}

// Post enqueues fn. It returns false when the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be
// called from a loop task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return chaterrors.ErrSessionClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have been queued behind the shutdown.
		select {
		case <-finished:
			return nil
		default:
			return chaterrors.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a one-shot timer whose callback runs as a loop task. Stop and
// the callback both run on the loop, so a stopped timer never fires and a
// timer fires at most once.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc schedules fn to run on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}

			tm.stopped = true
			fn()
		})
	})

	return tm
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running. Safe on a nil Timer. Loop only.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}

	t.stopped = true
	t.t.Stop()

	return true
}

// Active reports whether the timer is still pending. Loop only.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped
}
