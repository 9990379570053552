package chat

import (
	"log/slog"
	"slices"
	"time"
)

// DefaultSnapshotTimeout is how long the tracker buffers deltas after a
// connect while waiting for the onlineUsers snapshot.
const DefaultSnapshotTimeout = 5 * time.Second

type presenceDelta struct {
	id     string
	online bool
}

// PresenceTracker maintains the set of online peers. It is rebuilt from
// the snapshot sent after every (re)connect and updated by deltas
// afterwards. Deltas that arrive before the snapshot are buffered and
// replayed on top of it, never discarded.
type PresenceTracker struct {
	loop    *Loop
	self    string
	timeout time.Duration
	logger  *slog.Logger

	online   map[string]struct{}
	awaiting bool
	buffered []presenceDelta
	timer    *Timer
	subs     Subscriptions

	// OnChange receives the sorted online set after every change.
	OnChange Topic[[]string]
}

// NewPresenceTracker subscribes a tracker to bus. Loop only.
func NewPresenceTracker(loop *Loop, bus *Bus, self string, timeout time.Duration, logger *slog.Logger) *PresenceTracker {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}

	p := &PresenceTracker{
		loop:    loop,
		self:    self,
		timeout: timeout,
		logger:  logger,
		online:  make(map[string]struct{}),
	}

	p.subs.Add(bus.State.Subscribe(p.handleState))
	p.subs.Add(bus.Snapshot.Subscribe(p.handleSnapshot))
	p.subs.Add(bus.Online.Subscribe(func(id string) { p.handleDelta(presenceDelta{id: id, online: true}) }))
	p.subs.Add(bus.Offline.Subscribe(func(id string) { p.handleDelta(presenceDelta{id: id, online: false}) }))

	return p
}

// Online returns the online peers, sorted.
func (p *PresenceTracker) Online() []string {
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Reset empties the set and cancels the snapshot timer.
func (p *PresenceTracker) Reset() {
	p.timer.Stop()
	p.timer = nil
	p.awaiting = false
	p.buffered = nil

	if len(p.online) > 0 {
		clear(p.online)
		p.OnChange.Publish(p.Online())
	}
}

// Detach removes the tracker from the bus and resets it.
func (p *PresenceTracker) Detach() {
	p.subs.Unsubscribe()
	p.Reset()
}

func (p *PresenceTracker) handleState(s ConnState) {
	switch s {
	case StateConnected:
		p.timer.Stop()
		p.awaiting = true
		p.buffered = nil
		p.timer = p.loop.AfterFunc(p.timeout, p.snapshotTimedOut)
	case StateClosed:
		p.Reset()
	case StateIdle, StateConnecting, StateReconnecting:
	}
}

func (p *PresenceTracker) handleSnapshot(ids []string) {
	p.timer.Stop()
	p.timer = nil

	clear(p.online)

	for _, id := range ids {
		if id != "" && id != p.self {
			p.online[id] = struct{}{}
		}
	}

	buffered := p.buffered
	p.buffered = nil
	p.awaiting = false

	for _, d := range buffered {
		p.apply(d)
	}

	p.logger.Debug("presence snapshot applied",
		slog.Int("online", len(p.online)),
		slog.Int("replayed", len(buffered)),
	)
	p.OnChange.Publish(p.Online())
}

func (p *PresenceTracker) handleDelta(d presenceDelta) {
	if p.awaiting {
		p.buffered = append(p.buffered, d)
		return
	}

	if p.apply(d) {
		p.OnChange.Publish(p.Online())
	}
}

func (p *PresenceTracker) snapshotTimedOut() {
	p.timer = nil

	if !p.awaiting {
		return
	}

	p.logger.Warn("no presence snapshot after connect, applying buffered deltas",
		slog.Duration("timeout", p.timeout),
		slog.Int("buffered", len(p.buffered)),
	)

	buffered := p.buffered
	p.buffered = nil
	p.awaiting = false

	changed := false
	for _, d := range buffered {
		changed = p.apply(d) || changed
	}

	if changed {
		p.OnChange.Publish(p.Online())
	}
}

// apply reports whether d changed the set.
func (p *PresenceTracker) apply(d presenceDelta) bool {
	if d.id == "" || d.id == p.self {
		return false
	}

	_, present := p.online[d.id]
	if d.online == present {
		return false
	}

	if d.online {
		p.online[d.id] = struct{}{}
	} else {
		delete(p.online, d.id)
	}

	return true
}
