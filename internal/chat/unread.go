package chat

import "maps"

// UnreadSnapshot is a point-in-time copy of the unread counts.
type UnreadSnapshot struct {
	Counts map[string]int
	Total  int
}

// UnreadAggregator counts unread messages per peer across every open
// conversation. The total is maintained with each mutation, so it always
// equals the sum of the counts.
type UnreadAggregator struct {
	counts map[string]int
	total  int
	active string

	// OnChange receives a snapshot after every change.
	OnChange Topic[UnreadSnapshot]
}

// NewUnreadAggregator returns an empty aggregator. Loop only.
func NewUnreadAggregator() *UnreadAggregator {
	return &UnreadAggregator{counts: make(map[string]int)}
}

// Record counts one received message from peer. Messages for the active
// conversation are not counted. It reports whether the count changed.
func (u *UnreadAggregator) Record(peer string) bool {
	if peer == "" || peer == u.active {
		return false
	}

	u.counts[peer]++
	u.total++
	u.OnChange.Publish(u.Snapshot())

	return true
}

// Clear removes peer's entry entirely.
func (u *UnreadAggregator) Clear(peer string) {
	n, ok := u.counts[peer]
	if !ok {
		return
	}

	delete(u.counts, peer)
	u.total -= n
	u.OnChange.Publish(u.Snapshot())
}

// SetActive marks peer's conversation as the one the user is looking at
// and clears its entry. An empty peer means no conversation is active.
func (u *UnreadAggregator) SetActive(peer string) {
	u.active = peer
	u.Clear(peer)
}

// Active returns the active peer.
func (u *UnreadAggregator) Active() string {
	return u.active
}

// Count returns peer's unread count.
func (u *UnreadAggregator) Count(peer string) int {
	return u.counts[peer]
}

// Total returns the sum of all counts.
func (u *UnreadAggregator) Total() int {
	return u.total
}

// Snapshot returns a copy of the counts and the total.
func (u *UnreadAggregator) Snapshot() UnreadSnapshot {
	return UnreadSnapshot{Counts: maps.Clone(u.counts), Total: u.total}
}

// Reset discards every entry and the active peer.
func (u *UnreadAggregator) Reset() {
	u.active = ""

	if len(u.counts) == 0 {
		return
	}

	clear(u.counts)
	u.total = 0
	u.OnChange.Publish(u.Snapshot())
}
