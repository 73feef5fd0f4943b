package stratakv

import "github.com/stratakv/stratakv/internal/keys"

// Snapshot pins a point-in-time view of the store. Reads through a
// snapshot see exactly the state as of its creation, regardless of
// later writes and compactions. A snapshot holds resources (compaction
// may not reclaim entries it can see) and must be released.
type Snapshot struct {
	seq keys.Seq

	prev, next *Snapshot
}

// snapshotList is a doubly linked sentinel list, oldest first. Guarded
// by DB.mu.
type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.prev = &l.root
	l.root.next = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

func (l *snapshotList) push(seq keys.Seq) *Snapshot {
	s := &Snapshot{seq: seq}
	s.prev = l.root.prev
	s.next = &l.root
	s.prev.next = s
	s.next.prev = s
	return s
}

func (l *snapshotList) remove(s *Snapshot) {
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}
