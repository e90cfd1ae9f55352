package storage

import "finsync/internal/core"

// Change operations delivered to subscribers.
const (
	OpUpserted     = "upserted"
	OpDeleted      = "deleted"
	OpStateChanged = "state_changed"
)

// Change tells a subscriber that something of Kind changed. LocalID is empty
// for bulk changes; subscribers are expected to re-run their query either way.
type Change struct {
	Kind    core.EntityKind
	LocalID string
	Op      string
}

const subscriberBuffer = 16

// Subscribe returns a channel of changes to records of kind and a cancel func.
// Notifications are sent after commit and dropped for subscribers whose buffer
// is full, so a slow reader never blocks a writer.
func (s *Store) Subscribe(kind core.EntityKind) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[kind] == nil {
		s.subs[kind] = make(map[int]chan Change)
	}
	s.subs[kind][id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if m, ok := s.subs[kind]; ok {
			if c, ok := m[id]; ok {
				delete(m, id)
				close(c)
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(kind core.EntityKind, localID, op string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs[kind] {
		select {
		case ch <- Change{Kind: kind, LocalID: localID, Op: op}:
		default:
		}
	}
}
