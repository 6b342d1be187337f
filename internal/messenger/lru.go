package messenger

import "container/list"

// seenIDs is the in-memory LRU a push-based adapter uses to suppress
// duplicate redelivery (e.g. WebSocket reconnect replay). Scoped to the
// process lifetime: a restart loses it, which is fine per SPEC_FULL.md's
// open-question decision — the composite-key message upsert and the bot-
// prefix filter cover the durability gap. No external LRU dependency is
// warranted for a capacity this small; stdlib container/list + a map is
// the whole implementation.
type seenIDs struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newSeenIDs(capacity int) *seenIDs {
	if capacity <= 0 {
		capacity = 1000
	}
	return &seenIDs{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// seen reports whether id was already recorded, and records it if not,
// evicting the oldest entry once capacity is exceeded.
func (s *seenIDs) seen(id string) bool {
	if el, ok := s.index[id]; ok {
		s.order.MoveToFront(el)
		return true
	}
	el := s.order.PushFront(id)
	s.index[id] = el
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(string))
		}
	}
	return false
}
