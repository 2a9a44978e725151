package realtime

import (
	"sync"
)

// RoomTable tracks which live connections listen to which rooms.
// It is the single source of truth for fanout; transports never keep their own room sets.
type RoomTable struct {
	mu          sync.RWMutex
	rooms       map[RoomID]map[ConnectionID]Conn
	memberships map[ConnectionID]map[RoomID]struct{}
	metrics     *Metrics
}

// NewRoomTable returns an empty table. A nil metrics value disables instrumentation.
func NewRoomTable(metrics *Metrics) *RoomTable {
	return &RoomTable{
		rooms:       make(map[RoomID]map[ConnectionID]Conn),
		memberships: make(map[ConnectionID]map[RoomID]struct{}),
		metrics:     metrics,
	}
}

// Join subscribes conn to every room and reports how many subscriptions were new.
func (t *RoomTable) Join(conn Conn, rooms ...RoomID) int {
	if conn == nil || len(rooms) == 0 {
		return 0
	}
	id := conn.ID()

	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, room := range rooms {
		if room == "" {
			continue
		}
		subscribers, ok := t.rooms[room]
		if !ok {
			subscribers = make(map[ConnectionID]Conn)
			t.rooms[room] = subscribers
		}
		if _, exists := subscribers[id]; exists {
			continue
		}
		subscribers[id] = conn

		joined, ok := t.memberships[id]
		if !ok {
			joined = make(map[RoomID]struct{})
			t.memberships[id] = joined
		}
		joined[room] = struct{}{}
		added++
	}
	t.metrics.addSubscriptions(added)
	return added
}

// Leave removes one subscription. It reports false when the connection was not subscribed.
func (t *RoomTable) Leave(id ConnectionID, room RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.removeLocked(id, room) {
		return false
	}
	t.metrics.addSubscriptions(-1)
	return true
}

// Purge drops every subscription held by a connection and returns the rooms it left.
func (t *RoomTable) Purge(id ConnectionID) []RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.memberships[id]
	if len(joined) == 0 {
		delete(t.memberships, id)
		return nil
	}
	left := make([]RoomID, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		t.removeLocked(id, room)
	}
	t.metrics.addSubscriptions(-len(left))
	return left
}

// CloseRoom drops every subscription to room and returns the connections that were listening.
func (t *RoomTable) CloseRoom(room RoomID) []ConnectionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	subscribers := t.rooms[room]
	if len(subscribers) == 0 {
		delete(t.rooms, room)
		return nil
	}
	removed := make([]ConnectionID, 0, len(subscribers))
	for id := range subscribers {
		removed = append(removed, id)
	}
	for _, id := range removed {
		t.removeLocked(id, room)
	}
	t.metrics.addSubscriptions(-len(removed))
	return removed
}

// SubscribersOf returns a snapshot of the connections subscribed to room.
func (t *RoomTable) SubscribersOf(room RoomID) []Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subscribers := t.rooms[room]
	if len(subscribers) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(subscribers))
	for _, conn := range subscribers {
		out = append(out, conn)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms a connection is subscribed to.
func (t *RoomTable) RoomsOf(id ConnectionID) []RoomID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	joined := t.memberships[id]
	if len(joined) == 0 {
		return nil
	}
	out := make([]RoomID, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	return out
}

// IsSubscribed reports whether the connection currently listens to room.
func (t *RoomTable) IsSubscribed(id ConnectionID, room RoomID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.memberships[id][room]
	return ok
}

// Count returns the number of connections subscribed to room.
func (t *RoomTable) Count(room RoomID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[room])
}

func (t *RoomTable) removeLocked(id ConnectionID, room RoomID) bool {
	joined, ok := t.memberships[id]
	if !ok {
		return false
	}
	if _, ok := joined[room]; !ok {
		return false
	}
	delete(joined, room)
	if len(joined) == 0 {
		delete(t.memberships, id)
	}
	if subscribers := t.rooms[room]; subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(t.rooms, room)
		}
	}
	return true
}
