package realtime

import (
	"slices"
	"sync"
)

// Transition is a presence edge computed atomically with the registry mutation that caused it.
// Seq increases monotonically across the registry so late asynchronous work can be discarded.
type Transition struct {
	UserID string
	Online bool
	Seq    uint64
}

type connectionEntry struct {
	conn   Conn
	userID string
}

// Registry maps live connections to user identities and users to their open connections.
type Registry struct {
	mu          sync.Mutex
	connections map[ConnectionID]*connectionEntry
	users       map[string]map[ConnectionID]Conn
	rooms       *RoomTable
	seq         uint64
	metrics     *Metrics
}

// NewRegistry constructs a registry that keeps personal-room subscriptions in rooms.
func NewRegistry(rooms *RoomTable, metrics *Metrics) *Registry {
	if rooms == nil {
		rooms = NewRoomTable(metrics)
	}
	return &Registry{
		connections: make(map[ConnectionID]*connectionEntry),
		users:       make(map[string]map[ConnectionID]Conn),
		rooms:       rooms,
		metrics:     metrics,
	}
}

// Register records a freshly accepted connection with no identity.
// It returns false for a nil handle or an id that is already registered.
func (r *Registry) Register(conn Conn) bool {
	if conn == nil || conn.ID() == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connections[conn.ID()]; exists {
		return false
	}
	r.connections[conn.ID()] = &connectionEntry{conn: conn}
	r.metrics.setConnections(len(r.connections))
	return true
}

// Authenticate binds userID to the connection and subscribes it to the user's personal room.
// Rebinding the same user is a no-op. Rebinding a different user releases the previous identity first.
// The returned transitions list the presence edges caused by the call, in the order they happened.
func (r *Registry) Authenticate(id ConnectionID, userID string) ([]Transition, bool) {
	if userID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	if entry.userID == userID {
		return nil, true
	}

	var transitions []Transition
	if previous := entry.userID; previous != "" {
		if transition, last := r.releaseLocked(id, entry); last {
			transitions = append(transitions, transition)
		}
		r.rooms.Leave(id, PersonalRoom(previous))
	}

	entry.userID = userID
	userConnections, ok := r.users[userID]
	if !ok {
		userConnections = make(map[ConnectionID]Conn)
		r.users[userID] = userConnections
	}
	first := len(userConnections) == 0
	userConnections[id] = entry.conn
	r.rooms.Join(entry.conn, PersonalRoom(userID))

	if first {
		r.seq++
		transitions = append(transitions, Transition{UserID: userID, Online: true, Seq: r.seq})
	}
	r.metrics.setOnlineUsers(len(r.users))
	return transitions, true
}

// Deauthenticate unbinds the connection's identity without closing it.
// The boolean reports whether this removed the user's last connection.
func (r *Registry) Deauthenticate(id ConnectionID) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.connections[id]
	if !ok || entry.userID == "" {
		return Transition{}, false
	}
	userID := entry.userID
	transition, last := r.releaseLocked(id, entry)
	r.rooms.Leave(id, PersonalRoom(userID))
	r.metrics.setOnlineUsers(len(r.users))
	return transition, last
}

// Unregister forgets the connection and drops all of its room subscriptions.
// Unknown ids are ignored. The boolean reports whether this was the user's last connection.
func (r *Registry) Unregister(id ConnectionID) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.connections[id]
	if !ok {
		return Transition{}, false
	}
	delete(r.connections, id)
	r.rooms.Purge(id)
	r.metrics.setConnections(len(r.connections))

	if entry.userID == "" {
		return Transition{}, false
	}
	transition, last := r.releaseLocked(id, entry)
	r.metrics.setOnlineUsers(len(r.users))
	return transition, last
}

// ConnectionsOf returns a snapshot of the user's open connections.
func (r *Registry) ConnectionsOf(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	userConnections := r.users[userID]
	if len(userConnections) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(userConnections))
	for _, conn := range userConnections {
		out = append(out, conn)
	}
	return out
}

// UserOf returns the identity bound to a connection.
func (r *Registry) UserOf(id ConnectionID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.connections[id]
	if !ok || entry.userID == "" {
		return "", false
	}
	return entry.userID, true
}

// IsOnline reports whether the user has at least one open connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// Users returns the ids of users with at least one authenticated connection, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.users))
	for userID := range r.users {
		out = append(out, userID)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// releaseLocked removes the entry's identity binding. Callers hold r.mu.
func (r *Registry) releaseLocked(id ConnectionID, entry *connectionEntry) (Transition, bool) {
	userID := entry.userID
	entry.userID = ""

	userConnections := r.users[userID]
	if userConnections == nil {
		return Transition{UserID: userID}, false
	}
	delete(userConnections, id)
	if len(userConnections) > 0 {
		return Transition{UserID: userID}, false
	}
	delete(r.users, userID)
	r.seq++
	return Transition{UserID: userID, Online: false, Seq: r.seq}, true
}
