package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// State is the protocol state of one connection.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RoomAuthorizer decides whether a user may subscribe to a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID string, room RoomID) (bool, error)
}

// OnlinePayload acknowledges a successful authentication to the connection itself.
type OnlinePayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// RelayPayload wraps client data relayed to the other subscribers of a room.
type RelayPayload struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
	Data   any    `json:"data,omitempty"`
}

// Lifecycle drives one connection through Connected, Authenticated and Closed.
// Calls for a single connection are serialized; requests that are invalid in the
// current state are ignored.
type Lifecycle struct {
	hub    *Hub
	conn   Conn
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	userID string
}

// ID returns the connection id.
func (l *Lifecycle) ID() ConnectionID {
	return l.conn.ID()
}

// State returns the current protocol state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// UserID returns the bound identity, empty until authenticated.
func (l *Lifecycle) UserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}

// Authenticate binds userID to the connection, joins its personal room and
// starts presence work on a first connection.
func (l *Lifecycle) Authenticate(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed || userID == "" {
		return false
	}
	id := l.conn.ID()
	if l.userID != "" && l.userID != userID {
		// channel subscriptions belong to the previous identity
		l.hub.rooms.Purge(id)
	}
	transitions, ok := l.hub.registry.Authenticate(id, userID)
	if !ok {
		return false
	}
	l.userID = userID
	l.state = StateAuthenticated
	l.hub.applyTransitions(transitions)

	if err := l.conn.Send(Event{
		Kind:   EventOnline,
		Data:   OnlinePayload{UserID: userID, ConnectionID: string(id)},
		Source: realtimeSourceServer,
	}); err != nil {
		l.logger.Debug("online acknowledgement not delivered", zap.Error(err))
	}
	l.logger.Debug("connection authenticated", zap.String("user_id", userID))
	return true
}

// Logout unbinds the identity while keeping the connection open.
func (l *Lifecycle) Logout() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateAuthenticated {
		l.logger.Debug("ignoring offline request", zap.Stringer("state", l.state))
		return
	}
	id := l.conn.ID()
	l.hub.rooms.Purge(id)
	transition, last := l.hub.registry.Deauthenticate(id)
	if last {
		l.hub.presence.Apply(transition)
	}
	l.logger.Debug("connection logged out", zap.String("user_id", l.userID))
	l.userID = ""
	l.state = StateConnected
}

// Join subscribes the connection to rooms the authorizer accepts and returns how many were joined.
func (l *Lifecycle) Join(ctx context.Context, rooms ...string) int {
	userID, ok := l.authenticatedUser()
	if !ok {
		l.logger.Debug("ignoring join request from unauthenticated connection")
		return 0
	}

	generation := l.hub.evictions.Load()
	allowed := make([]RoomID, 0, len(rooms))
	for _, raw := range rooms {
		room := RoomID(raw)
		if room == "" {
			continue
		}
		if l.hub.authorize(ctx, userID, room) {
			allowed = append(allowed, room)
			continue
		}
		l.logger.Debug("room join refused", zap.String("user_id", userID), zap.String("room", raw))
	}
	if len(allowed) == 0 {
		return 0
	}

	l.mu.Lock()
	// the connection may have closed or changed identity while authorizing
	if l.state != StateAuthenticated || l.userID != userID {
		l.mu.Unlock()
		return 0
	}
	joined := l.hub.rooms.Join(l.conn, allowed...)
	l.mu.Unlock()

	if l.hub.evictions.Load() != generation {
		joined -= l.dropRevoked(ctx, userID, allowed)
	}
	return max(joined, 0)
}

// dropRevoked leaves the rooms userID is no longer authorized for. It closes the gap
// where an eviction lands between a successful authorization and the join.
func (l *Lifecycle) dropRevoked(ctx context.Context, userID string, rooms []RoomID) int {
	dropped := 0
	for _, room := range rooms {
		if l.hub.authorize(ctx, userID, room) {
			continue
		}
		if l.hub.rooms.Leave(l.conn.ID(), room) {
			l.logger.Debug("dropped join revoked while authorizing", zap.String("user_id", userID), zap.String("room", string(room)))
			dropped++
		}
	}
	return dropped
}

// Leave unsubscribes the connection from room. The personal room cannot be left.
func (l *Lifecycle) Leave(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateAuthenticated {
		l.logger.Debug("ignoring leave request", zap.Stringer("state", l.state))
		return false
	}
	if RoomID(room) == PersonalRoom(l.userID) {
		return false
	}
	return l.hub.rooms.Leave(l.conn.ID(), RoomID(room))
}

// Relay forwards client data to the other subscribers of a room the connection has joined.
func (l *Lifecycle) Relay(room string, data any) int {
	l.mu.Lock()
	state, userID := l.state, l.userID
	l.mu.Unlock()

	if state != StateAuthenticated {
		l.logger.Debug("ignoring relay request", zap.Stringer("state", state))
		return 0
	}
	id := l.conn.ID()
	if !l.hub.rooms.IsSubscribed(id, RoomID(room)) {
		l.logger.Debug("ignoring relay to room not joined", zap.String("room", room))
		return 0
	}
	return l.hub.router.PublishExcept(ToRoom(room), EventMessageRelay, RelayPayload{
		Room:   room,
		UserID: userID,
		Data:   data,
	}, id)
}

// Close purges the connection's rooms, unregisters it and starts offline work on the
// user's last connection. It is safe to call more than once.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	id := l.conn.ID()
	l.hub.rooms.Purge(id)
	transition, last := l.hub.registry.Unregister(id)
	if last {
		l.hub.presence.Apply(transition)
	}
	l.logger.Debug("connection closed", zap.String("user_id", l.userID))
}

func (l *Lifecycle) authenticatedUser() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateAuthenticated {
		return "", false
	}
	return l.userID, true
}
