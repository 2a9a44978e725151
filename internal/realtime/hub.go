package realtime

import (
	"context"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// HubConfig wires the realtime hub.
type HubConfig struct {
	Directory  UserDirectory
	Authorizer RoomAuthorizer
	Logger     *zap.Logger
	Metrics    *Metrics
	Context    context.Context
}

// Hub owns the connection registry, the room table, the router and the presence tracker.
type Hub struct {
	registry   *Registry
	rooms      *RoomTable
	router     *Router
	presence   *Presence
	authorizer RoomAuthorizer
	logger     *zap.Logger

	// evictions changes whenever a user or room is removed server-side.
	// Joins authorized before a change are re-checked after they land.
	evictions *atomic.Uint64
}

// NewHub constructs a hub. Directory and Authorizer are optional.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rooms := NewRoomTable(cfg.Metrics)
	router := NewRouter(rooms, logger, cfg.Metrics)
	return &Hub{
		registry: NewRegistry(rooms, cfg.Metrics),
		rooms:    rooms,
		router:   router,
		presence: NewPresence(PresenceConfig{
			Directory: cfg.Directory,
			Publisher: router,
			Logger:    logger,
			Metrics:   cfg.Metrics,
			Context:   cfg.Context,
		}),
		authorizer: cfg.Authorizer,
		logger:     logger,
		evictions:  atomic.NewUint64(0),
	}
}

// Connect registers a transport connection and returns its lifecycle controller.
func (h *Hub) Connect(conn Conn) (*Lifecycle, bool) {
	if !h.registry.Register(conn) {
		return nil, false
	}
	return &Lifecycle{
		hub:    h,
		conn:   conn,
		logger: h.logger.With(zap.String("connection_id", string(conn.ID()))),
		state:  StateConnected,
	}, true
}

// Publish fans an event out to target. See Router.Publish.
func (h *Hub) Publish(target Target, kind EventKind, payload any) int {
	return h.router.Publish(target, kind, payload)
}

// PublishExcept fans an event out to target, skipping one connection.
func (h *Hub) PublishExcept(target Target, kind EventKind, payload any, except ConnectionID) int {
	return h.router.PublishExcept(target, kind, payload, except)
}

// EvictUser removes every connection of userID from room and returns how many left.
func (h *Hub) EvictUser(room, userID string) int {
	h.evictions.Inc()
	evicted := 0
	for _, conn := range h.registry.ConnectionsOf(userID) {
		if h.rooms.Leave(conn.ID(), RoomID(room)) {
			evicted++
		}
	}
	return evicted
}

// CloseRoom drops all subscriptions to room.
func (h *Hub) CloseRoom(room string) int {
	h.evictions.Inc()
	return len(h.rooms.CloseRoom(RoomID(room)))
}

// IsOnline reports whether the user currently has an authenticated connection.
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Rooms exposes the room membership table.
func (h *Hub) Rooms() *RoomTable {
	return h.rooms
}

// Wait blocks until queued presence work has drained.
func (h *Hub) Wait() {
	h.presence.Wait()
}

func (h *Hub) applyTransitions(transitions []Transition) {
	for _, transition := range transitions {
		h.presence.Apply(transition)
	}
}

func (h *Hub) authorize(ctx context.Context, userID string, room RoomID) bool {
	if room == PersonalRoom(userID) {
		return true
	}
	if h.authorizer == nil {
		return true
	}
	allowed, err := h.authorizer.CanJoin(ctx, userID, room)
	if err != nil {
		h.logger.Warn("room authorization failed",
			zap.String("user_id", userID),
			zap.String("room", string(room)),
			zap.Error(err))
		return false
	}
	return allowed
}
