package realtime

import (
	"fmt"

	"go.uber.org/zap"
)

// Publisher publishes domain events to a target.
type Publisher interface {
	Publish(target Target, kind EventKind, payload any) int
}

// Router resolves targets to subscribed connections and delivers events to each of them once.
type Router struct {
	rooms   *RoomTable
	logger  *zap.Logger
	metrics *Metrics
}

// NewRouter constructs a router reading subscriptions from rooms.
func NewRouter(rooms *RoomTable, logger *zap.Logger, metrics *Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		rooms:   rooms,
		logger:  logger,
		metrics: metrics,
	}
}

// Publish delivers the event to every connection subscribed to any room of target
// and returns the number of connections that accepted it. Delivery failures are
// logged and counted but never returned: the caller's write already succeeded.
func (r *Router) Publish(target Target, kind EventKind, payload any) int {
	return r.PublishExcept(target, kind, payload, "")
}

// PublishExcept behaves like Publish but skips the connection identified by except.
func (r *Router) PublishExcept(target Target, kind EventKind, payload any, except ConnectionID) int {
	if kind == "" || len(target.Rooms) == 0 {
		return 0
	}
	recipients := r.resolve(target, except)
	if len(recipients) == 0 {
		return 0
	}

	event := Event{Kind: kind, Data: payload, Source: realtimeSourceServer}
	delivered := 0
	for _, conn := range recipients {
		if err := r.deliver(conn, event); err != nil {
			r.logger.Debug("realtime delivery failed",
				zap.String("connection_id", string(conn.ID())),
				zap.String("event", string(kind)),
				zap.Error(err))
			r.metrics.delivery(kind, target.Kind, deliveryResultFailed)
			continue
		}
		r.metrics.delivery(kind, target.Kind, deliveryResultSent)
		delivered++
	}
	return delivered
}

func (r *Router) resolve(target Target, except ConnectionID) []Conn {
	seen := make(map[ConnectionID]struct{})
	var recipients []Conn
	for _, room := range target.Rooms {
		for _, conn := range r.rooms.SubscribersOf(room) {
			id := conn.ID()
			if id == except {
				continue
			}
			if _, duplicate := seen[id]; duplicate {
				continue
			}
			seen[id] = struct{}{}
			recipients = append(recipients, conn)
		}
	}
	return recipients
}

func (r *Router) deliver(conn Conn, event Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("realtime: send panicked: %v", recovered)
		}
	}()
	return conn.Send(event)
}
