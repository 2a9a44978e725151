package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	presenceOperationSetOnline = "set_online"
	presenceOperationFriendsOf = "friends_of"
)

// UserDirectory is the external store holding the authoritative presence flag and friend lists.
type UserDirectory interface {
	SetOnline(ctx context.Context, userID string, online bool) error
	FriendsOf(ctx context.Context, userID string) ([]string, error)
}

// PresencePayload is the data of friend online/offline events.
type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// PresenceConfig wires the presence tracker.
type PresenceConfig struct {
	Directory UserDirectory
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *Metrics
	Context   context.Context
}

// Presence persists online/offline edges and tells the user's friends about them.
// Work runs asynchronously, one goroutine per user with pending edges, so writes for
// the same user keep their order and no registry lock is held across I/O.
type Presence struct {
	directory UserDirectory
	publisher Publisher
	logger    *zap.Logger
	metrics   *Metrics
	ctx       context.Context

	mu      sync.Mutex
	queues  map[string][]Transition
	applied map[string]uint64
	wg      sync.WaitGroup
}

// NewPresence constructs a presence tracker.
func NewPresence(cfg PresenceConfig) *Presence {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Presence{
		directory: cfg.Directory,
		publisher: cfg.Publisher,
		logger:    logger,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		queues:    make(map[string][]Transition),
		applied:   make(map[string]uint64),
	}
}

// MarkOnline records the user's offline to online edge.
func (p *Presence) MarkOnline(userID string, seq uint64) {
	p.enqueue(Transition{UserID: userID, Online: true, Seq: seq})
}

// MarkOffline records the user's online to offline edge.
func (p *Presence) MarkOffline(userID string, seq uint64) {
	p.enqueue(Transition{UserID: userID, Online: false, Seq: seq})
}

// Apply dispatches a registry transition to MarkOnline or MarkOffline.
func (p *Presence) Apply(transition Transition) {
	p.enqueue(transition)
}

// Wait blocks until all queued presence work has finished.
func (p *Presence) Wait() {
	p.wg.Wait()
}

func (p *Presence) enqueue(transition Transition) {
	if transition.UserID == "" {
		return
	}
	p.mu.Lock()
	pending, running := p.queues[transition.UserID]
	p.queues[transition.UserID] = append(pending, transition)
	if running {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.drain(transition.UserID)
}

func (p *Presence) drain(userID string) {
	defer p.wg.Done()
	lastOffline := false
	for {
		p.mu.Lock()
		pending := p.queues[userID]
		if len(pending) == 0 {
			delete(p.queues, userID)
			// An offline user needs no watermark; sequence numbers keep growing.
			if lastOffline {
				delete(p.applied, userID)
			}
			p.mu.Unlock()
			return
		}
		next := pending[0]
		p.queues[userID] = pending[1:]
		stale := next.Seq != 0 && next.Seq <= p.applied[userID]
		if !stale && next.Seq != 0 {
			p.applied[userID] = next.Seq
		}
		p.mu.Unlock()

		if stale {
			p.logger.Debug("skipping superseded presence transition",
				zap.String("user_id", userID),
				zap.Bool("online", next.Online),
				zap.Uint64("seq", next.Seq))
			continue
		}
		lastOffline = !next.Online
		p.apply(next)
	}
}

func (p *Presence) apply(transition Transition) {
	p.metrics.transition(transition.Online)
	if p.directory == nil {
		return
	}

	if err := p.directory.SetOnline(p.ctx, transition.UserID, transition.Online); err != nil {
		p.metrics.presenceError(presenceOperationSetOnline)
		p.logger.Warn("presence write failed",
			zap.String("user_id", transition.UserID),
			zap.Bool("online", transition.Online),
			zap.Error(err))
	}

	friends, err := p.directory.FriendsOf(p.ctx, transition.UserID)
	if err != nil {
		p.metrics.presenceError(presenceOperationFriendsOf)
		p.logger.Warn("presence fanout skipped: friend lookup failed",
			zap.String("user_id", transition.UserID),
			zap.Error(err))
		return
	}
	if len(friends) == 0 || p.publisher == nil {
		return
	}

	kind := EventFriendOffline
	if transition.Online {
		kind = EventFriendOnline
	}
	p.publisher.Publish(ToUsers(friends...), kind, PresencePayload{
		UserID: transition.UserID,
		Online: transition.Online,
	})
}
