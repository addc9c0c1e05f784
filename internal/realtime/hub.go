package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
)

// Snapshotter provides the full session view sent to a channel right after it
// registers, so a freshly connected client never starts from a stale state.
type Snapshotter interface {
	Get(ctx context.Context, code string) (*sessions.Snapshot, error)
}

// SessionChecker is the narrow store view the idle sweep needs.
type SessionChecker interface {
	GetSession(ctx context.Context, code string) (*models.Session, error)
}

// RedisPublisher publishes events for cross-instance broadcast.
type RedisPublisher interface {
	PublishPartyEvent(code string, event string, payload []byte) error
}

// RedisSubscriber subscribes to a party's channel and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeParty(code string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub is the push registry: session code -> set of live channels. It is an
// explicit injected service object guarding its map with a mutex; broadcasts
// iterate a snapshot of the set so concurrent opens/closes can't race the
// iteration.
type Hub struct {
	parties map[string]map[string]*Channel
	subs    map[string]func() // cancel Redis subscription per party
	mu      sync.RWMutex

	logger    *zap.Logger
	redisPub  RedisPublisher
	redisSub  RedisSubscriber
	snapshots Snapshotter
}

// NewHub creates a new push registry.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		parties:  make(map[string]map[string]*Channel),
		subs:     make(map[string]func()),
		logger:   logger,
		redisPub: redisPub,
		redisSub: redisSub,
	}
}

// SetSnapshotter wires the session snapshot source. Set after construction
// because the session service itself broadcasts through this hub.
func (h *Hub) SetSnapshotter(s Snapshotter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = s
}

func (h *Hub) sessionExists(ctx context.Context, code string) bool {
	h.mu.RLock()
	snaps := h.snapshots
	h.mu.RUnlock()
	if snaps == nil {
		return false
	}
	_, err := snaps.Get(ctx, code)
	return err == nil
}

// Register adds a channel to its party's set, starts the Redis subscription
// for the party if this is the first channel, and queues the immediate
// session_sync event carrying the full current view.
func (h *Hub) Register(c *Channel) {
	h.mu.Lock()
	if h.parties[c.SessionCode] == nil {
		h.parties[c.SessionCode] = make(map[string]*Channel)
		if h.redisSub != nil {
			code := c.SessionCode
			cancel, err := h.redisSub.SubscribeParty(code, func(event string, payload []byte) {
				h.Broadcast(code, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[code] = cancel
			}
		}
	}
	h.parties[c.SessionCode][c.ID] = c
	snaps := h.snapshots
	h.mu.Unlock()

	h.logger.Debug("channel registered",
		zap.String("channel_id", c.ID),
		zap.String("session_code", c.SessionCode))

	if snaps == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := snaps.Get(ctx, c.SessionCode)
		if err != nil {
			h.logger.Warn("session sync failed", zap.Error(err), zap.String("session_code", c.SessionCode))
			return
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		c.enqueue(WSMessage{Event: EventSessionSync, Data: data})
	}()
}

// remove takes a channel out of the registry. Removing the last channel of a
// party drops the party entry and cancels its Redis subscription. Idempotent:
// both pumps and the broadcast eviction path may call it for the same channel.
func (h *Hub) remove(c *Channel) {
	c.markInactive()
	h.mu.Lock()
	if set, ok := h.parties[c.SessionCode]; ok {
		if _, ok := set[c.ID]; ok {
			delete(set, c.ID)
			if len(set) == 0 {
				delete(h.parties, c.SessionCode)
				if cancel, ok := h.subs[c.SessionCode]; ok {
					cancel()
					delete(h.subs, c.SessionCode)
				}
			}
			h.logger.Debug("channel removed",
				zap.String("channel_id", c.ID),
				zap.String("session_code", c.SessionCode))
		}
	}
	h.mu.Unlock()
}

func (h *Hub) contains(c *Channel) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.parties[c.SessionCode]
	if !ok {
		return false
	}
	_, ok = set[c.ID]
	return ok
}

// Broadcast delivers an event to every live channel of a party (local
// instance only). Channels that are inactive or fail during this pass are
// collected and removed in one sweep afterwards; a dead channel never blocks
// or fails delivery to the others.
func (h *Hub) Broadcast(code string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case nil:
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	set := h.parties[code]
	chans := make([]*Channel, 0, len(set))
	for _, c := range set {
		chans = append(chans, c)
	}
	h.mu.RUnlock()

	var dead []*Channel
	for _, c := range chans {
		if !c.enqueue(msg) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.remove(c)
	}
}

// BroadcastAndPublish delivers locally and publishes to Redis for other
// instances. The local instance also receives its own publication through the
// subscription; receivers treat repeated events as idempotent, so the
// duplicate is harmless.
func (h *Hub) BroadcastAndPublish(code string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.Broadcast(code, event, payload)
	if h.redisPub != nil {
		_ = h.redisPub.PublishPartyEvent(code, event, data)
	}
}

// ChannelCount returns the number of connected channels for a party.
func (h *Hub) ChannelCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.parties[code])
}

// Codes returns the session codes currently holding at least one channel.
func (h *Hub) Codes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	codes := make([]string, 0, len(h.parties))
	for code := range h.parties {
		codes = append(codes, code)
	}
	return codes
}

// CloseParty force-closes every channel of a party and drops its entry.
func (h *Hub) CloseParty(code string) {
	h.mu.RLock()
	set := h.parties[code]
	chans := make([]*Channel, 0, len(set))
	for _, c := range set {
		chans = append(chans, c)
	}
	h.mu.RUnlock()

	for _, c := range chans {
		c.markInactive()
		_ = c.conn.Close()
		h.remove(c)
	}
}

// RunSweep periodically asks the store whether each registered session still
// exists and force-closes channels of expired or deleted ones. Without this,
// a dead session with quiet clients would leak registry state forever.
func (h *Hub) RunSweep(ctx context.Context, interval time.Duration, store SessionChecker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("registry sweep stopping")
			return
		case <-ticker.C:
			for _, code := range h.Codes() {
				sess, err := store.GetSession(ctx, code)
				if err != nil {
					continue
				}
				if sess == nil {
					h.logger.Info("closing channels of dead session", zap.String("session_code", code))
					h.CloseParty(code)
				}
			}
		}
	}
}
