package realtime

import (
	"github.com/cinematch/backend/internal/models"
)

// Event names pushed to clients.
const (
	EventSessionSync   = "session_sync"
	EventStatusChanged = "session_status_changed"
	EventUpdated       = "session_updated"
	EventTinderResults = "movie_tinder_results"
	EventFinalWinner   = "final_winner"
)

// Broadcaster turns domain events into wire messages and fans them out via
// the hub. It satisfies the Notifier interfaces of the session, voting and
// pipeline services. Delivery is best-effort: a failed channel degrades
// silently and never surfaces to the mutating request.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster wraps a hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// StatusChanged announces a committed state machine transition.
func (b *Broadcaster) StatusChanged(code string, oldStatus, newStatus models.SessionStatus, step string) {
	b.hub.BroadcastAndPublish(code, EventStatusChanged, map[string]any{
		"old_status":   oldStatus,
		"new_status":   newStatus,
		"current_step": step,
	})
}

// SessionUpdated announces a generic session change tagged with its type.
func (b *Broadcaster) SessionUpdated(code, updateType string, payload any) {
	b.hub.BroadcastAndPublish(code, EventUpdated, map[string]any{
		"update_type": updateType,
		"payload":     payload,
	})
}

// TinderResults announces the outcome of a completed voting batch.
func (b *Broadcaster) TinderResults(code string, payload any) {
	b.hub.BroadcastAndPublish(code, EventTinderResults, payload)
}

// Winner announces the final winning movie with its full record.
func (b *Broadcaster) Winner(code string, movie models.Movie) {
	b.hub.BroadcastAndPublish(code, EventFinalWinner, map[string]any{"movie": movie})
}
