package room

import (
	"log/slog"
	"sync"

	"github.com/rickgao/room-relay/internal/connection"
)

// Room owns the subscriber set for one entity.
type Room struct {
	entityID string
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]*connection.Connection // user id → connection
}

func newRoom(entityID string, logger *slog.Logger) *Room {
	return &Room{
		entityID:    entityID,
		logger:      logger,
		subscribers: make(map[string]*connection.Connection),
	}
}

// EntityID is the room identifier.
func (r *Room) EntityID() string { return r.entityID }

// AddSubscriber adds c under its user id, replacing any prior entry.
func (r *Room) AddSubscriber(c *connection.Connection) {
	r.mu.Lock()
	r.subscribers[c.UserID()] = c
	r.mu.Unlock()
}

// RemoveSubscriber removes c if it is still the entry for its user id.
func (r *Room) RemoveSubscriber(c *connection.Connection) bool {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.subscribers[userID]; !ok || cur != c {
		return false
	}
	delete(r.subscribers, userID)
	return true
}

// HasSubscriber reports whether userID is subscribed.
func (r *Room) HasSubscriber(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[userID]
	return ok
}

// Len returns the subscriber count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// ListConnections returns the transports of every subscriber. Used for
// fan-out only.
func (r *Room) ListConnections() []connection.Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]connection.Transport, 0, len(r.subscribers))
	for _, c := range r.subscribers {
		out = append(out, c.Transport())
	}
	return out
}

// Broadcast sends data to every subscriber and returns how many sends
// succeeded. A failed send is logged and does not stop the others.
func (r *Room) Broadcast(data []byte) int {
	sent := 0
	for _, t := range r.ListConnections() {
		if err := t.Send(data); err != nil {
			r.logger.Warn("room send failed", "entity_id", r.entityID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Room) removeUser(userID string) {
	r.mu.Lock()
	delete(r.subscribers, userID)
	r.mu.Unlock()
}
