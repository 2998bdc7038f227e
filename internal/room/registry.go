package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/journal"
)

// Registry creates and looks up rooms by entity id.
type Registry interface {
	// AssignRoom subscribes c to the room for entityID, creating the room on
	// first use. A user already in a different room is moved.
	AssignRoom(entityID string, c *connection.Connection) *Room

	// GetRoom returns an existing room. It never creates one.
	GetRoom(entityID string) (*Room, bool)

	// FindRoomOf returns the room userID is subscribed to.
	FindRoomOf(userID string) (*Room, bool)

	// Stats returns current counts.
	Stats() Stats
}

// Stats provides room counts.
type Stats struct {
	Rooms       int
	Subscribers int
}

// registry implements the Registry interface.
type registry struct {
	logger   *slog.Logger
	recorder journal.Recorder

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Room Registry. rec may be nil.
func NewRegistry(rec journal.Recorder, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = journal.Nop{}
	}

	return &registry{
		logger:   logger,
		recorder: rec,
		rooms:    make(map[string]*Room),
	}
}

func (g *registry) AssignRoom(entityID string, c *connection.Connection) *Room {
	g.mu.Lock()
	r, exists := g.rooms[entityID]
	if !exists {
		r = newRoom(entityID, g.logger)
		g.rooms[entityID] = r
	}
	g.mu.Unlock()

	if !exists {
		g.logger.Info("created room", "entity_id", entityID)
		g.recorder.Record(journal.Event{
			Kind:       journal.KindRoomCreated,
			EntityID:   entityID,
			OccurredAt: time.Now(),
		})
	}

	userID := c.UserID()
	for _, other := range g.snapshot() {
		if other != r && other.HasSubscriber(userID) {
			other.removeUser(userID)
			g.logger.Info("moved subscriber",
				"user_id", userID,
				"from_entity_id", other.EntityID(),
				"entity_id", entityID,
			)
		}
	}

	r.AddSubscriber(c)
	return r
}

func (g *registry) GetRoom(entityID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[entityID]
	return r, ok
}

// FindRoomOf scans every room. O(rooms): room and subscriber counts are
// small next to message volume.
func (g *registry) FindRoomOf(userID string) (*Room, bool) {
	for _, r := range g.snapshot() {
		if r.HasSubscriber(userID) {
			return r, true
		}
	}
	return nil, false
}

func (g *registry) Stats() Stats {
	rooms := g.snapshot()

	stats := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		stats.Subscribers += r.Len()
	}
	return stats
}

func (g *registry) snapshot() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}
