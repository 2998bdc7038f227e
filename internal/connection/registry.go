package connection

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rickgao/room-relay/internal/model"
)

// Registry tracks pending and connected sessions.
type Registry interface {
	// OpenPending registers a freshly opened transport under its connection id.
	OpenPending(connectionID string, t Transport) (*Connection, error)

	// CompleteHandshake promotes a pending connection to the connected set
	// under userID and marks it Responsive.
	CompleteHandshake(connectionID, userID, displayName string) (*Connection, error)

	// LookupPending returns a connection that has not completed the handshake.
	LookupPending(connectionID string) (*Connection, bool)

	// LookupConnected returns the identified connection for userID.
	LookupConnected(userID string) (*Connection, bool)

	// MarkAlive clears the suspect state. Returns false if userID is not connected.
	MarkAlive(userID string) bool

	// ForEachConnected visits a point-in-time snapshot of the connected set.
	// visit may evict or register connections without affecting the walk.
	ForEachConnected(visit func(*Connection))

	// Roster returns the public view of every connected client whose
	// transport is still open, ordered by uid.
	Roster() []model.ClientInfo

	// Evict removes userID from the connected set permanently.
	Evict(userID string) (*Connection, bool)

	// EvictConnection removes c only if it is still the entry for its user id.
	EvictConnection(c *Connection) bool

	// DropPending forgets a connection that closed before identifying itself.
	// It removes c only if it is still the pending entry for its connection id.
	DropPending(c *Connection) bool

	// Stats returns current counts.
	Stats() Stats
}

// registry implements the Registry interface.
type registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	pending   map[string]*Connection // connection id → connection
	connected map[string]*Connection // user id → connection
}

// NewRegistry creates an empty Connection Registry.
func NewRegistry(logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &registry{
		logger:    logger,
		pending:   make(map[string]*Connection),
		connected: make(map[string]*Connection),
	}
}

func (r *registry) OpenPending(connectionID string, t Transport) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[connectionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePending, connectionID)
	}

	c := newConnection(connectionID, t)
	r.pending[connectionID] = c
	return c, nil
}

func (r *registry) CompleteHandshake(connectionID, userID, displayName string) (*Connection, error) {
	r.mu.Lock()
	c, ok := r.pending[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPendingConnection, connectionID)
	}

	delete(r.pending, connectionID)
	c.identify(userID, displayName)
	c.MarkResponsive()

	prev := r.connected[userID]
	r.connected[userID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		r.logger.Info("session superseded",
			"user_id", userID,
			"old_connection_id", prev.ConnectionID(),
			"connection_id", connectionID,
		)
		prev.Transport().Close()
	}

	return c, nil
}

func (r *registry) LookupPending(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.pending[connectionID]
	return c, ok
}

func (r *registry) LookupConnected(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connected[userID]
	return c, ok
}

func (r *registry) MarkAlive(userID string) bool {
	c, ok := r.LookupConnected(userID)
	if !ok {
		return false
	}
	c.MarkResponsive()
	return true
}

func (r *registry) ForEachConnected(visit func(*Connection)) {
	for _, c := range r.snapshot() {
		visit(c)
	}
}

func (r *registry) Roster() []model.ClientInfo {
	conns := r.snapshot()

	roster := make([]model.ClientInfo, 0, len(conns))
	for _, c := range conns {
		if c.Transport().Closed() {
			continue
		}
		roster = append(roster, c.Info())
	}
	sort.Slice(roster, func(i, j int) bool {
		return roster[i].UID < roster[j].UID
	})
	return roster
}

func (r *registry) Evict(userID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.connected[userID]
	if ok {
		delete(r.connected, userID)
	}
	return c, ok
}

func (r *registry) EvictConnection(c *Connection) bool {
	userID := c.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.connected[userID]; !ok || cur != c {
		return false
	}
	delete(r.connected, userID)
	return true
}

func (r *registry) DropPending(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.pending[c.ConnectionID()]; !ok || cur != c {
		return false
	}
	delete(r.pending, c.ConnectionID())
	return true
}

func (r *registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Pending:   len(r.pending),
		Connected: len(r.connected),
	}
}

// snapshot copies the connected set under the read lock.
func (r *registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connected))
	for _, c := range r.connected {
		conns = append(conns, c)
	}
	return conns
}
