package connection

import (
	"sync"
	"sync/atomic"

	"github.com/rickgao/room-relay/internal/model"
)

// Connection is one transport session, pending or identified.
type Connection struct {
	transport    Transport
	connectionID string

	mu          sync.RWMutex
	userID      string
	displayName string

	liveness atomic.Int32
}

func newConnection(connectionID string, t Transport) *Connection {
	return &Connection{
		transport:    t,
		connectionID: connectionID,
	}
}

// ConnectionID is the pre-handshake identifier.
func (c *Connection) ConnectionID() string { return c.connectionID }

// Transport returns the send/close handle.
func (c *Connection) Transport() Transport { return c.transport }

// UserID is empty until the handshake completes.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// DisplayName is empty until the handshake completes.
func (c *Connection) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// Info returns the public representation of the client.
func (c *Connection) Info() model.ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.ClientInfo{Username: c.displayName, UID: c.userID}
}

// Liveness returns the current heartbeat state.
func (c *Connection) Liveness() Liveness {
	return Liveness(c.liveness.Load())
}

// IsAlive reports whether the client is Responsive.
func (c *Connection) IsAlive() bool {
	return c.Liveness() == Responsive
}

// MarkResponsive clears the suspect state.
func (c *Connection) MarkResponsive() {
	c.liveness.Store(int32(Responsive))
}

// MarkSuspect flags the client as awaiting a pong.
func (c *Connection) MarkSuspect() {
	c.liveness.Store(int32(Suspect))
}

// Send writes to the underlying transport.
func (c *Connection) Send(data []byte) error {
	return c.transport.Send(data)
}

func (c *Connection) identify(userID, displayName string) {
	c.mu.Lock()
	c.userID = userID
	c.displayName = displayName
	c.mu.Unlock()
}
