package connection

import (
	"errors"
)

// Errors
var (
	ErrDuplicatePending         = errors.New("connection id already pending")
	ErrUnknownPendingConnection = errors.New("unknown pending connection")
)

// Transport is the send/close capability of one physical session.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send queues one text frame for delivery.
	Send(data []byte) error

	// Close tears the session down. Safe to call more than once.
	Close() error

	// Closed reports whether the session has ended.
	Closed() bool
}

// Liveness is the heartbeat state of a connected client.
type Liveness int32

const (
	// Responsive clients answered the last ping (or just completed the handshake).
	Responsive Liveness = iota
	// Suspect clients were pinged and have not answered yet.
	Suspect
)

func (l Liveness) String() string {
	switch l {
	case Responsive:
		return "responsive"
	case Suspect:
		return "suspect"
	default:
		return "unknown"
	}
}

// Stats provides registry counts.
type Stats struct {
	Pending   int
	Connected int
}
