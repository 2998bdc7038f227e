package router

import (
	"context"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/model"
)

// Handler produces the envelope to broadcast for one inbound command.
//
// Fulfill returns false to drop the command. It must not block indefinitely
// and must not mutate the registries.
type Handler interface {
	Fulfill(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool)

// Fulfill implements Handler.
func (f HandlerFunc) Fulfill(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool) {
	return f(ctx, env, sender)
}

// Handlers maps endpoint names to handlers.
type Handlers map[string]Handler

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	Handshakes       int64
	Pongs            int64
	ParseErrors      int64 // Malformed envelopes
	Unidentified     int64 // Sender not pending/connected on this transport
	UnknownEndpoints int64
	NoResponse       int64 // Handler declined to respond
	Unroutable       int64 // Target room missing
}
