package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/journal"
	"github.com/rickgao/room-relay/internal/model"
	"github.com/rickgao/room-relay/internal/room"
)

// Router handles transport events for the relay.
type Router interface {
	// HandleOpen registers a new transport as pending and sends the welcome.
	HandleOpen(ctx context.Context, connectionID string, t connection.Transport) error

	// HandleMessage processes one raw text frame from connectionID.
	// Frames from one connection must be delivered in order.
	HandleMessage(ctx context.Context, connectionID string, data []byte)

	// HandleClose is called once a transport accepted by HandleOpen has ended.
	// Only the pending entry owned by t is dropped.
	HandleClose(connectionID string, t connection.Transport)

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	conns    connection.Registry
	rooms    room.Registry
	handlers Handlers
	recorder journal.Recorder
	logger   *slog.Logger

	mu    sync.Mutex
	stats RouterStats
}

// NewRouter creates a new Message Router. rec may be nil.
func NewRouter(conns connection.Registry, rooms room.Registry, handlers Handlers, rec journal.Recorder, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = journal.Nop{}
	}
	if handlers == nil {
		handlers = Handlers{}
	}

	return &router{
		conns:    conns,
		rooms:    rooms,
		handlers: handlers,
		recorder: rec,
		logger:   logger,
	}
}

func (r *router) HandleOpen(ctx context.Context, connectionID string, t connection.Transport) error {
	if _, err := r.conns.OpenPending(connectionID, t); err != nil {
		return fmt.Errorf("open pending: %w", err)
	}

	welcome, err := model.Welcome(r.conns.Roster(), connectionID).Encode()
	if err != nil {
		return err
	}
	if err := t.Send(welcome); err != nil {
		r.logger.Warn("failed to send welcome", "connection_id", connectionID, "error", err)
	}

	r.logger.Debug("connection opened", "connection_id", connectionID)
	return nil
}

func (r *router) HandleClose(connectionID string, t connection.Transport) {
	if c, ok := r.conns.LookupPending(connectionID); ok && c.Transport() == t && r.conns.DropPending(c) {
		r.logger.Debug("pending connection closed", "connection_id", connectionID)
	}
	// Identified clients are evicted by the heartbeat, which also says goodbye.
}

func (r *router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *router) HandleMessage(ctx context.Context, connectionID string, data []byte) {
	r.count(&r.stats.MessagesReceived)

	env, err := model.DecodeEnvelope(data)
	if err != nil {
		r.logger.Debug("dropped malformed envelope", "connection_id", connectionID, "error", err)
		r.count(&r.stats.ParseErrors)
		return
	}

	endpoint, ok := env.Endpoint()
	if !ok {
		r.logger.Debug("dropped envelope without endpoint", "connection_id", connectionID)
		r.count(&r.stats.ParseErrors)
		return
	}

	switch endpoint {
	case model.EndpointHandshake:
		r.completeHandshake(connectionID, env)
	case model.EndpointPong:
		r.handlePong(connectionID, env)
	default:
		r.dispatch(ctx, connectionID, endpoint, env)
	}
}

// completeHandshake finishes the welcome → broadcast exchange.
func (r *router) completeHandshake(connectionID string, env model.Envelope) {
	fields, err := env.Require(model.FieldFrom, model.FieldEntityID, model.FieldUsername, model.FieldUID)
	if err != nil {
		r.logger.Debug("dropped handshake", "connection_id", connectionID, "error", err)
		r.count(&r.stats.ParseErrors)
		return
	}
	from, entityID, username, uid := fields[0], fields[1], fields[2], fields[3]

	if from != connectionID {
		r.logger.Debug("handshake for another connection", "connection_id", connectionID, "from", from)
		r.count(&r.stats.Unidentified)
		return
	}

	displayName := norm.NFC.String(strings.TrimSpace(username))
	if displayName == "" {
		r.count(&r.stats.ParseErrors)
		return
	}

	c, err := r.conns.CompleteHandshake(from, uid, displayName)
	if err != nil {
		if errors.Is(err, connection.ErrUnknownPendingConnection) {
			r.logger.Warn("handshake from non-pending connection", "connection_id", from, "user_id", uid)
		} else {
			r.logger.Error("handshake failed", "connection_id", from, "error", err)
		}
		r.count(&r.stats.Unidentified)
		return
	}

	r.count(&r.stats.Handshakes)

	rm := r.rooms.AssignRoom(entityID, c)
	if cur, ok := r.conns.LookupConnected(uid); !ok || cur != c {
		// Evicted or superseded before it joined the room.
		rm.RemoveSubscriber(c)
		r.logger.Debug("handshake lost to eviction", "user_id", uid, "entity_id", entityID)
		return
	}
	r.recorder.Record(journal.Event{
		Kind:       journal.KindJoined,
		EntityID:   rm.EntityID(),
		UserID:     uid,
		OccurredAt: time.Now(),
	})

	resp := env.Clone()
	resp[model.FieldRoom] = rm.EntityID()
	resp[model.FieldClient] = c.Info()

	data, err := resp.Encode()
	if err != nil {
		r.logger.Error("encode handshake response", "user_id", uid, "error", err)
		return
	}
	sent := rm.Broadcast(data)

	r.count(&r.stats.MessagesRouted)

	r.logger.Info("client connected",
		"user_id", uid,
		"username", displayName,
		"entity_id", rm.EntityID(),
		"room_size", sent,
	)
}

func (r *router) handlePong(connectionID string, env model.Envelope) {
	c, ok := r.sender(connectionID, env)
	if !ok {
		return
	}
	r.conns.MarkAlive(c.UserID())
	r.count(&r.stats.Pongs)
	r.logger.Debug("client is still here", "user_id", c.UserID())
}

// dispatch runs an application endpoint and fans the response out.
func (r *router) dispatch(ctx context.Context, connectionID, endpoint string, env model.Envelope) {
	c, ok := r.sender(connectionID, env)
	if !ok {
		return
	}

	h, ok := r.handlers[endpoint]
	if !ok {
		r.logger.Debug("unknown endpoint", "endpoint", endpoint, "user_id", c.UserID())
		r.count(&r.stats.UnknownEndpoints)
		return
	}

	resp, ok := h.Fulfill(ctx, env, c)
	if !ok {
		r.logger.Info("dropped a command", "endpoint", endpoint, "user_id", c.UserID())
		r.count(&r.stats.NoResponse)
		return
	}

	roomID, ok := env.String(model.FieldRoom)
	if !ok {
		r.count(&r.stats.Unroutable)
		return
	}
	rm, ok := r.rooms.GetRoom(roomID)
	if !ok {
		r.logger.Debug("target room not found", "entity_id", roomID, "endpoint", endpoint)
		r.count(&r.stats.Unroutable)
		return
	}

	data, err := resp.Encode()
	if err != nil {
		r.logger.Error("encode response", "endpoint", endpoint, "error", err)
		return
	}
	rm.Broadcast(data)
	r.count(&r.stats.MessagesRouted)
}

// sender resolves the declared "from" to a connected client on this transport.
func (r *router) sender(connectionID string, env model.Envelope) (*connection.Connection, bool) {
	from, ok := env.String(model.FieldFrom)
	if !ok {
		r.count(&r.stats.Unidentified)
		return nil, false
	}
	c, ok := r.conns.LookupConnected(from)
	if !ok || c.ConnectionID() != connectionID {
		r.count(&r.stats.Unidentified)
		return nil, false
	}
	return c, true
}

func (r *router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
