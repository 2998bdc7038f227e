package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/journal"
	"github.com/rickgao/room-relay/internal/model"
	"github.com/rickgao/room-relay/internal/room"
)

// Config configures the Monitor.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 5 * time.Second,
	}
}

// Monitor runs the suspect-then-evict sweep.
type Monitor interface {
	// Start runs Tick every interval in the background.
	Start(ctx context.Context) error

	// Stop halts the sweep.
	Stop(ctx context.Context) error

	// Tick performs one sweep synchronously.
	Tick() TickResult

	// Stats returns cumulative counters.
	Stats() Stats
}

// TickResult reports what one sweep did.
type TickResult struct {
	Pinged  int
	Evicted int
}

// Stats contains cumulative counters.
type Stats struct {
	Ticks     int64
	Pings     int64
	Evictions int64
}

// monitor implements the Monitor interface.
type monitor struct {
	cfg      Config
	conns    connection.Registry
	rooms    room.Registry
	recorder journal.Recorder
	logger   *slog.Logger

	ping []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewMonitor creates a new heartbeat Monitor. rec may be nil.
func NewMonitor(cfg Config, conns connection.Registry, rooms room.Registry, rec journal.Recorder, logger *slog.Logger) Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = journal.Nop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	// A fixed map of strings always encodes.
	ping, err := model.Ping().Encode()
	if err != nil {
		panic(fmt.Sprintf("heartbeat: encode ping: %v", err))
	}

	return &monitor{
		cfg:      cfg,
		conns:    conns,
		rooms:    rooms,
		recorder: rec,
		logger:   logger,
		ping:     ping,
	}
}

func (m *monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop()

	m.logger.Info("heartbeat monitor started", "interval", m.cfg.Interval)
	return nil
}

func (m *monitor) Stop(ctx context.Context) error {
	m.logger.Info("stopping heartbeat monitor")

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("heartbeat monitor stopped")
	case <-ctx.Done():
		m.logger.Warn("heartbeat monitor stop timed out")
	}
	return nil
}

func (m *monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			res := m.Tick()
			if res.Evicted > 0 {
				m.logger.Info("heartbeat sweep", "pinged", res.Pinged, "evicted", res.Evicted)
			} else {
				m.logger.Debug("heartbeat sweep", "pinged", res.Pinged)
			}
		}
	}
}

func (m *monitor) Tick() TickResult {
	var res TickResult

	m.conns.ForEachConnected(func(c *connection.Connection) {
		if !c.IsAlive() || c.Transport().Closed() {
			if m.evict(c) {
				res.Evicted++
			}
			return
		}

		c.MarkSuspect()
		if err := c.Send(m.ping); err != nil {
			// The client stays suspect and is evicted next tick.
			m.logger.Debug("ping send failed", "user_id", c.UserID(), "error", err)
		}
		res.Pinged++
	})

	m.mu.Lock()
	m.stats.Ticks++
	m.stats.Pings += int64(res.Pinged)
	m.stats.Evictions += int64(res.Evicted)
	m.mu.Unlock()

	return res
}

// evict removes a dead client and says goodbye to its room.
func (m *monitor) evict(c *connection.Connection) bool {
	userID := c.UserID()

	if !m.conns.EvictConnection(c) {
		// Superseded by a newer session for the same user.
		c.Transport().Close()
		return false
	}

	entityID := ""
	if r, ok := m.rooms.FindRoomOf(userID); ok && r.RemoveSubscriber(c) {
		entityID = r.EntityID()
		if data, err := model.Goodbye(userID).Encode(); err != nil {
			m.logger.Error("encode goodbye", "user_id", userID, "error", err)
		} else {
			r.Broadcast(data)
		}
	}

	c.Transport().Close()

	m.recorder.Record(journal.Event{
		Kind:       journal.KindEvicted,
		EntityID:   entityID,
		UserID:     userID,
		OccurredAt: time.Now(),
	})

	m.logger.Info("removed dead client",
		"user_id", userID,
		"username", c.DisplayName(),
		"entity_id", entityID,
	)
	return true
}
