package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket to connection.Transport.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSConn(id string, conn *websocket.Conn, cfg Config, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:           id,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
	}
}

// Send queues one text frame. It never blocks.
func (c *wsConn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump, which closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *wsConn) Closed() bool {
	return c.closed.Load()
}

// writePump owns all writes to the socket.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "connection_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
