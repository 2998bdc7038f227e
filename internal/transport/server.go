package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/room-relay/internal/router"
)

// Server accepts websocket clients and feeds their frames to the router.
type Server struct {
	cfg    Config
	router router.Router
	probes Probes
	logger *slog.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// Base context for message handling, cancelled on shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	sockets map[*wsConn]struct{}
	stats   Stats
}

// NewServer creates a Server. Call Handler or Run to serve it.
func NewServer(cfg Config, r router.Router, probes Probes, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		router:  r,
		probes:  probes,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sockets: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/stats", s.handleStats)

	return s
}

// Handler returns the HTTP handler serving the socket and probe endpoints.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on cfg.Addr until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("relay listening", "addr", ln.Addr().String(), "path", s.cfg.Path)

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.Close()
	return nil
}

// Close closes every open socket and waits for their pumps to exit.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	for c := range s.sockets {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Stats returns current server statistics.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.ActiveSockets = len(s.sockets)
	return stats
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Clients echo this id back as "from" in the handshake. Upgrade rejects
	// requests without a valid key.
	id := r.Header.Get("Sec-WebSocket-Key")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		s.count(&s.stats.UpgradeErrors)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	c := newWSConn(id, conn, s.cfg, s.logger)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sockets[c] = struct{}{}
	s.stats.Upgrades++
	s.wg.Add(2)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()

	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// readPump delivers frames from one socket in order.
func (s *Server) readPump(c *wsConn) {
	defer func() {
		c.Close()

		s.mu.Lock()
		delete(s.sockets, c)
		s.mu.Unlock()
	}()

	if err := s.router.HandleOpen(s.ctx, c.id, c); err != nil {
		s.logger.Warn("rejected connection", "connection_id", c.id, "error", err)
		s.count(&s.stats.OpenRejected)
		return
	}
	defer s.router.HandleClose(c.id, c)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.Closed() {
				s.logger.Debug("websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.count(&s.stats.BinaryDropped)
			continue
		}

		s.router.HandleMessage(s.ctx, c.id, data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}

	if s.probes.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.probes.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "degraded", "error": err.Error()}
		}
	}

	writeJSON(w, status, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"transport": s.Stats()}
	if s.probes.Stats != nil {
		out["relay"] = s.probes.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) count(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}
