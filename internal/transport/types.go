package transport

import (
	"context"
	"errors"
	"time"
)

// Errors returned by a websocket transport.
var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrClosed        = errors.New("transport closed")
)

// Config holds server settings.
type Config struct {
	Addr           string
	Path           string
	ReadLimit      int64
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string // empty allows any origin
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		Path:         "/ws",
		ReadLimit:    64 * 1024,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   256,
	}
}

// Probes feed the operational endpoints. Either field may be nil.
type Probes struct {
	// Health reports whether dependencies are reachable.
	Health func(ctx context.Context) error

	// Stats returns a JSON-encodable snapshot for /stats.
	Stats func() any
}

// Stats holds server counters.
type Stats struct {
	Upgrades      int64 `json:"upgrades"`
	UpgradeErrors int64 `json:"upgrade_errors"`
	OpenRejected  int64 `json:"open_rejected"`
	BinaryDropped int64 `json:"binary_dropped"`
	ActiveSockets int   `json:"active_sockets"`
}
