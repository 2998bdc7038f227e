// Package transport serves the relay over WebSocket.
//
// Each upgraded socket becomes a connection.Transport with a bounded send
// queue drained by a write pump. Text frames are handed to the router in
// the order they were read. The same listener exposes /health and /stats.
package transport
