// Package connection implements the Connection Registry.
//
// The Connection Registry:
//   - Registers a transport as Pending when it opens, keyed by connection id
//   - Promotes it to Connected on handshake completion, keyed by user id
//   - Tracks per-connection liveness (Responsive / Suspect) for the heartbeat
//   - Hands out point-in-time snapshots so sweeps tolerate concurrent eviction
//
// A Connection lives in at most one of the two sets and never returns to Pending.
package connection
