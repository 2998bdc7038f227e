// Package heartbeat implements the liveness sweep.
//
// Every interval the Monitor walks a snapshot of the connected set:
//   - Suspect clients (or clients whose transport closed) are evicted, and a
//     goodbye envelope is broadcast to the rest of their room
//   - Responsive clients are marked Suspect and sent a ping
//
// A client survives only by answering each ping with a pong before the next
// tick, so detection takes at most two intervals without per-connection timers.
package heartbeat
