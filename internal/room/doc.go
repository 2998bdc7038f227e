// Package room implements rooms and the Room Registry.
//
// A Room is the broadcast scope for one external entity (a project, a
// document). Rooms are created lazily on first subscription and live for
// the lifetime of the process. Each room carries its own lock so traffic in
// one room never contends with membership changes in another.
package room
