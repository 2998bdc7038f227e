// Package journal records presence transitions (room creation, joins,
// evictions) to the presence_events table.
//
// The journal is an audit trail, not a message store: events are queued
// without blocking the relay, batched, and written with pgx.Batch. When the
// queue is full the event is dropped and counted.
package journal
