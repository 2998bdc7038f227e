// Package router implements the Message Router.
//
// The Router is the entry point for transport events:
//   - On open it registers the connection as pending and sends a welcome
//   - "broadcast" completes the handshake, assigns the room and announces the client
//   - "pong" clears the sender's suspect state
//   - Any other endpoint is dispatched to a registered Handler whose response
//     is broadcast to the room named in the inbound envelope
//
// Malformed envelopes and unidentified senders are dropped without a reply.
package router
