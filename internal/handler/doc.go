// Package handler provides the application endpoints shipped with the relay.
//
// The router core knows nothing about these; cmd/relay registers them by
// endpoint name. Every handler stamps the sender's identity from the
// connection rather than trusting the envelope.
package handler
