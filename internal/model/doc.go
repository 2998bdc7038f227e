// Package model defines the envelope wire shape shared by the relay components.
//
// Conventions:
//   - Envelopes are flat JSON objects; required fields depend on the discriminator
//   - Client-originated envelopes carry an "endpoint" discriminator
//   - Server-originated envelopes carry a "type" discriminator (welcome, ping, goodbye)
//   - The public view of a client is {username, uid}; transports never leave the server
package model
