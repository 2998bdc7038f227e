package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when a payload is not a JSON object
// or lacks a required field.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Envelope is a structured message exchanged between client and server.
type Envelope map[string]any

// DecodeEnvelope parses a raw text frame into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}
	return env, nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// String returns the field as a string. Missing, non-string and empty
// values report false.
func (e Envelope) String(key string) (string, bool) {
	v, ok := e[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Require returns the named string fields in order, or ErrMalformedEnvelope
// naming the first one that is missing.
func (e Envelope) Require(keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, ok := e.String(k)
		if !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedEnvelope, k)
		}
		out[i] = v
	}
	return out, nil
}

// Endpoint returns the client discriminator.
func (e Envelope) Endpoint() (string, bool) {
	return e.String(FieldEndpoint)
}

// Clone returns a shallow copy. Handlers and the router stamp fields on
// the copy so the inbound envelope is never mutated.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
