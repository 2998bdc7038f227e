package model

// Envelope field names.
const (
	FieldEndpoint    = "endpoint"
	FieldType        = "type"
	FieldFrom        = "from"
	FieldRoom        = "room"
	FieldEntityID    = "entityId"
	FieldUsername    = "username"
	FieldUID         = "uid"
	FieldFriendsHere = "friendsHere"
	FieldMe          = "me"
	FieldClient      = "client"
)

// Client-originated endpoints handled by the router itself.
const (
	EndpointHandshake = "broadcast"
	EndpointPong      = "pong"
)

// Server-originated envelope types.
const (
	TypeWelcome = "welcome"
	TypePing    = "ping"
	TypeGoodbye = "goodbye"
)

// ServerSender is the "from" value of envelopes the relay originates.
const ServerSender = "server"

// ClientInfo is the public representation of a connected client.
type ClientInfo struct {
	Username string `json:"username"`
	UID      string `json:"uid"`
}

// Welcome builds the first envelope of the handshake.
// friends is the roster of connected clients, me the assigned connection id.
func Welcome(friends []ClientInfo, me string) Envelope {
	if friends == nil {
		friends = []ClientInfo{}
	}
	return Envelope{
		FieldType:        TypeWelcome,
		FieldFriendsHere: friends,
		FieldMe:          me,
	}
}

// Ping builds the liveness probe sent to suspect clients.
func Ping() Envelope {
	return Envelope{
		FieldType: TypePing,
		FieldFrom: ServerSender,
	}
}

// Goodbye builds the departure notice for an evicted user.
func Goodbye(uid string) Envelope {
	return Envelope{
		FieldType: TypeGoodbye,
		FieldFrom: uid,
	}
}
