package handler

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rickgao/room-relay/internal/connection"
	"github.com/rickgao/room-relay/internal/model"
	"github.com/rickgao/room-relay/internal/router"
)

// Endpoint names.
const (
	EndpointChat   = "chat"
	EndpointTyping = "typing"
)

// Envelope fields used by the built-in handlers.
const (
	FieldText   = "text"
	FieldSentAt = "sentAt"
	FieldActive = "active"
)

// MaxTextLength bounds a chat message in runes.
const MaxTextLength = 4000

// Chat relays a text message to the sender's room.
type Chat struct {
	now func() time.Time
}

// NewChat creates a chat handler stamping messages with the wall clock.
func NewChat() *Chat {
	return &Chat{now: time.Now}
}

// Fulfill implements router.Handler.
func (h *Chat) Fulfill(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool) {
	text, ok := env.String(FieldText)
	if !ok || strings.TrimSpace(text) == "" {
		return nil, false
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, false
	}

	return model.Envelope{
		model.FieldEndpoint: EndpointChat,
		model.FieldRoom:     env[model.FieldRoom],
		model.FieldFrom:     sender.UserID(),
		model.FieldUsername: sender.DisplayName(),
		FieldText:           text,
		FieldSentAt:         h.now().UnixMilli(),
	}, true
}

// Typing relays a typing indicator. "active" defaults to true.
func Typing(ctx context.Context, env model.Envelope, sender *connection.Connection) (model.Envelope, bool) {
	active := true
	if v, ok := env[FieldActive]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return nil, false
		}
		active = b
	}

	return model.Envelope{
		model.FieldEndpoint: EndpointTyping,
		model.FieldRoom:     env[model.FieldRoom],
		model.FieldFrom:     sender.UserID(),
		model.FieldUsername: sender.DisplayName(),
		FieldActive:         active,
	}, true
}

// Defaults returns the built-in handler table.
func Defaults() router.Handlers {
	return router.Handlers{
		EndpointChat:   NewChat(),
		EndpointTyping: router.HandlerFunc(Typing),
	}
}
