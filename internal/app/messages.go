package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/domain"
	"github.com/dmarkov/huddle/internal/proto"
)

// MessageRouter delivers a directed chat message to its recipient if online.
// No retry, no queueing, no store for offline users.
type MessageRouter struct {
	Registry *Registry
}

// Route forwards the message and reports ErrRecipientOffline when the
// addressee is not registered. The sender is expected to render its own
// message locally; the router never echoes back.
//
// Ordering: events from one connection are handled sequentially and each
// recipient drains a FIFO send buffer, so messages from the same sender to
// the same recipient arrive in send order.
func (mr *MessageRouter) Route(from domain.Identity, to domain.UserID, body string) error {
	conn, ok := mr.Registry.Lookup(to)
	if !ok {
		return ErrRecipientOffline
	}

	msg := domain.NewMessage(from.UserID, to, body)
	frame, err := proto.Encode(proto.Envelope{
		Type: proto.EventPrivateMessage,
		From: string(msg.From),
		Msg:  msg.Body,
		Ts:   msg.SentAt.UnixMilli(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.messages").Msg("encode message")
		return ErrMalformedPayload
	}

	if err := conn.TrySend(frame); err != nil {
		// Recipient is online but its buffer is full. Best-effort delivery:
		// the frame is dropped and the slow connection will be reaped by its
		// write pump.
		log.Warn().Str("module", "app.messages").Str("to", string(to)).Msg("message dropped, recipient backlogged")
	}
	return nil
}
