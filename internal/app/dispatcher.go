package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/core"
	"github.com/dmarkov/huddle/internal/domain"
	"github.com/dmarkov/huddle/internal/proto"
)

// Dispatcher is the single ingress point for decoded client events. It
// resolves the sender's identity and routes to the owning component; it
// never holds protocol state itself, which keeps the stateful components
// testable without a live transport.
type Dispatcher struct {
	Registry *Registry
	Presence *Presence
	Messages *MessageRouter
	Calls    *CallManager
}

// NewDispatcher wires the components around a shared registry.
func NewDispatcher(calls *CallManager) *Dispatcher {
	reg := calls.Registry
	return &Dispatcher{
		Registry: reg,
		Presence: &Presence{Registry: reg},
		Messages: &MessageRouter{Registry: reg},
		Calls:    calls,
	}
}

// Login binds an identity to the connection, acks it, and pushes the new
// roster to everyone, the fresh user included.
func (d *Dispatcher) Login(conn domain.ConnID, sc core.SignalConnection, name string) (domain.Identity, error) {
	id, err := d.Registry.Register(conn, sc, name)
	if err != nil {
		return domain.Identity{}, err
	}

	frame, err := proto.Encode(proto.Envelope{Type: proto.EventLoggedIn, UserID: string(id.UserID)})
	if err == nil {
		_ = sc.TrySend(frame)
	}
	d.Presence.Broadcast()
	return id, nil
}

// Message routes a directed chat message.
func (d *Dispatcher) Message(conn domain.ConnID, to, msg string) error {
	id, ok := d.Registry.IdentityOf(conn)
	if !ok {
		return ErrNotLoggedIn
	}
	return d.Messages.Route(id, domain.UserID(to), msg)
}

// CallUser initiates a call. The from field clients send is ignored; the
// identity bound to the connection is authoritative.
func (d *Dispatcher) CallUser(conn domain.ConnID, userToCall, name string, offer json.RawMessage) error {
	id, ok := d.Registry.IdentityOf(conn)
	if !ok {
		return ErrNotLoggedIn
	}
	return d.Calls.Initiate(id, domain.UserID(userToCall), name, offer)
}

// AnswerCall accepts a pending offer from the named caller.
func (d *Dispatcher) AnswerCall(conn domain.ConnID, to string, answer json.RawMessage) error {
	id, ok := d.Registry.IdentityOf(conn)
	if !ok {
		return ErrNotLoggedIn
	}
	return d.Calls.Accept(id, domain.UserID(to), answer)
}

// Ice relays one trickled candidate.
func (d *Dispatcher) Ice(conn domain.ConnID, to string, candidate json.RawMessage) error {
	id, ok := d.Registry.IdentityOf(conn)
	if !ok {
		return ErrNotLoggedIn
	}
	return d.Calls.RelayIce(id, domain.UserID(to), candidate)
}

// EndCall hangs up. Hanging up a call that is already gone is a silent
// no-op: rejected, timed out, and disconnect-terminated calls all converge
// here.
func (d *Dispatcher) EndCall(conn domain.ConnID, to, reason string) error {
	id, ok := d.Registry.IdentityOf(conn)
	if !ok {
		return ErrNotLoggedIn
	}
	if reason == "" {
		reason = "hangup"
	}
	d.Calls.Terminate(id, domain.UserID(to), reason)
	return nil
}

// Disconnect is the out-of-band teardown for a dropped connection: the
// registry entry goes first, then every call the identity was part of, then
// the roster push.
func (d *Dispatcher) Disconnect(conn domain.ConnID) {
	id, ok := d.Registry.Unregister(conn)
	if !ok {
		return
	}
	d.Calls.TerminateAllFor(id.UserID, ReasonPeerDisconnected)
	d.Presence.Broadcast()
	log.Info().Str("module", "app.dispatcher").Str("user", string(id.UserID)).Msg("disconnected")
}
