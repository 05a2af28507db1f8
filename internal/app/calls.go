package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/core"
	"github.com/dmarkov/huddle/internal/domain"
	"github.com/dmarkov/huddle/internal/proto"
)

// A session buffers at most this many trickled candidates per side while the
// offer is pending; anything past it is dropped with a diagnostic.
const maxPendingCandidates = 64

// ReasonPeerDisconnected and ReasonOfferTimeout are the relay-originated
// termination reasons; anything else comes verbatim from a client hang-up.
const (
	ReasonPeerDisconnected = "peer-disconnected"
	ReasonOfferTimeout     = "timeout"
)

// callSession is one call attempt between exactly two identities. Its mutex
// serializes every transition for the pair, so an accept racing a terminate
// resolves to one winner. Sessions of unrelated pairs never contend.
type callSession struct {
	mu sync.Mutex

	id     domain.CallID
	key    domain.PairKey
	caller domain.UserID
	callee domain.UserID

	state domain.CallState

	// Candidates trickled while still Offered. The remote peer has no
	// description to attach them to yet, so forwarding immediately would
	// lose them; they are flushed in receipt order on accept.
	fromCaller []json.RawMessage
	fromCallee []json.RawMessage

	timer *time.Timer
}

// end moves the session to its terminal state. Caller holds s.mu.
func (s *callSession) end() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state = domain.CallTerminated
	s.fromCaller = nil
	s.fromCallee = nil
}

// peerOf returns the other participant, or "" if u is not in the call.
func (s *callSession) peerOf(u domain.UserID) domain.UserID {
	switch u {
	case s.caller:
		return s.callee
	case s.callee:
		return s.caller
	default:
		return ""
	}
}

// CallManager owns every in-flight call session, keyed by the unordered
// participant pair. At most one non-terminated session exists per pair.
//
// Lock order: CallManager.mu may be taken before a session mutex, never
// after one.
type CallManager struct {
	Registry     *Registry
	OfferTimeout time.Duration

	mu       sync.Mutex
	sessions map[domain.PairKey]*callSession
}

func NewCallManager(reg *Registry, offerTimeout time.Duration) *CallManager {
	return &CallManager{
		Registry:     reg,
		OfferTimeout: offerTimeout,
		sessions:     make(map[domain.PairKey]*callSession),
	}
}

// Initiate creates a session in Offered and forwards the offer to the
// callee. An offer that is never answered expires after OfferTimeout so
// pending sessions cannot leak.
func (cm *CallManager) Initiate(caller domain.Identity, callee domain.UserID, displayName string, offer json.RawMessage) error {
	if callee == caller.UserID {
		return ErrMalformedPayload
	}
	calleeConn, ok := cm.Registry.Lookup(callee)
	if !ok {
		return ErrRecipientOffline
	}

	key := domain.PairOf(caller.UserID, callee)
	sess := &callSession{
		id:     domain.CallID(uuid.NewString()),
		key:    key,
		caller: caller.UserID,
		callee: callee,
		state:  domain.CallOffered,
	}

	cm.mu.Lock()
	if cur, exists := cm.sessions[key]; exists {
		cur.mu.Lock()
		live := cur.state != domain.CallTerminated
		cur.mu.Unlock()
		if live {
			cm.mu.Unlock()
			return ErrCallInProgress
		}
	}
	if cm.OfferTimeout > 0 {
		id := sess.id
		sess.timer = time.AfterFunc(cm.OfferTimeout, func() { cm.expire(key, id) })
	}
	cm.sessions[key] = sess
	cm.mu.Unlock()

	name := displayName
	if name == "" {
		name = caller.DisplayName
	}
	if !cm.push(calleeConn, proto.Envelope{
		Type:   proto.EventCallMade,
		From:   string(caller.UserID),
		Name:   name,
		Signal: offer,
	}) {
		// The offer never reached the callee; abort instead of leaving the
		// caller waiting on the timeout.
		sess.mu.Lock()
		sess.end()
		sess.mu.Unlock()
		cm.remove(key, sess)
		return ErrRecipientOffline
	}

	log.Info().Str("module", "app.calls").Str("call", string(sess.id)).
		Str("caller", string(caller.UserID)).Str("callee", string(callee)).Msg("offer relayed")
	return nil
}

// Accept moves Offered -> Answered -> Active, relays the answer to the
// caller, then flushes the candidates both sides trickled early, in receipt
// order. Valid only from the callee named in the session; anything else is
// ErrNoSuchCall, which also covers late accepts after a hang-up, a timeout,
// or the caller disconnecting.
func (cm *CallManager) Accept(callee domain.Identity, caller domain.UserID, answer json.RawMessage) error {
	sess := cm.get(domain.PairOf(callee.UserID, caller))
	if sess == nil {
		return ErrNoSuchCall
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != domain.CallOffered || sess.callee != callee.UserID || sess.caller != caller {
		return ErrNoSuchCall
	}

	callerConn, ok := cm.Registry.Lookup(sess.caller)
	if !ok {
		// Caller vanished between disconnect cleanup and this accept.
		sess.end()
		cm.removeAsync(sess)
		return ErrNoSuchCall
	}

	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.state = domain.CallAnswered

	cm.push(callerConn, proto.Envelope{
		Type:   proto.EventCallAccepted,
		From:   string(callee.UserID),
		Signal: answer,
	})

	sess.state = domain.CallActive

	for _, cand := range sess.fromCallee {
		cm.push(callerConn, proto.Envelope{
			Type:      proto.EventICECandidate,
			From:      string(sess.callee),
			Candidate: cand,
		})
	}
	if calleeConn, ok := cm.Registry.Lookup(sess.callee); ok {
		for _, cand := range sess.fromCaller {
			cm.push(calleeConn, proto.Envelope{
				Type:      proto.EventICECandidate,
				From:      string(sess.caller),
				Candidate: cand,
			})
		}
	}
	sess.fromCaller = nil
	sess.fromCallee = nil

	log.Info().Str("module", "app.calls").Str("call", string(sess.id)).Msg("call active")
	return nil
}

// RelayIce forwards a trickled candidate to the other participant, or
// buffers it while the session is still Offered.
func (cm *CallManager) RelayIce(from domain.Identity, to domain.UserID, candidate json.RawMessage) error {
	sess := cm.get(domain.PairOf(from.UserID, to))
	if sess == nil {
		return ErrNoSuchCall
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == domain.CallTerminated || sess.peerOf(from.UserID) != to {
		return ErrNoSuchCall
	}

	if sess.state == domain.CallOffered {
		buf := &sess.fromCallee
		if from.UserID == sess.caller {
			buf = &sess.fromCaller
		}
		if len(*buf) >= maxPendingCandidates {
			log.Warn().Str("module", "app.calls").Str("call", string(sess.id)).
				Str("from", string(from.UserID)).Msg("pending candidate buffer full, dropping")
			return nil
		}
		*buf = append(*buf, candidate)
		return nil
	}

	conn, ok := cm.Registry.Lookup(to)
	if !ok {
		return ErrRecipientOffline
	}
	cm.push(conn, proto.Envelope{
		Type:      proto.EventICECandidate,
		From:      string(from.UserID),
		Candidate: candidate,
	})
	return nil
}

// Terminate ends the call from by's side and notifies the other party if
// still registered. Terminating an already-gone session is a no-op, so a
// double hang-up never errors or leaks.
func (cm *CallManager) Terminate(by domain.Identity, other domain.UserID, reason string) bool {
	sess := cm.get(domain.PairOf(by.UserID, other))
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	if sess.state == domain.CallTerminated || sess.peerOf(by.UserID) != other {
		sess.mu.Unlock()
		return false
	}
	peer := sess.peerOf(by.UserID)
	id := sess.id
	sess.end()
	sess.mu.Unlock()
	cm.remove(sess.key, sess)

	if conn, ok := cm.Registry.Lookup(peer); ok {
		cm.push(conn, proto.Envelope{
			Type:   proto.EventCallEnded,
			From:   string(by.UserID),
			Reason: reason,
		})
	}
	log.Info().Str("module", "app.calls").Str("call", string(id)).
		Str("by", string(by.UserID)).Str("reason", reason).Msg("call terminated")
	return true
}

// TerminateAllFor tears down every session involving user. Called on
// disconnect, after the registry entry is gone.
func (cm *CallManager) TerminateAllFor(user domain.UserID, reason string) {
	cm.mu.Lock()
	involved := make([]*callSession, 0, 1)
	for _, s := range cm.sessions {
		if s.caller == user || s.callee == user {
			involved = append(involved, s)
		}
	}
	cm.mu.Unlock()

	for _, sess := range involved {
		sess.mu.Lock()
		if sess.state == domain.CallTerminated {
			sess.mu.Unlock()
			continue
		}
		peer := sess.peerOf(user)
		sess.end()
		sess.mu.Unlock()
		cm.remove(sess.key, sess)

		if conn, ok := cm.Registry.Lookup(peer); ok {
			cm.push(conn, proto.Envelope{
				Type:   proto.EventCallEnded,
				From:   string(user),
				Reason: reason,
			})
		}
	}
}

// State reports the live session state for a pair, if any.
func (cm *CallManager) State(a, b domain.UserID) (domain.CallState, bool) {
	sess := cm.get(domain.PairOf(a, b))
	if sess == nil {
		return 0, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == domain.CallTerminated {
		return 0, false
	}
	return sess.state, true
}

// expire fires from the offer timer. It re-checks call ID and state so a
// stale timer never touches a successor call between the same pair.
func (cm *CallManager) expire(key domain.PairKey, id domain.CallID) {
	sess := cm.get(key)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	if sess.id != id || sess.state != domain.CallOffered {
		sess.mu.Unlock()
		return
	}
	caller, callee := sess.caller, sess.callee
	sess.end()
	sess.mu.Unlock()
	cm.remove(key, sess)

	// Both sides learn about the expiry: the caller stops waiting, the
	// callee clears its incoming-call prompt.
	if conn, ok := cm.Registry.Lookup(caller); ok {
		cm.push(conn, proto.Envelope{Type: proto.EventCallEnded, From: string(callee), Reason: ReasonOfferTimeout})
	}
	if conn, ok := cm.Registry.Lookup(callee); ok {
		cm.push(conn, proto.Envelope{Type: proto.EventCallEnded, From: string(caller), Reason: ReasonOfferTimeout})
	}
	log.Info().Str("module", "app.calls").Str("call", string(id)).Msg("offer expired")
}

func (cm *CallManager) get(key domain.PairKey) *callSession {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.sessions[key]
}

func (cm *CallManager) remove(key domain.PairKey, sess *callSession) {
	cm.mu.Lock()
	if cm.sessions[key] == sess {
		delete(cm.sessions, key)
	}
	cm.mu.Unlock()
}

// removeAsync removes without taking cm.mu under the session lock; safe to
// call while holding sess.mu.
func (cm *CallManager) removeAsync(sess *callSession) {
	go cm.remove(sess.key, sess)
}

func (cm *CallManager) push(conn core.SignalConnection, e proto.Envelope) bool {
	frame, err := proto.Encode(e)
	if err != nil {
		log.Error().Err(err).Str("module", "app.calls").Str("type", string(e.Type)).Msg("encode event")
		return false
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Str("module", "app.calls").Str("type", string(e.Type)).Msg("send dropped")
		return false
	}
	return true
}
