package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/core"
	"github.com/dmarkov/huddle/internal/domain"
)

type regEntry struct {
	identity domain.Identity
	conn     core.SignalConnection
}

// Member is a registry snapshot row: who, plus where to reach them.
type Member struct {
	Identity domain.Identity
	Conn     core.SignalConnection
}

// Registry maps live connections to identities and back. It is the single
// source of truth for who is online. The mutex guards only the maps; sends
// always happen outside it.
type Registry struct {
	mu     sync.RWMutex
	byConn map[domain.ConnID]*regEntry
	byUser map[domain.UserID]domain.ConnID
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[domain.ConnID]*regEntry),
		byUser: make(map[domain.UserID]domain.ConnID),
	}
}

// Register binds an identity to a connection and allocates its UserID.
// A connection may hold at most one identity.
func (r *Registry) Register(conn domain.ConnID, sc core.SignalConnection, displayName string) (domain.Identity, error) {
	id, err := domain.NewIdentity(conn, displayName)
	if err != nil {
		return domain.Identity{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[conn]; ok {
		return domain.Identity{}, ErrDuplicateConnection
	}
	r.byConn[conn] = &regEntry{identity: id, conn: sc}
	r.byUser[id.UserID] = conn
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).
		Str("user", string(id.UserID)).Str("name", displayName).Msg("registered")
	return id, nil
}

// Unregister removes the binding. Returns the identity that was bound so the
// caller can tear down anything keyed by it.
func (r *Registry) Unregister(conn domain.ConnID) (domain.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[conn]
	if !ok {
		return domain.Identity{}, false
	}
	delete(r.byConn, conn)
	delete(r.byUser, e.identity.UserID)
	log.Info().Str("module", "app.registry").Str("conn", string(conn)).
		Str("user", string(e.identity.UserID)).Msg("unregistered")
	return e.identity, true
}

// IdentityOf resolves the sender of an inbound event.
func (r *Registry) IdentityOf(conn domain.ConnID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[conn]
	if !ok {
		return domain.Identity{}, false
	}
	return e.identity, true
}

// Lookup resolves an addressed recipient. Absent means offline, never an
// error.
func (r *Registry) Lookup(user domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[user]
	if !ok {
		return nil, false
	}
	e, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// All returns the current roster.
func (r *Registry) All() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.byConn))
	for _, e := range r.byConn {
		out = append(out, e.identity)
	}
	return out
}

// Snapshot returns roster and reachability in one consistent read, for the
// presence push.
func (r *Registry) Snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.byConn))
	for _, e := range r.byConn {
		out = append(out, Member{Identity: e.identity, Conn: e.conn})
	}
	return out
}
