package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dmarkov/huddle/internal/proto"
)

// Presence pushes the full roster to every registered connection whenever
// membership changes. The roster is recomputed from scratch each time, never
// patched; roster sizes are small enough that simplicity wins.
type Presence struct {
	Registry *Registry
}

// Broadcast must run after the registry mutation committed, so a newly
// logged-in user appears in the very push it receives.
func (p *Presence) Broadcast() {
	members := p.Registry.Snapshot()

	users := make([]proto.User, 0, len(members))
	for _, m := range members {
		users = append(users, proto.User{
			UserID:   string(m.Identity.UserID),
			Username: m.Identity.DisplayName,
		})
	}

	frame, err := proto.Encode(proto.Envelope{Type: proto.EventUserList, Users: users})
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("encode roster")
		return
	}

	for _, m := range members {
		if err := m.Conn.TrySend(frame); err != nil {
			log.Warn().Str("module", "app.presence").
				Str("user", string(m.Identity.UserID)).Msg("roster push dropped")
		}
	}
}
