// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
)

type (
	// ConnID identifies a live transport connection. It is allocated by the
	// adapter on upgrade and dies with the socket.
	ConnID string

	// UserID is allocated server-side at login time, unique per active
	// connection.
	UserID string
)

// Identity binds a connection to the user it claims to be. The display name
// is an unvalidated claim, not a security boundary.
type Identity struct {
	ConnID      ConnID `json:"-"`
	UserID      UserID `json:"userId"`
	DisplayName string `json:"username"`
}

// NewIdentity allocates a fresh UserID for a connection. The name rules here
// are the only validation login gets.
func NewIdentity(conn ConnID, displayName string) (Identity, error) {
	if len(displayName) == 0 {
		return Identity{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	return Identity{
		ConnID:      conn,
		UserID:      UserID(uuid.NewString()),
		DisplayName: displayName,
	}, nil
}
