package app

import "errors"

// Error taxonomy of the relay. All of these are recoverable and local to the
// request that triggered them; none terminates the process or the offending
// connection.
var (
	ErrDuplicateConnection = errors.New("connection already has an identity")
	ErrNotLoggedIn         = errors.New("connection has no identity")
	ErrRecipientOffline    = errors.New("recipient offline")
	ErrCallInProgress      = errors.New("call already in progress for this pair")
	ErrNoSuchCall          = errors.New("no such call")
	ErrMalformedPayload    = errors.New("malformed payload")
)
