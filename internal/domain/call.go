package domain

// CallID identifies one call attempt. A new attempt between the same pair
// gets a new ID.
type CallID string

// PairKey is the unordered {caller, callee} pair a call session is keyed by.
type PairKey string

// PairOf builds the key so that PairOf(a, b) == PairOf(b, a).
func PairOf(a, b UserID) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey(string(a) + "|" + string(b))
}

// CallState is the lifecycle of a call session. There is no Idle value: an
// idle pair simply has no session.
type CallState int

const (
	CallOffered CallState = iota + 1
	CallAnswered
	CallActive
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallOffered:
		return "offered"
	case CallAnswered:
		return "answered"
	case CallActive:
		return "active"
	case CallTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
