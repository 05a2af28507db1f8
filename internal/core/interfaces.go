// Package core holds the transport-facing contracts shared by the app layer
// and the adapters.
package core

// Frame is one encoded outbound event.
type Frame []byte

// SignalConnection abstracts the signaling transport endpoint of one client.
// Owned by the adapter; the adapter must Close() it. TrySend never blocks:
// a slow consumer gets its frame dropped, not the relay stalled.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
