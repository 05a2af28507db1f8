package app

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmarkov/huddle/internal/core"
	"github.com/dmarkov/huddle/internal/domain"
	"github.com/dmarkov/huddle/internal/proto"
)

// fakeConn records every frame pushed at it. failSends simulates a full send
// buffer.
type fakeConn struct {
	mu        sync.Mutex
	frames    []core.Frame
	failSends bool
	closed    bool
}

var errBufferFull = errors.New("send buffer full")

func (f *fakeConn) TrySend(frame core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends {
		return errBufferFull
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// events decodes everything received so far.
func (f *fakeConn) events(t *testing.T) []proto.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		e, err := proto.Parse(frame)
		if err != nil {
			t.Fatalf("conn received unparseable frame %q: %v", frame, err)
		}
		out = append(out, e)
	}
	return out
}

func (f *fakeConn) eventsOfType(t *testing.T, typ proto.EventType) []proto.Envelope {
	t.Helper()
	var out []proto.Envelope
	for _, e := range f.events(t) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

var connSeq int

// register adds a user to the registry on a fresh fake connection.
func register(t *testing.T, reg *Registry, name string) (domain.Identity, *fakeConn) {
	t.Helper()
	connSeq++
	conn := &fakeConn{}
	id, err := reg.Register(domain.ConnID(fmt.Sprintf("conn-%d", connSeq)), conn, name)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return id, conn
}

// waitFor polls cond until it holds or the deadline passes. Used where a
// timer or goroutine has to fire first.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
