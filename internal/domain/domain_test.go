package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity("c1", "alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if id.ConnID != "c1" || id.DisplayName != "alice" {
		t.Fatalf("identity = %+v", id)
	}
	if id.UserID == "" {
		t.Fatal("expected a generated UserID")
	}

	other, err := NewIdentity("c2", "alice")
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	if other.UserID == id.UserID {
		t.Fatal("two identities share a UserID")
	}
}

func TestNewIdentityNameRules(t *testing.T) {
	if _, err := NewIdentity("c1", ""); !errors.Is(err, ErrDisplayNameEmpty) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := NewIdentity("c1", strings.Repeat("a", MaxDisplayNameLen+1)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("long name err = %v", err)
	}
	if _, err := NewIdentity("c1", strings.Repeat("a", MaxDisplayNameLen)); err != nil {
		t.Fatalf("max-length name err = %v", err)
	}
}

func TestPairOfIsUnordered(t *testing.T) {
	if PairOf("u1", "u2") != PairOf("u2", "u1") {
		t.Fatal("PairOf must not depend on argument order")
	}
	if PairOf("u1", "u2") == PairOf("u1", "u3") {
		t.Fatal("distinct pairs collide")
	}
}

func TestCallStateString(t *testing.T) {
	states := map[CallState]string{
		CallOffered:    "offered",
		CallAnswered:   "answered",
		CallActive:     "active",
		CallTerminated: "terminated",
		CallState(0):   "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
