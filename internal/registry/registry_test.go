package registry

import (
	"testing"

	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

func newDeadSession() *tunnel.Session {
	// A session that was never Open()'d behaves exactly like one whose
	// backend socket has already closed: IsClosing() is true.
	return tunnel.NewSession("127.0.0.1", 1, 4096, 8, 4, false)
}

func TestCreateAndLookup(t *testing.T) {
	r := New(4)
	id, err := r.Create(newDeadSession())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := r.Lookup(id); err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	if _, err := r.Lookup("not-a-real-id"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateEnforcesMaxSessions(t *testing.T) {
	r := New(1)
	if _, err := r.Create(newDeadSession()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := r.Create(newDeadSession()); err != ErrTooManySessions {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
}

func TestReapRemovesDeadSessions(t *testing.T) {
	r := New(4)
	id, err := r.Create(newDeadSession())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Reap()

	if _, err := r.Lookup(id); err != ErrNotFound {
		t.Fatalf("expected session to be reaped, lookup err = %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry after reap, got %d", r.Len())
	}
}
