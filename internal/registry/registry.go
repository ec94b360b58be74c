// Package registry is the process-wide mapping from session ID to
// Forwarder: creation, lookup, and reaping of dead sessions under a
// bounded population. Grounded on the Python original's module-level
// `sessions` dict plus its `clean_up()` function.
package registry

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/HaloDragon7410/http-tunnel/internal/metrics"
	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

// logTag logs a registry lifecycle event at the given severity, mirroring
// server.py's "[I]"/"[W]"/"[E]"/"[D]" print-tag convention.
func logTag(level string, args ...interface{}) {
	log.Println(append([]interface{}{"[" + level + "]"}, args...)...)
}

// ErrTooManySessions is returned by Create when the registry is already
// at MaxSessions.
var ErrTooManySessions = errors.New("too many sessions")

// ErrNotFound is returned by Lookup for an unknown session ID.
var ErrNotFound = errors.New("session id not found")

// Registry is the single mutable module-level map kept behind a mutex;
// every operation here is serialized (spec.md §4.4).
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*tunnel.Session
	maxSessions int
}

// New creates an empty registry bounded at maxSessions live sessions.
func New(maxSessions int) *Registry {
	return &Registry{
		sessions:    make(map[string]*tunnel.Session),
		maxSessions: maxSessions,
	}
}

// Lookup returns the session for id, or ErrNotFound.
func (r *Registry) Lookup(id string) (*tunnel.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Create reserves a fresh UUID (retrying on collision) and registers
// session under it, rejecting with ErrTooManySessions once the registry
// is at capacity.
func (r *Registry) Create(session *tunnel.Session) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return "", ErrTooManySessions
	}

	id := uuid.NewString()
	for {
		if _, exists := r.sessions[id]; !exists {
			break
		}
		id = uuid.NewString()
	}

	r.sessions[id] = session
	return id, nil
}

// Remove unconditionally drops id from the registry. It does not close
// the session; callers that want a hard stop should call Session.Close
// first.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Reap removes every session whose backend socket is already closed,
// waiting for each one's workers to finish first (spec.md §4.4: "a
// session whose TCP socket is closed is eligible for reaping only after
// its watchdog task has terminated").
func (r *Registry) Reap() {
	r.mu.Lock()
	dead := make([]string, 0)
	for id, s := range r.sessions {
		if s.IsClosing() {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.mu.Lock()
		s, ok := r.sessions[id]
		r.mu.Unlock()
		if !ok {
			continue
		}

		s.Close() // idempotent; joins the watchdog/writer/reader goroutines

		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		metrics.SessionsActive.Dec()
		metrics.SessionsClosedTotal.Inc()
		logTag("I", "deleted dead session:", id)
	}
}

// Len reports the current number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
