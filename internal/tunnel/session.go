// Package tunnel implements the per-session Forwarder: the TCP leg of the
// tunnel, the reorder-fed writer, the backend reader, and the watchdog
// that bounds a session's idle time. See spec.md §4.3 and §3.
package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/HaloDragon7410/http-tunnel/internal/cryptoutil"
)

// Chunk is an inbound unit of the client->backend stream. A zero-length
// Payload is the in-band end-of-stream marker.
type Chunk struct {
	Seq     uint64
	Payload []byte
}

// Outbound is an opaque byte chunk read from the backend. A zero-length
// Outbound signals backend EOF.
type Outbound struct {
	Payload []byte
}

// Session owns one outbound TCP connection and the state needed to
// reassemble inbound chunks and drain backend replies, per spec.md §3.
type Session struct {
	Host string
	Port int

	Cipher *cryptoutil.SymmetricCipher

	BufferSize   int
	QueueSize    int
	ReorderLimit int
	Compress     bool

	connMu sync.Mutex
	conn   net.Conn

	// nextIn is written only by the writer goroutine.
	nextIn uint64

	// drainMu guards outSeq so its increment is atomic with emitting the
	// item it labels, even when two handlers drain concurrently.
	drainMu sync.Mutex
	outSeq  uint64

	nonceMu  sync.Mutex
	getNonce float64
	putNonce float64
	wsNonce  float64

	InQueue  *InboundQueue
	OutQueue *OutboundQueue

	watchdog        chan struct{}
	watchdogTimeout time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// NonceMode selects which of the three independent replay-guard counters a
// request belongs to.
type NonceMode int

const (
	// ModeGet is the long-poll GET /api/session path.
	ModeGet NonceMode = iota
	// ModePut is the body-carrying PUT/POST/DELETE/PATCH and
	// tokenid-carrying GET path.
	ModePut
	// ModeWS is the WebSocket path.
	ModeWS
)

// CheckNonce reports whether nonce is strictly greater than the stored
// nonce for mode, and if so atomically stores it. A false return means the
// caller must reject the request as a duplicated nonce without mutating
// any session state.
func (s *Session) CheckNonce(mode NonceMode, nonce float64) bool {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	switch mode {
	case ModeGet:
		if nonce <= s.getNonce {
			return false
		}
		s.getNonce = nonce
	case ModePut:
		if nonce <= s.putNonce {
			return false
		}
		s.putNonce = nonce
	case ModeWS:
		if nonce <= s.wsNonce {
			return false
		}
		s.wsNonce = nonce
	}
	return true
}

// CheckLogoutNonce requires nonce to be strictly greater than BOTH the
// get and put nonces (spec.md §4.5's logout rule); it does not mutate
// state since logout tears the session down regardless.
func (s *Session) CheckLogoutNonce(nonce float64) bool {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()
	return nonce > s.putNonce && nonce > s.getNonce
}

// Conn returns the current backend connection, or nil if the session is
// closing.
func (s *Session) Conn() net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// IsClosing reports whether the session's backend socket has been torn
// down (spec.md §3's "closing" state).
func (s *Session) IsClosing() bool {
	return s.Conn() == nil
}

// DrainLock/DrainUnlock let the transport layer hold the drain lock across
// a whole drain operation (one blocking Get plus zero or more opportunistic
// TryGets), so out_seq increments stay atomic with their emission even
// when two handlers could drain concurrently (spec.md §5). Callers must
// hold the lock before calling NextOutSeqLocked.
func (s *Session) DrainLock()   { s.drainMu.Lock() }
func (s *Session) DrainUnlock() { s.drainMu.Unlock() }

// NextOutSeqLocked increments and returns the session's outbound sequence
// counter. The caller must hold DrainLock; it is called exactly once per
// outbound item actually emitted to the client (spec.md §9's resolved open
// question).
func (s *Session) NextOutSeqLocked() uint64 {
	s.outSeq++
	return s.outSeq
}

// Signal wakes the watchdog, resetting its 30-second idle bound. Called by
// any request handler that observes activity on the session.
func (s *Session) Signal() {
	select {
	case s.watchdog <- struct{}{}:
	default:
	}
}
