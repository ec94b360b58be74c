// Package transport is the HTTP and WebSocket facade: the four
// authenticated entry points plus the unauthenticated root handshake
// route, built directly on net/http rather than a framework (spec.md
// §4.5 treats the embedded server as an external collaborator).
package transport

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HaloDragon7410/http-tunnel/internal/config"
	"github.com/HaloDragon7410/http-tunnel/internal/cryptoutil"
	"github.com/HaloDragon7410/http-tunnel/internal/metrics"
	"github.com/HaloDragon7410/http-tunnel/internal/registry"
	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

// getLongPollTimeout, getWithPutTimeout and bodyPutTimeout are the
// per-endpoint outbound-drain timeouts spec.md §4.5 assigns to each shape
// of /api/session request.
const (
	getLongPollTimeout = 10 * time.Second
	getWithPutTimeout  = 50 * time.Millisecond
	bodyPutTimeout     = 20 * time.Millisecond
)

// Server wires the crypto identity, the session registry, and the runtime
// configuration into net/http handlers.
type Server struct {
	KeyPair  *cryptoutil.KeyPair
	Registry *registry.Registry
	Cfg      config.Config
}

// NewServer builds a Server ready to have its Routes mounted.
func NewServer(keyPair *cryptoutil.KeyPair, reg *registry.Registry, cfg config.Config) *Server {
	return &Server{KeyPair: keyPair, Registry: reg, Cfg: cfg}
}

// Routes builds the server's handler tree. /metrics is mounted here only
// when it shares the main listen address (cmd/http-tunnel-server starts a
// dedicated listener on a distinct MetricsAddr instead).
func (srv *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.handleRoot)
	mux.HandleFunc("/api/login", srv.handleLogin)
	mux.HandleFunc("/api/session", srv.handleSession)
	mux.HandleFunc("/api/logout", srv.handleLogout)
	if srv.Cfg.Metrics && (srv.Cfg.MetricsAddr == "" || srv.Cfg.MetricsAddr == srv.Cfg.Listen) {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// MetricsRoutes builds the standalone /metrics handler tree for a dedicated
// metrics listener.
func MetricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleRoot is the sole unauthenticated entry point: it hands out the
// server's public key (spec.md §4.5).
func (srv *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(srv.KeyPair.PublicPEM()))
}

// handleLogin decrypts the asymmetric secret and the passphrase-encrypted
// target, opens the backend TCP connection, and registers the session
// (spec.md §4.5's login endpoint).
func (srv *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	secret := q.Get("secret")
	tokenB64 := q.Get("token")

	passphrase, err := srv.KeyPair.Decrypt(secret)
	if err != nil {
		log.Printf("[E] failed to decrypt secret: %v", err)
		writeError(w, "", errInvalidSecret)
		return
	}

	cipher, err := cryptoutil.NewSymmetricCipher(passphrase)
	if err != nil {
		log.Printf("[E] failed to derive session cipher: %v", err)
		writeError(w, "", errInvalidToken)
		return
	}

	targetRaw, err := cipher.Decrypt(tokenB64)
	if err != nil {
		log.Printf("[E] failed to decrypt token: %v", err)
		writeError(w, "", errInvalidToken)
		return
	}

	host, port, err := splitHostPort(string(targetRaw))
	if err != nil {
		log.Printf("[D] invalid host/port in token: %v", err)
		writeError(w, "", errInvalidToken)
		return
	}

	srv.Registry.Reap()
	if srv.Registry.Len() >= srv.Cfg.MaxSessions {
		writeError(w, "", errTooManySessions)
		return
	}

	session := tunnel.NewSession(host, port, srv.Cfg.BufferSize, srv.Cfg.QueueSize, srv.Cfg.ReorderLimit, srv.Cfg.Compress)
	if err := session.Open(); err != nil {
		log.Printf("[D] failed to connect: %s:%d: %v", host, port, err)
		writeError(w, "", errConnectFailed)
		return
	}
	session.Cipher = cipher

	sid, err := srv.Registry.Create(session)
	if err != nil {
		session.Close()
		writeError(w, "", errTooManySessions)
		return
	}

	log.Printf("[I] session opened: %s %s:%d", sid, host, port)
	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionsActive.Inc()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "application/json")
	setSIDCookie(w, sid)
	writeJSON(w, Envelope{Error: errNone, SID: sid})
}

// handleSession dispatches /api/session across its four shapes: the
// WebSocket upgrade, the GET long-poll/put hybrid, and the body-carrying
// methods.
func (srv *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		srv.handleWebSocket(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		srv.handleSessionGet(w, r)
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		srv.handleSessionBody(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, PUT, DELETE, PATCH")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSessionGet implements the two GET shapes: with tokenid/token it
// behaves as a put-then-short-drain; without, as a 10s long-poll
// (spec.md §4.5).
func (srv *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	nonce := q.Get("nonce")
	hasTokenID := q.Has("tokenid")
	hasToken := q.Has("token")

	if hasTokenID != hasToken {
		writeError(w, sid, errInvalidToken)
		return
	}

	mode := tunnel.ModeGet
	timeout := getLongPollTimeout
	allowClosingBypass := true
	if hasTokenID {
		mode = tunnel.ModePut
		timeout = getWithPutTimeout
		allowClosingBypass = false
	}

	session, ok := srv.authenticate(w, sid, nonce, mode, allowClosingBypass)
	if !ok {
		return
	}

	if hasTokenID {
		if kind := decodeInbound(session, q.Get("tokenid"), q.Get("token")); kind != nil {
			writeError(w, sid, *kind)
			return
		}
	}

	env, status := drainOutbound(session, sid, srv.Cfg.QueueSize, timeout)
	session.Signal()
	metrics.RequestsTotal.WithLabelValues("session.get", envelopeOutcome(env)).Inc()
	respondEnvelope(w, sid, env, status)
}

// handleSessionBody implements POST/PUT/DELETE/PATCH: always a put plus a
// short 20ms drain (spec.md §4.5).
func (srv *Server) handleSessionBody(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	nonce := q.Get("nonce")
	tokenid := q.Get("tokenid")
	token := q.Get("token")

	session, ok := srv.authenticate(w, sid, nonce, tunnel.ModePut, false)
	if !ok {
		return
	}

	if kind := decodeInbound(session, tokenid, token); kind != nil {
		writeError(w, sid, *kind)
		return
	}

	env, status := drainOutbound(session, sid, srv.Cfg.QueueSize, bodyPutTimeout)
	session.Signal()
	metrics.RequestsTotal.WithLabelValues("session.body", envelopeOutcome(env)).Inc()
	respondEnvelope(w, sid, env, status)
}

// handleLogout requires a nonce ahead of both the get and put counters,
// then tears the session down for good (spec.md §4.5).
func (srv *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	nonceB64 := q.Get("nonce")

	session, err := srv.Registry.Lookup(sid)
	if err != nil {
		writeError(w, sid, errSessionIDNotFound)
		return
	}

	nonce, err := decryptNonce(session, nonceB64)
	if err != nil {
		writeError(w, sid, errInvalidNonce)
		return
	}

	if !session.CheckLogoutNonce(nonce) {
		writeError(w, sid, errDuplicatedNonce)
		return
	}

	log.Printf("[I] closing session: %s", sid)
	session.Close()
	srv.Registry.Remove(sid)
	srv.Registry.Reap()
	metrics.SessionsActive.Dec()
	metrics.SessionsClosedTotal.Inc()

	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, Envelope{Error: errNone})
}

// authenticate runs the common preamble shared by every /api/session
// request (spec.md §4.5): sid lookup, nonce decryption, the
// closing-session check (bypassed only for the bare GET long-poll), and
// per-mode nonce monotonicity enforcement.
func (srv *Server) authenticate(w http.ResponseWriter, sid, nonceB64 string, mode tunnel.NonceMode, allowClosingBypass bool) (*tunnel.Session, bool) {
	session, err := srv.Registry.Lookup(sid)
	if err != nil {
		writeError(w, sid, errSessionIDNotFound)
		return nil, false
	}

	nonce, err := decryptNonce(session, nonceB64)
	if err != nil {
		writeError(w, sid, errInvalidNonce)
		return nil, false
	}

	if session.IsClosing() && !allowClosingBypass {
		srv.Registry.Reap()
		writeError(w, sid, errSessionAlreadyClosed)
		return nil, false
	}

	if !session.CheckNonce(mode, nonce) {
		writeError(w, sid, errDuplicatedNonce)
		return nil, false
	}

	return session, true
}

// decryptNonce decrypts nonceB64 under the session's cipher to the
// floating-point wall timestamp it encodes.
func decryptNonce(session *tunnel.Session, nonceB64 string) (float64, error) {
	raw, err := session.Cipher.Decrypt(nonceB64)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(raw), 64)
}

// respondEnvelope writes env with the Connection:keep-alive header every
// non-fatal session response carries, plus the sid cookie.
func respondEnvelope(w http.ResponseWriter, sid string, env Envelope, status int) {
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Type", "application/json")
	setSIDCookie(w, sid)
	w.WriteHeader(status)
	writeJSON(w, env)
}

// envelopeOutcome labels a request metric by its Error field, or "" on
// success.
func envelopeOutcome(env Envelope) string {
	if env.Error == nil {
		return ""
	}
	return *env.Error
}

// splitHostPort mirrors the Python original's naive `"host:port".split(':')`
// — host is the first colon-separated field, port the second; any further
// fields are ignored.
var errMalformedTarget = errors.New("malformed host:port")

func splitHostPort(target string) (string, int, error) {
	parts := strings.Split(target, ":")
	if len(parts) < 2 {
		return "", 0, errMalformedTarget
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, err
	}
	return parts[0], port, nil
}
