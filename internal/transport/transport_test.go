package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/HaloDragon7410/http-tunnel/internal/config"
	"github.com/HaloDragon7410/http-tunnel/internal/cryptoutil"
	"github.com/HaloDragon7410/http-tunnel/internal/registry"
	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	kp, err := cryptoutil.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfg := config.Default()
	cfg.BufferSize = 256
	cfg.QueueSize = 4
	cfg.ReorderLimit = 4
	return NewServer(kp, registry.New(4), cfg)
}

func rsaEncrypt(t *testing.T, publicPEM, plaintext string) string {
	t.Helper()
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		t.Fatalf("failed to decode PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey: %v", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("not an RSA public key")
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, []byte(plaintext), nil)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func TestRootReturnsPublicPEM(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); len(got) < 26 || got[:26] != "-----BEGIN PUBLIC KEY-----" {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestLoginOpensBackendConnection(t *testing.T) {
	srv := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())

	passphrase := "correct horse battery staple"
	secret := rsaEncrypt(t, srv.KeyPair.PublicPEM(), passphrase)

	cipher, err := cryptoutil.NewSymmetricCipher([]byte(passphrase))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}
	token := cipher.Encrypt([]byte("127.0.0.1:" + portStr))

	req := httptest.NewRequest(http.MethodGet, "/api/login?"+url.Values{
		"secret": {secret},
		"token":  {token},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error != nil {
		t.Fatalf("unexpected error: %v", *env.Error)
	}
	if env.SID == "" {
		t.Fatalf("expected a sid")
	}

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("backend did not see an inbound connection")
	}

	if _, err := srv.Registry.Lookup(env.SID); err != nil {
		t.Fatalf("expected session to be registered: %v", err)
	}
}

func TestLoginInvalidSecret(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/login?secret=not-valid-base64!!&token=x", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLoginTooManySessions(t *testing.T) {
	srv := newTestServer(t)
	srv.Cfg.MaxSessions = 0

	passphrase := "over capacity passphrase"
	secret := rsaEncrypt(t, srv.KeyPair.PublicPEM(), passphrase)
	cipher, err := cryptoutil.NewSymmetricCipher([]byte(passphrase))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}
	token := cipher.Encrypt([]byte("127.0.0.1:9"))

	req := httptest.NewRequest(http.MethodGet, "/api/login?"+url.Values{
		"secret": {secret},
		"token":  {token},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginConnectFailed(t *testing.T) {
	srv := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close() // nothing listens on this port from here on

	passphrase := "connect failed passphrase"
	secret := rsaEncrypt(t, srv.KeyPair.PublicPEM(), passphrase)
	cipher, err := cryptoutil.NewSymmetricCipher([]byte(passphrase))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}
	token := cipher.Encrypt([]byte("127.0.0.1:" + portStr))

	req := httptest.NewRequest(http.MethodGet, "/api/login?"+url.Values{
		"secret": {secret},
		"token":  {token},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionUnknownSID(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/session?sid=does-not-exist&nonce=x", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessionDuplicatedNonceRejected(t *testing.T) {
	srv, sid, cipher := loggedInSession(t, newTestServer(t))

	nonce := cipher.Encrypt([]byte("1000.0"))
	tokenid := cipher.Encrypt([]byte("1"))
	token := cipher.Encrypt([]byte("hello"))

	// PUT has no closing-bypass branch and a 20ms drain timeout, so this
	// exercises the duplicate-nonce rejection without a multi-second wait.
	values := url.Values{
		"sid":     {sid},
		"nonce":   {nonce},
		"tokenid": {tokenid},
		"token":   {token},
	}

	req := httptest.NewRequest(http.MethodPut, "/api/session?"+values.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK && rec.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 200/202, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPut, "/api/session?"+values.Encode(), nil)
	rec2 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("replay: expected 403, got %d: %s", rec2.Code, rec2.Body.String())
	}
}

// TestDrainOutboundTerminalItemOnClosingSession exercises drainOutbound's
// timeout+closing branch directly: once the backend hangs up and the
// session's own terminal sentinel has already been drained, a further
// drain on a closing session must synthesize exactly one more terminal
// item once the drain timeout elapses (out_seq incremented, empty token,
// status 200) rather than a bare 202 (spec.md §4.5, §9's resolved open
// question).
func TestDrainOutboundTerminalItemOnClosingSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cipher, err := cryptoutil.NewSymmetricCipher([]byte("terminal item passphrase"))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}

	session := tunnel.NewSession("127.0.0.1", port, 256, 4, 4, false)
	if err := session.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	session.Cipher = cipher
	t.Cleanup(session.Close)

	conn := <-accepted
	conn.Close() // backend hangs up; the session's own goroutines unwind

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !session.IsClosing() {
		time.Sleep(5 * time.Millisecond)
	}
	if !session.IsClosing() {
		t.Fatalf("expected session to be closing after backend hangup")
	}

	// First drain absorbs the real EOF sentinel the reader goroutine
	// posted to OutQueue; its shape isn't the point of this test.
	drainOutbound(session, "sid123", 4, 50*time.Millisecond)

	env, status := drainOutbound(session, "sid123", 4, 20*time.Millisecond)
	if status != http.StatusOK {
		t.Fatalf("expected 200 for the synthesized terminal item, got %d", status)
	}
	if env.Error == nil || *env.Error != "Timeout" {
		t.Fatalf("expected a Timeout envelope, got %+v", env)
	}
	if env.TokenID == "" {
		t.Fatalf("expected a tokenid carrying the terminal out_seq")
	}
	plain, err := cipher.Decrypt(env.Token)
	if err != nil {
		t.Fatalf("decrypt token: %v", err)
	}
	if len(plain) != 0 {
		t.Fatalf("expected an empty terminal payload, got %q", plain)
	}
}

// loggedInSession drives a real login through the handler against a
// throwaway backend listener, returning the server, the new sid, and the
// session cipher a test needs to encrypt further requests.
func loggedInSession(t *testing.T, srv *Server) (*Server, string, *cryptoutil.SymmetricCipher) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			conn.Close()
		default:
		}
	})

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	passphrase := "a shared passphrase"
	secret := rsaEncrypt(t, srv.KeyPair.PublicPEM(), passphrase)

	cipher, err := cryptoutil.NewSymmetricCipher([]byte(passphrase))
	if err != nil {
		t.Fatalf("NewSymmetricCipher: %v", err)
	}
	token := cipher.Encrypt([]byte("127.0.0.1:" + strconv.Itoa(port)))

	req := httptest.NewRequest(http.MethodGet, "/api/login?"+url.Values{
		"secret": {secret},
		"token":  {token},
	}.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d: %s", rec.Code, rec.Body.String())
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return srv, env.SID, cipher
}
