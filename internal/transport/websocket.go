package transport

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HaloDragon7410/http-tunnel/internal/tunnel"
)

// wsLongPollTimeout is the WS send loop's outbound-drain timeout
// (spec.md §4.5: "send long-polls oqueue (timeout 10s)").
const wsLongPollTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	// The tunnel payload is opaque and the endpoint carries its own
	// handshake/nonce authentication, so origin checking adds nothing
	// an attacker's browser-based client couldn't bypass anyway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is the WS recv side's JSON shape: the envelope without the
// fields only ever sent server->client (spec.md §6).
type inboundFrame struct {
	TokenID string `json:"tokenid"`
	Token   string `json:"token"`
}

// wsConn serializes writes across the recv and send goroutines, since a
// single gorilla/websocket connection must not be written from two
// goroutines concurrently.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleWebSocket authenticates from cookies (mode=ws) and, on success,
// upgrades and runs the recv/send tasks concurrently for the life of the
// connection (spec.md §4.5, §9's cooperative/parallel mixing note).
func (srv *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sidCookie, err := r.Cookie("sid")
	if err != nil {
		writeError(w, "", errSessionIDNotFound)
		return
	}
	nonceCookie, err := r.Cookie("nonce")
	if err != nil {
		writeError(w, sidCookie.Value, errInvalidNonce)
		return
	}

	session, ok := srv.authenticate(w, sidCookie.Value, nonceCookie.Value, tunnel.ModeWS, false)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, http.Header{
		"Set-Cookie": []string{"sid=" + sidCookie.Value + "; Path=/api/"},
	})
	if err != nil {
		log.Printf("[E] websocket upgrade failed: %v", err)
		return
	}
	ws := &wsConn{conn: conn}

	// Either side's termination closes the whole socket (spec.md §4.5),
	// matching server.py's recv_ws/send_ws each calling websocket.close()
	// on their own way out rather than waiting on the other.
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeConn()
		srv.wsRecv(ws, session)
	}()
	go func() {
		defer wg.Done()
		defer closeConn()
		srv.wsSend(ws, sidCookie.Value, session)
	}()
	wg.Wait()
}

// wsRecv parses each inbound JSON frame and enqueues its chunks, exiting
// (and closing the connection, via the caller's defer) on any read,
// parse, or decode error, or once the session starts closing.
func (srv *Server) wsRecv(ws *wsConn, session *tunnel.Session) {
	for !session.IsClosing() {
		var frame inboundFrame
		if err := ws.conn.ReadJSON(&frame); err != nil {
			return
		}

		if kind := decodeInbound(session, frame.TokenID, frame.Token); kind != nil {
			_ = ws.writeJSON(Envelope{Error: errStr(kind.message)})
			return
		}
		session.Signal()
	}
}

// wsSend long-polls the outbound queue and pushes each batch as a JSON
// frame, matching the HTTP long-poll drain the GET handler uses.
func (srv *Server) wsSend(ws *wsConn, sid string, session *tunnel.Session) {
	for !session.IsClosing() {
		env, _ := drainOutbound(session, sid, srv.Cfg.QueueSize, wsLongPollTimeout)
		if env.Error == nil {
			session.Signal()
		}
		if err := ws.writeJSON(env); err != nil {
			return
		}
	}
}
