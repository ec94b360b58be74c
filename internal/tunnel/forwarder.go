package tunnel

import (
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/HaloDragon7410/http-tunnel/internal/compress"
	"github.com/HaloDragon7410/http-tunnel/internal/metrics"
	"github.com/HaloDragon7410/http-tunnel/internal/reorder"
)

// logTag logs a session lifecycle event at the given severity, mirroring
// server.py's "[I]"/"[W]"/"[E]"/"[D]" print-tag convention.
func logTag(level string, args ...interface{}) {
	log.Println(append([]interface{}{"[" + level + "]"}, args...)...)
}

// watchdogInterval bounds how long a session may go without activity
// before it is closed (spec.md §4.3), and doubles as the reassembler's
// dequeue timeout per spec.md §4.2.
const watchdogInterval = 30 * time.Second

// keepAliveIdle mirrors the Python original's TCP_KEEPIDLE=30 setting.
// The stdlib's net.TCPConn only exposes a single keepalive period knob
// (no separate interval/count), so TCP_KEEPINTVL=10 and TCP_KEEPCNT=3
// have no direct equivalent here; see DESIGN.md.
const keepAliveIdle = 30 * time.Second

// NewSession creates a session bound to host:port, not yet connected. The
// queue sizes and reorder limit come from the server configuration.
func NewSession(host string, port, bufferSize, queueSize, reorderLimit int, compressEnabled bool) *Session {
	return &Session{
		Host:            host,
		Port:            port,
		BufferSize:      bufferSize,
		QueueSize:       queueSize,
		ReorderLimit:    reorderLimit,
		Compress:        compressEnabled,
		InQueue:         NewInboundQueue(),
		OutQueue:        NewOutboundQueue(queueSize),
		watchdog:        make(chan struct{}, 1),
		done:            make(chan struct{}),
		watchdogTimeout: watchdogInterval,
	}
}

// Open dials the backend TCP host:port and, on success, sets keepalive
// options and starts the writer, reader, and watchdog goroutines. On
// failure the session is left with a nil connection ("born dead"); the
// caller (login handler) reports ConnectFailed and never registers it.
func (s *Session) Open() error {
	conn, err := net.Dial("tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	if err != nil {
		return errors.Wrap(err, "dial backend")
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAliveIdle)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.wg.Add(3)
	go s.runWriter()
	go s.runReader()
	go s.runWatchdog()
	return nil
}

// closeConn idempotently shuts down and closes the backend socket,
// leaving IsClosing() true from this point on.
func (s *Session) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn == nil {
		return
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetLinger(0)
	}
	conn.Close()
}

// teardown performs the full, idempotent shutdown: close the backend
// socket, close the inbound queue (the sentinel, Go-style), drain the
// outbound queue, wake the watchdog, and release anything blocked on
// s.done. It never blocks on s.wg, so it is safe to call from inside a
// worker goroutine (the watchdog does exactly that on timeout).
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.closeConn()
		s.InQueue.Close()
		s.OutQueue.Drain()
		s.Signal()
		close(s.done)
	})
}

// Close runs teardown and then waits for the writer, reader, and watchdog
// goroutines to exit. Callers (the logout handler, registry reaping) must
// never call this from inside one of those goroutines.
func (s *Session) Close() {
	s.teardown()
	s.wg.Wait()
}

// runWriter is the single mutator of nextIn. It repeatedly obtains the
// next in-order chunk from the reassembler and writes its payload to the
// backend socket, terminating on EOS, a reassembler error, or a write
// failure. On any termination it best-effort closes the backend socket
// and signals the watchdog (spec.md §4.3) — it does not drain the
// session's queues itself; the reader or an explicit Close does that.
func (s *Session) runWriter() {
	defer s.wg.Done()

	buf := reorder.NewBuffer(s.ReorderLimit)
	s.nextIn = 1

	for {
		item, err := reorder.Next(s.nextIn, s.InQueue, buf, s.watchdogTimeout)
		if err != nil {
			switch err {
			case reorder.ErrTimeout:
				logTag("E", "packet loss: timed out")
			case reorder.ErrAbort:
				// Normal teardown (InQueue closed from elsewhere); nothing
				// to report, matching server.py's str(identifier) != 'Abort'
				// suppression.
			default:
				logTag("E", "packet loss:", err)
			}
			break
		}
		s.nextIn = item.Seq + 1

		payload := item.Payload
		if s.Compress && len(payload) > 0 {
			payload, err = compress.Decompress(payload)
			if err != nil {
				logTag("E", "decompress failed:", err)
				break
			}
		}

		conn := s.Conn()
		if conn == nil {
			break
		}
		if len(payload) > 0 {
			if _, werr := conn.Write(payload); werr != nil {
				logTag("D", errors.Wrap(werr, "write backend"))
				break
			}
			metrics.BytesForwardedTotal.WithLabelValues("inbound").Add(float64(len(payload)))
		}
		if len(item.Payload) == 0 {
			// Graceful end of stream: every byte up to here was
			// delivered in order, stop writing.
			break
		}
	}

	s.closeConn()
	s.Signal()
	logTag("D", "input closed")
}

// runReader repeatedly reads up to BufferSize bytes from the backend
// socket and pushes them to OutQueue, which blocks once full — the
// system's sole backpressure point against the backend (spec.md §4.3).
// On read error or EOF it posts the empty sentinel and closes the inbound
// queue, handing writer the Abort it needs to unwind.
func (s *Session) runReader() {
	defer s.wg.Done()

	buf := make([]byte, s.BufferSize)
	for {
		conn := s.Conn()
		if conn == nil {
			break
		}

		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			if err != nil && err != io.EOF {
				logTag("D", errors.Wrap(err, "read backend"))
			}
			s.OutQueue.Push(Outbound{})
			break
		}

		metrics.BytesForwardedTotal.WithLabelValues("outbound").Add(float64(n))
		payload := append([]byte(nil), buf[:n]...)
		if s.Compress {
			payload = compress.Compress(payload)
		}
		s.OutQueue.Push(Outbound{Payload: payload})
	}

	s.InQueue.Close()
	logTag("D", "output closed")
}

// runWatchdog closes the whole session if its idle timeout elapses without
// a Signal call.
func (s *Session) runWatchdog() {
	defer s.wg.Done()

	timer := time.NewTimer(s.watchdogTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.watchdog:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.watchdogTimeout)
		case <-timer.C:
			logTag("E", "session timed out")
			s.teardown()
			return
		case <-s.done:
			return
		}
	}
}
