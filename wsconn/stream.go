// Package wsconn adapts a gorilla/websocket connection into the
// io.ReadWriteCloser the rest of this module builds SSH sessions on top of
// (spec.md §4.1's "stream adapter"), and dials the relay WebSocket that
// adapter wraps (spec.md §4.2's "relay stream factory").
//
// The binary-message-as-byte-stream idiom (ReadMessage/WriteMessage over a
// *websocket.Conn, no per-frame protocol of our own) is grounded on the
// teacher repo's terminal WebSocket pump (backend/service/terminal/terminal.go
// handleConnection), generalized from a server-side Upgrade to a
// client-side Dial and from a PTY-facing duplex to a general io.ReadWriter.
package wsconn

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// maxCloseReasonBytes is the largest close-reason payload a WebSocket
// control frame can carry: RFC 6455 caps control frames at 125 bytes, 2 of
// which are the status code, leaving 123 for the reason text.
const maxCloseReasonBytes = 123

// defaultDisposeTimeout is how long Close waits for the peer's close frame
// before forcing the underlying TCP connection shut. Spec.md §4.1 disables
// this wait while a debugger is attached, so a slow step-through session
// doesn't trip it; disableDisposeTimeoutEnv is this module's equivalent of
// checking Debugger.IsAttached.
const defaultDisposeTimeout = 15 * time.Second

const disableDisposeTimeoutEnv = "DEVTUNNELS_DISABLE_DISPOSE_TIMEOUT"

func disposeTimeout() time.Duration {
	if os.Getenv(disableDisposeTimeoutEnv) == "true" {
		return 0
	}
	return defaultDisposeTimeout
}

// Stream wraps a *websocket.Conn as an io.ReadWriteCloser carrying opaque
// binary frames, the way the SSH layer on top of it expects a plain byte
// stream. It is safe for one reader and one writer to use concurrently, but
// not for concurrent writers or concurrent readers.
type Stream struct {
	conn      *websocket.Conn
	trace     contracts.TraceSink
	requestID string

	readMu  sync.Mutex
	readBuf []byte

	writeMu     sync.Mutex
	closedWrite bool

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn. trace may be nil, in which case diagnostics are
// discarded.
func NewStream(conn *websocket.Conn, trace contracts.TraceSink) *Stream {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	return &Stream{conn: conn, trace: trace}
}

// RequestID returns the relay's VsSaaS-Request-ID response header captured
// at dial time (spec.md §6), or "" if the relay didn't send one.
func (s *Stream) RequestID() string { return s.requestID }

// Read implements io.Reader, carving one WebSocket message at a time into
// however much of p the caller gave us and buffering the remainder for the
// next call.
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for len(s.readBuf) == 0 {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, classifyReadErr(err)
		}
		if msgType == websocket.CloseMessage {
			return 0, io.EOF
		}
		if msgType != websocket.BinaryMessage {
			s.trace.Verbose("wsconn: ignoring non-binary websocket message (type %d)", msgType)
			continue
		}
		s.readBuf = data
	}

	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

// Write implements io.Writer, sending p as a single binary WebSocket
// message. gorilla/websocket serializes writer access internally only
// against concurrent control-frame writes, so callers still must not call
// Write from more than one goroutine at a time. Spec.md §4.1: "writes
// beyond half-close fail with an object-disposed kind" — once CloseWrite
// has sent the close frame, every subsequent Write is rejected instead of
// attempting a data frame after it.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closedWrite {
		return 0, fmt.Errorf("wsconn: write after CloseWrite: %w", contracts.ErrDisposed)
	}

	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, classifyWriteErr(err)
	}
	return len(p), nil
}

// CloseWrite sends a half-close: a WebSocket close frame announcing this
// side is done sending, without tearing down the read side or the
// underlying TCP connection. Used when an SSH channel is EOF but the
// session as a whole should keep running (spec.md §4.1's half-close case).
// Any Write after this returns contracts.ErrDisposed.
func (s *Stream) CloseWrite() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closedWrite = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
}

// Close closes the stream gracefully: it is CloseWithReason with
// websocket.CloseNormalClosure and an empty reason, which sends a close
// frame and waits up to disposeTimeout() for the peer's close frame before
// forcing the connection shut.
func (s *Stream) Close() error {
	return s.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason is Close with an explicit status code and reason.
func (s *Stream) CloseWithReason(code int, reason string) error {
	s.closeOnce.Do(func() {
		reason = truncateReason(reason)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))

		if d := disposeTimeout(); d > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(d))
			for {
				if _, _, err := s.conn.ReadMessage(); err != nil {
					break
				}
			}
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// truncateReason shortens reason to fit maxCloseReasonBytes, never cutting
// a multi-byte UTF-8 rune in half.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	b := []byte(reason)[:maxCloseReasonBytes]
	for len(b) > 0 && !isUTF8Boundary(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isUTF8Boundary(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	last := b[len(b)-1]
	return last&0xC0 != 0x80
}

func classifyReadErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	return contracts.ConnectionLost(err, "websocket read failed")
}

func classifyWriteErr(err error) error {
	return contracts.ConnectionLost(err, "websocket write failed")
}

// LocalAddr, RemoteAddr, and the deadline setters let Stream satisfy
// net.Conn, which golang.org/x/crypto/ssh.NewClientConn/NewServerConn
// require of whatever they're handed. gorilla/websocket.Conn already
// exposes the underlying TCP connection's addresses; Stream only needs to
// fan SetDeadline out to the read and write deadlines websocket.Conn tracks
// separately.
func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.conn.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// compile-time interface checks
var (
	_ io.Reader = (*Stream)(nil)
	_ io.Writer = (*Stream)(nil)
	_ io.Closer = (*Stream)(nil)
	_ net.Conn  = (*Stream)(nil)
)
