package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// newTestRelayServer upgrades every request to a WebSocket, negotiating
// whichever subprotocol the client offered first, and otherwise does
// nothing with the connection; tests here only care that DialAndConfigure's
// dial succeeds, not about the session traffic riding on top of it.
func newTestRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{ClientSubprotocolV2, ClientSubprotocolV1},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// fakeSSHConn implements ssh.Conn with just enough behavior for keep-alive
// and reconnect-loop tests: SendRequest is scriptable, Wait blocks until
// loseConnection or Close is called.
type fakeSSHConn struct {
	mu       sync.Mutex
	lost     chan struct{}
	lostOnce sync.Once
	sendErr  error
}

func newFakeSSHConn() *fakeSSHConn { return &fakeSSHConn{lost: make(chan struct{})} }

func (c *fakeSSHConn) loseConnection() { c.lostOnce.Do(func() { close(c.lost) }) }

func (c *fakeSSHConn) User() string          { return "test" }
func (c *fakeSSHConn) SessionID() []byte     { return nil }
func (c *fakeSSHConn) ClientVersion() []byte { return nil }
func (c *fakeSSHConn) ServerVersion() []byte { return nil }
func (c *fakeSSHConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	return err == nil, nil, err
}
func (c *fakeSSHConn) OpenChannel(name string, data []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	return nil, nil, errors.New("not supported by fake")
}
func (c *fakeSSHConn) Close() error {
	c.loseConnection()
	return nil
}
func (c *fakeSSHConn) Wait() error {
	<-c.lost
	return errors.New("connection lost")
}

// scriptedConfigurer implements SessionConfigurer, handing back a
// pre-built fakeSSHConn (or an error) for each successive call.
type scriptedConfigurer struct {
	mu    sync.Mutex
	conns []*fakeSSHConn
	errs  []error
	calls int
}

func (s *scriptedConfigurer) ConfigureSession(ctx context.Context, stream io.ReadWriteCloser, protocol string, isReconnect bool) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, nil, nil, s.errs[i]
	}
	idx := i
	if idx >= len(s.conns) {
		idx = len(s.conns) - 1
	}
	return s.conns[idx], nil, nil, nil
}

func newTestRelayConnection(t *testing.T, configurer SessionConfigurer, clock clockwork.Clock) *RelayConnection {
	t.Helper()
	tunnel := &contracts.Tunnel{AccessTokens: map[contracts.AccessScope]string{contracts.ScopeConnect: "tok"}}
	base := NewBase(context.Background(), tunnel, nil, nil)
	return NewRelayConnection(base, "ws://unused.invalid", contracts.ScopeConnect, configurer, true, RoleClient, clock)
}

func TestDialAndConfigureRefreshesExpiredTokenBeforeDialing(t *testing.T) {
	const expiredJWT = "eyJhbGciOiAiSFMyNTYiLCAidHlwIjogIkpXVCJ9.eyJleHAiOiAxfQ.c2ln"

	tunnel := &contracts.Tunnel{AccessTokens: map[contracts.AccessScope]string{contracts.ScopeConnect: expiredJWT}}
	mgmt := &fakeMgmt{tunnel: &contracts.Tunnel{
		AccessTokens: map[contracts.AccessScope]string{contracts.ScopeConnect: "fresh-token"},
	}}
	base := NewBase(context.Background(), tunnel, mgmt, nil)
	configurer := &scriptedConfigurer{conns: []*fakeSSHConn{newFakeSSHConn()}}
	srv := newTestRelayServer(t)
	r := NewRelayConnection(base, wsURL(srv.URL), contracts.ScopeConnect, configurer, true, RoleClient, clockwork.NewFakeClock())

	if r.TokenValid(contracts.ScopeConnect) {
		t.Fatal("TokenValid() = true for an expired JWT, want false")
	}

	if err := r.DialAndConfigure(context.Background(), false); err != nil {
		t.Fatalf("DialAndConfigure() error = %v", err)
	}
	if got, _ := tunnel.Token(contracts.ScopeConnect); got != "fresh-token" {
		t.Fatalf("tunnel token after DialAndConfigure = %q, want fresh-token", got)
	}
}

func TestRelayConnectionConnectRequiresLiveRelay(t *testing.T) {
	t.Skip("dialing a real relay WebSocket is exercised by client/host integration tests, not here")
}

func TestRecordKeepAliveTracksSameStateCounts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	configurer := &scriptedConfigurer{conns: []*fakeSSHConn{newFakeSSHConn()}}
	r := newTestRelayConnection(t, configurer, clock)

	var events []struct {
		failed bool
		count  int
	}
	r.OnKeepAliveEvent(func(failed bool, count int) {
		events = append(events, struct {
			failed bool
			count  int
		}{failed, count})
	})

	r.recordKeepAlive(true)
	r.recordKeepAlive(true)
	r.recordKeepAlive(false)
	r.recordKeepAlive(false)
	r.recordKeepAlive(false)

	want := []struct {
		failed bool
		count  int
	}{{false, 1}, {false, 2}, {true, 1}, {true, 2}, {true, 3}}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events[%d] = %v, want %v", i, events[i], want[i])
		}
	}
}

func TestReasonFromErrorMapsConnectionLost(t *testing.T) {
	err := contracts.ConnectionLost(nil, "dropped")
	if got := classifyReason(err); got != ReasonConnectionLost {
		t.Fatalf("classifyReason() = %v, want ReasonConnectionLost", got)
	}
}

func TestReasonFromErrorMapsByApplication(t *testing.T) {
	if got := classifyReason(context.Canceled); got != ReasonByApplication {
		t.Fatalf("classifyReason() = %v, want ReasonByApplication", got)
	}
}
