package connection

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/connector"
	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/safego"
	"github.com/kekexiaoai/devtunnel/wsconn"
)

// Role distinguishes which side of the relay a RelayConnection represents.
// spec.md §6 assigns each side its own literal subprotocol strings, so the
// offer list can't be shared verbatim between client and host.
type Role int

const (
	RoleClient Role = iota
	RoleHost
)

// Subprotocol strings spec.md §6 names, one pair per role. V2 multiplexes
// every forwarded port over one shared SSH session secured by the outer
// WebSocket's TLS, using SSH only as a framing and channel-multiplexing
// layer (its own key exchange is not meaningfully adding security on top of
// TLS, hence "none" in spec.md's wording). V1 is the legacy protocol, where
// SSH itself provides transport security and the host's public key must be
// checked against the tunnel endpoint's published list.
const (
	ClientSubprotocolV2 = "tunnel-relay-client-v2-dev"
	ClientSubprotocolV1 = "tunnel-relay-client"
	HostSubprotocolV2   = "tunnel-relay-host-v2-dev"
	HostSubprotocolV1   = "tunnel-relay-host"
)

// IsV2 reports whether negotiatedProtocol is either role's v2 subprotocol
// string. SessionConfigurer implementations only need the protocol version,
// not which role's literal was negotiated.
func IsV2(negotiatedProtocol string) bool {
	return negotiatedProtocol == ClientSubprotocolV2 || negotiatedProtocol == HostSubprotocolV2
}

func subprotocolsForRole(role Role) (v1, v2 string) {
	if role == RoleHost {
		return HostSubprotocolV1, HostSubprotocolV2
	}
	return ClientSubprotocolV1, ClientSubprotocolV2
}

// protocolVersionEnvVar pins the subprotocol offer list (spec.md §4.8, §6):
// "1" offers only the v1 string, "2" only the v2 string, anything else (or
// unset) offers both with v2 first.
const protocolVersionEnvVar = "DEVTUNNELS_PROTOCOL_VERSION"

func subprotocolOffer(role Role) []string {
	v1, v2 := subprotocolsForRole(role)
	switch os.Getenv(protocolVersionEnvVar) {
	case "1":
		return []string{v1}
	case "2":
		return []string{v2}
	default:
		return []string{v2, v1}
	}
}

// sshKeepAliveInterval and sshKeepAliveRequestTimeout mirror the teacher's
// backend/internal/sshmanager/keepalive.go constants: ping on a ticker, but
// run each ping in its own goroutine so a half-open TCP connection that
// never replies can't block the keep-alive loop itself past the timeout.
const (
	sshKeepAliveInterval       = 15 * time.Second
	sshKeepAliveRequestTimeout = 10 * time.Second
)

// SessionConfigurer is supplied by TunnelClient or TunnelHost: it knows how
// to turn a freshly dialed relay stream into a live SSH session (dialing as
// an SSH client, or accepting as an SSH server) for the negotiated
// subprotocol version.
type SessionConfigurer interface {
	ConfigureSession(ctx context.Context, stream io.ReadWriteCloser, negotiatedProtocol string, isReconnect bool) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error)
}

// RelayConnection is the shared base for TunnelClient and TunnelHost: it
// dials the relay WebSocket, negotiates a subprotocol, hands the stream to
// a SessionConfigurer, keeps the resulting SSH session alive, and
// reconnects on connection loss. Embedders get all of this by holding one
// and delegating Connect/DisposeAsync to it.
type RelayConnection struct {
	*Base

	relayURI     string
	scope        contracts.AccessScope
	subprotocols []string
	configurer   SessionConfigurer
	clock        clockwork.Clock
	enableRetry  bool

	connector *connector.Connector

	mu                 sync.Mutex
	stream             *wsconn.Stream
	sshConn            ssh.Conn
	negotiatedProtocol string
	keepAliveCancel    context.CancelFunc

	// sameState counters reset whenever the outcome changes; spec.md
	// §4.8's keep-alive events report "N consecutive failures/successes"
	// rather than a running lifetime total.
	sameStateFailures  int
	sameStateSuccesses int

	onKeepAliveEvent func(failed bool, sameStateCount int)
	newChannels      <-chan ssh.NewChannel
	requests         <-chan *ssh.Request
}

// NewRelayConnection builds a RelayConnection. relayURL is the endpoint's
// client or host relay URI (caller picks based on which side it is). role
// selects the role-specific subprotocol literals to offer, in the order
// subprotocolOffer computes (spec.md §6, overridable via
// DEVTUNNELS_PROTOCOL_VERSION); every relay in spec.md §3 understands at
// least v1.
func NewRelayConnection(base *Base, relayURI string, scope contracts.AccessScope, configurer SessionConfigurer, enableRetry bool, role Role, clock clockwork.Clock) *RelayConnection {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	subprotocols := subprotocolOffer(role)
	r := &RelayConnection{
		Base:         base,
		relayURI:     relayURI,
		scope:        scope,
		subprotocols: subprotocols,
		configurer:   configurer,
		clock:        clock,
		enableRetry:  enableRetry,
	}
	r.connector = connector.New(r, connector.Options{
		EnableRetry: enableRetry,
		OnRetrying:  r.onRetrying,
	})
	return r
}

func (r *RelayConnection) onRetrying(ctx context.Context, attempt int, cause error, decision *connector.Decision) {
	r.Trace().Verbose("connection: retrying after attempt %d failed: %v (delay %v)", attempt, cause, decision.Delay)
	r.reportEvent(ctx, "Retrying", cause)
}

// DialAndConfigure implements connector.Dialer: it is the one attempt a
// connector.ConnectSession retry loop makes. Per spec.md §3 ("Validity is
// re-checked on every connect attempt"), an already-expired cached token is
// refreshed before spending a dial on a token the relay is certain to
// reject with 401.
func (r *RelayConnection) DialAndConfigure(ctx context.Context, isReconnect bool) error {
	if !r.TokenValid(r.scope) {
		r.Trace().Verbose("connection: cached access token for scope %q looks expired, refreshing before dialing", r.scope)
		if _, err := r.RefreshTunnelAccessToken(ctx, r.scope); err != nil {
			r.Trace().Warn("connection: proactive token refresh failed, dialing with existing token anyway: %v", err)
		}
	}

	token, _ := r.Tunnel().Token(r.scope)
	stream, negotiated, err := wsconn.CreateRelayStream(ctx, r.relayURI, token, r.subprotocols, r.Trace())
	if err != nil {
		return err
	}

	sshConn, newChannels, requests, err := r.configurer.ConfigureSession(ctx, stream, negotiated, isReconnect)
	if err != nil {
		_ = stream.Close()
		return err
	}

	r.mu.Lock()
	if r.stream != nil {
		_ = r.stream.Close()
	}
	r.stream = stream
	r.sshConn = sshConn
	r.newChannels = newChannels
	r.requests = requests
	r.negotiatedProtocol = negotiated
	r.mu.Unlock()

	return nil
}

// SetRelayURI updates the relay URI the next DialAndConfigure dials. Used by
// TunnelHost, whose relay URI isn't known until its endpoint registration
// with the management service completes (spec.md §4.10 step 2), unlike
// TunnelClient's which comes straight from the tunnel descriptor's existing
// endpoints.
func (r *RelayConnection) SetRelayURI(uri string) {
	r.mu.Lock()
	r.relayURI = uri
	r.mu.Unlock()
}

// RefreshAccessToken implements connector.Dialer.
func (r *RelayConnection) RefreshAccessToken(ctx context.Context) (bool, error) {
	return r.RefreshTunnelAccessToken(ctx, r.scope)
}

// NegotiatedProtocol returns the subprotocol the most recent successful
// DialAndConfigure negotiated, or "" before the first connect.
func (r *RelayConnection) NegotiatedProtocol() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.negotiatedProtocol
}

// SSHConn returns the live SSH connection, or nil if not currently
// connected.
func (r *RelayConnection) SSHConn() ssh.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sshConn
}

// Channels returns the inbound channel-open and global-request streams for
// the current session.
func (r *RelayConnection) Channels() (<-chan ssh.NewChannel, <-chan *ssh.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newChannels, r.requests
}

// Connect performs the initial non-reconnect connect through the connector
// (which retries recoverable failures as its options allow) and, once it
// succeeds, starts keep-alive and the reconnect watcher. Later reconnects
// run on that background task, never in Connect's caller.
func (r *RelayConnection) Connect(ctx context.Context) error {
	r.SetConnecting()
	if err := r.connector.ConnectSession(ctx, false, r.clock); err != nil {
		r.SetDisconnected(err)
		return err
	}
	r.SetConnected()
	r.startKeepAlive()
	r.StartReconnectTaskIfNotDisposed(r.reconnectLoop)
	return nil
}

// reconnectLoop waits for the current SSH session to end, then runs the connector again in reconnect mode. It
// exits when the connection is disposed or a reconnect attempt fails
// fatally.
func (r *RelayConnection) reconnectLoop(ctx context.Context) {
	for {
		lost := r.waitForLoss(ctx)
		select {
		case <-ctx.Done():
			return
		case <-lost:
		}
		if r.IsDisposed() {
			return
		}

		r.SetDisconnected(contracts.ConnectionLost(nil, "ssh session ended"))
		r.reportEvent(ctx, "Reconnecting", nil)

		if err := r.connector.ConnectSession(ctx, true, r.clock); err != nil {
			r.Trace().Error("connection: reconnect failed permanently: %v", err)
			r.SetDisconnected(err)
			_ = r.DisposeAsync(r.cleanup)
			return
		}
		r.SetConnected()
		r.startKeepAlive()
	}
}

// waitForLoss returns a channel that is closed once the current SSH
// connection's Wait returns, i.e. the session is gone. A failed keep-alive
// ping alone does not close it.
func (r *RelayConnection) waitForLoss(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	sshConn := r.sshConn
	r.mu.Unlock()
	if sshConn == nil {
		close(ch)
		return ch
	}
	safego.Go(r.Trace(), func() {
		_ = sshConn.Wait()
		close(ch)
	})
	return ch
}

// startKeepAlive launches the active SSH keep-alive ping loop, grounded on
// the teacher's backend/internal/sshmanager/keepalive.go: a ticker firing
// every sshKeepAliveInterval, each ping run in its own goroutine so a
// half-open connection that never replies can't wedge the loop, bounded by
// sshKeepAliveRequestTimeout.
func (r *RelayConnection) startKeepAlive() {
	r.mu.Lock()
	if r.keepAliveCancel != nil {
		r.keepAliveCancel()
	}
	sshConn := r.sshConn
	ctx, cancel := context.WithCancel(r.Context())
	r.keepAliveCancel = cancel
	r.mu.Unlock()

	if sshConn == nil {
		return
	}

	safego.Go(r.Trace(), func() {
		ticker := r.clock.NewTicker(sshKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				r.pingOnce(ctx, sshConn)
			case <-ctx.Done():
				return
			}
		}
	})
}

func (r *RelayConnection) pingOnce(ctx context.Context, sshConn ssh.Conn) {
	errC := make(chan error, 1)
	safego.Go(r.Trace(), func() {
		_, _, err := sshConn.SendRequest("keepalive@devtunnels", true, nil)
		errC <- err
	})

	select {
	case err := <-errC:
		r.recordKeepAlive(err == nil)
		if err != nil {
			r.Trace().Warn("connection: keep-alive failed: %v", err)
		}
	case <-r.clock.After(sshKeepAliveRequestTimeout):
		r.recordKeepAlive(false)
		r.Trace().Warn("connection: keep-alive timed out after %v", sshKeepAliveRequestTimeout)
	case <-ctx.Done():
	}
}

func (r *RelayConnection) recordKeepAlive(succeeded bool) {
	r.mu.Lock()
	if succeeded {
		r.sameStateSuccesses++
		r.sameStateFailures = 0
		count := r.sameStateSuccesses
		r.mu.Unlock()
		if r.onKeepAliveEvent != nil {
			r.onKeepAliveEvent(false, count)
		}
		return
	}
	r.sameStateFailures++
	r.sameStateSuccesses = 0
	count := r.sameStateFailures
	r.mu.Unlock()
	if r.onKeepAliveEvent != nil {
		r.onKeepAliveEvent(true, count)
	}
}

// OnKeepAliveEvent registers a callback invoked after every keep-alive
// probe with whether it failed and the same-state consecutive count,
// matching spec.md §4.8's KeepAliveFailed/KeepAliveSucceeded events.
func (r *RelayConnection) OnKeepAliveEvent(fn func(failed bool, sameStateCount int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onKeepAliveEvent = fn
}

// cleanup stops keep-alive and closes the live stream; passed to
// Base.DisposeAsync so it runs exactly once.
func (r *RelayConnection) cleanup() {
	r.mu.Lock()
	if r.keepAliveCancel != nil {
		r.keepAliveCancel()
	}
	stream := r.stream
	sshConn := r.sshConn
	r.mu.Unlock()

	if sshConn != nil {
		_ = sshConn.Close()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// DisposeAsync tears the connection down, stopping keep-alive and closing
// the relay stream.
func (r *RelayConnection) DisposeAsync() error {
	return r.Base.DisposeAsync(r.cleanup)
}

// reportEvent is a best-effort call into the management client's telemetry
// sink (spec.md §4.8): failures are discarded, never propagated. ClientSessionID
// and WebSocketRequestID are read from whatever session/stream is currently
// live, so a reconnect's event naturally carries the new correlation IDs.
func (r *RelayConnection) reportEvent(ctx context.Context, name string, cause error) {
	status, _ := r.Status()
	event := contracts.TunnelEvent{
		Name:           name,
		PreviousStatus: status.String(),
		Err:            cause,
	}

	r.mu.Lock()
	if r.sshConn != nil {
		event.ClientSessionID = string(r.sshConn.SessionID())
	}
	if r.stream != nil {
		event.WebSocketRequestID = r.stream.RequestID()
	}
	r.mu.Unlock()

	safego.Go(r.Trace(), func() {
		r.Base.ReportEvent(ctx, event)
	})
}
