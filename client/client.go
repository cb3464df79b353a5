// Package client implements the tunnel client side (spec.md §4.9): endpoint
// selection from a tunnel descriptor, host-key verification, a
// connection.SessionConfigurer that dials the negotiated relay session as an
// SSH client, and the port-forwarding surface applications call
// (WaitForForwardedPort, ConnectToForwardedPort, RefreshPorts).
//
// Grounded on the teacher's backend/internal/sshtunnel/tunnel_manager.go for
// the local-listener-per-port bookkeeping idiom (a mutex-guarded map plus
// small accessor methods), generalized from one fixed local/remote port pair
// per tunnel config entry into a dynamically host-advertised set of
// forwarded ports.
package client

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/connection"
	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/safego"
	"github.com/kekexiaoai/devtunnel/portforward"
	"github.com/kekexiaoai/devtunnel/securestream"
	"github.com/kekexiaoai/devtunnel/sessionkey"
)

// Decision is what a PortForwardingHandler returns: Cancel=true instructs
// the client to refuse the host's tcpip-forward request for that port
// (spec.md §4.9's "PortForwarding event ... handlers may cancel it").
type Decision struct {
	Cancel bool
}

// PortForwardingHandler is consulted before each tcpip-forward the host
// requests.
type PortForwardingHandler func(port contracts.Port) Decision

// ForwardedPortConnectingHandler is notified whenever a new local
// connection is about to be bridged to a forwarded port, after any E2EE
// wrapping decision has been made.
type ForwardedPortConnectingHandler func(port uint16, stream io.ReadWriteCloser)

// Options configures a Client. All fields are optional; the zero value
// behaves per spec.md's stated defaults.
type Options struct {
	// HostID selects which endpoint group to use when the tunnel has more
	// than one. Required if Tunnel.Endpoints spans more than one host ID.
	HostID string

	// AcceptLocalConnectionsForForwardedPorts controls whether a local TCP
	// listener is bound for each forwarded port. nil means true (spec.md
	// §4.9's stated default).
	AcceptLocalConnectionsForForwardedPorts *bool

	// LocalForwardingHostAddress is the bind address for local listeners.
	// Empty means "127.0.0.1".
	LocalForwardingHostAddress string

	EnableE2EEncryption bool
	EnableReconnect     bool

	OnPortForwarding           PortForwardingHandler
	OnForwardedPortConnecting  ForwardedPortConnectingHandler
}

func (o Options) acceptLocal() bool {
	if o.AcceptLocalConnectionsForForwardedPorts == nil {
		return true
	}
	return *o.AcceptLocalConnectionsForForwardedPorts
}

func (o Options) localHostAddress() string {
	if o.LocalForwardingHostAddress == "" {
		return "127.0.0.1"
	}
	return o.LocalForwardingHostAddress
}

// forwardedPort is the client-side bookkeeping entry spec.md §3's
// "forwarded-port record" describes.
type forwardedPort struct {
	remotePort uint16
	localPort  uint16
	listener   net.Listener
}

// Client is a tunnel client connection: a RelayConnection specialized with
// client-side session configuration and port-forwarding.
type Client struct {
	*connection.RelayConnection

	opts  Options
	trace contracts.TraceSink

	mu             sync.Mutex
	hostPublicKeys []string
	ports          map[uint16]*forwardedPort
	waiters        map[uint16][]chan struct{}
	disconnected   *sessionkey.DisconnectedStreamRegistry
}

// New builds a Client for tunnel, selecting the endpoint group per
// opts.HostID (spec.md §4.9 step 1) and wiring a RelayConnection over its
// TunnelRelay endpoint. mgmt and trace may be nil.
func New(ctx context.Context, tunnel *contracts.Tunnel, mgmt contracts.ManagementClient, trace contracts.TraceSink, opts Options) (*Client, error) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	endpoint, err := selectEndpoint(tunnel, opts.HostID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:           opts,
		trace:          trace,
		hostPublicKeys: endpoint.HostPublicKeys,
		ports:          make(map[uint16]*forwardedPort),
		waiters:        make(map[uint16][]chan struct{}),
		disconnected:   sessionkey.NewDisconnectedStreamRegistry(),
	}

	base := connection.NewBase(ctx, tunnel, mgmt, trace)
	c.RelayConnection = connection.NewRelayConnection(base, endpoint.ClientRelayURI, contracts.ScopeConnect, c, opts.EnableReconnect, connection.RoleClient, nil)
	return c, nil
}

// selectEndpoint implements spec.md §4.9's endpoint-selection rule: group by
// host ID, require either an explicit match or exactly one group, then pick
// the sole TunnelRelay endpoint within it.
func selectEndpoint(tunnel *contracts.Tunnel, hostID string) (contracts.Endpoint, error) {
	groups := tunnel.EndpointsByHostID()

	var group []contracts.Endpoint
	if hostID != "" {
		g, ok := groups[hostID]
		if !ok {
			return contracts.Endpoint{}, contracts.NotFound("no endpoint found for host id %q", hostID)
		}
		group = g
	} else {
		if len(groups) != 1 {
			return contracts.Endpoint{}, contracts.ProtocolError("tunnel has %d host groups; a host id must be specified", len(groups))
		}
		for _, g := range groups {
			group = g
		}
	}

	for _, e := range group {
		if e.Type == contracts.EndpointTypeTunnelRelay {
			return e, nil
		}
	}
	return contracts.Endpoint{}, contracts.NotFound("selected host group has no TunnelRelay endpoint")
}

// ConfigureSession implements connection.SessionConfigurer: it dials the
// relay stream as an SSH client (spec.md §4.9's v1 "server IS the host"
// policy, or v2's "accept any SSH host key" policy, both enforced in
// verifyHostKey) and starts the goroutines that service inbound global
// requests (host-advertised tcpip-forward) and inbound channels (none
// expected, always rejected).
func (c *Client) ConfigureSession(ctx context.Context, stream io.ReadWriteCloser, negotiatedProtocol string, isReconnect bool) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	netConn, ok := stream.(net.Conn)
	if !ok {
		return nil, nil, nil, contracts.ProtocolError("client: relay stream does not support net.Conn")
	}

	cfg := &ssh.ClientConfig{
		User: "tunnel",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return c.verifyHostKey(ctx, negotiatedProtocol, key)
		},
		Timeout: 10 * time.Second,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, "relay", cfg)
	if err != nil {
		if contracts.IsHostKeyMismatch(err) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, contracts.ConnectionLost(err, "client: ssh handshake failed")
	}

	safego.Go(c.trace, func() { c.handleGlobalRequests(ctx, reqs) })
	safego.Go(c.trace, func() { c.handleIncomingChannels(chans) })

	return sshConn, chans, reqs, nil
}

// verifyHostKey implements spec.md §4.9's server-authentication policy: v2
// trusts the relay's TLS certificate and accepts any SSH host key; v1 must
// verify against the endpoint's published host_public_keys.
func (c *Client) verifyHostKey(ctx context.Context, negotiatedProtocol string, key ssh.PublicKey) error {
	if connection.IsV2(negotiatedProtocol) {
		return nil
	}
	return c.checkHostKey(ctx, key)
}

// checkHostKey is the host-key verification routine spec.md §4.9 also
// applies per-channel to v2 SecureStream handshakes.
func (c *Client) checkHostKey(ctx context.Context, key ssh.PublicKey) error {
	c.mu.Lock()
	keys := c.hostPublicKeys
	c.mu.Unlock()

	if len(keys) == 0 {
		c.trace.Warn("client: endpoint published no host public keys; accepting %s", ssh.FingerprintSHA256(key))
		return nil
	}
	if matchesHostKey(keys, key) {
		return nil
	}

	refreshed, err := c.RefreshTunnelHostPublicKey(ctx)
	if err != nil {
		return contracts.HostKeyMismatch("host key verification failed and tunnel refresh errored: %v", err)
	}
	endpoint, err := selectEndpoint(refreshed, c.opts.HostID)
	if err != nil {
		return contracts.HostKeyMismatch("host key verification failed: %v", err)
	}

	c.mu.Lock()
	c.hostPublicKeys = endpoint.HostPublicKeys
	c.mu.Unlock()

	if matchesHostKey(endpoint.HostPublicKeys, key) {
		return nil
	}
	c.trace.Error("client: host key mismatch: presented %s, expected %v", ssh.FingerprintSHA256(key), endpoint.HostPublicKeys)
	return contracts.HostKeyMismatch("presented host key does not match endpoint's published keys")
}

func matchesHostKey(keys []string, key ssh.PublicKey) bool {
	presented := base64.StdEncoding.EncodeToString(key.Marshal())
	for _, k := range keys {
		if k == presented {
			return true
		}
	}
	return false
}

// handleIncomingChannels rejects every inbound channel-open: in this
// engine's topology the client always initiates forwarded-tcpip and
// direct-tcpip channels, never accepts them.
func (c *Client) handleIncomingChannels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		_ = nc.Reject(ssh.UnknownChannelType, "client does not accept inbound channels")
	}
}

// handleGlobalRequests services tcpip-forward/cancel-tcpip-forward requests
// the host sends to announce or withdraw a forwarded port.
func (c *Client) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case portforward.RequestTypeTCPIPForward:
			c.handleTCPIPForward(ctx, req)
		case portforward.RequestTypeCancelTCPIPForward:
			c.handleCancelTCPIPForward(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (c *Client) portFor(number uint16) contracts.Port {
	for _, p := range c.Tunnel().Ports {
		if p.Number == number {
			return p
		}
	}
	return contracts.Port{Number: number}
}

func (c *Client) handleTCPIPForward(ctx context.Context, req *ssh.Request) {
	fwd, err := portforward.UnmarshalTCPIPForwardRequest(req.Payload)
	if err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	port := uint16(fwd.BindPort)

	if c.opts.OnPortForwarding != nil && c.opts.OnPortForwarding(c.portFor(port)).Cancel {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	fp := &forwardedPort{remotePort: port, localPort: port}
	if c.opts.acceptLocal() {
		// canChangePort=true: a forwarded port walking to a nearby free one
		// locally is preferable to refusing the forward outright.
		l, bound, lerr := portforward.ListenRetry(c.opts.localHostAddress(), port, true, c.trace)
		if lerr != nil {
			c.trace.Warn("client: failed to bind local listener for port %d: %v", port, lerr)
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			return
		}
		fp.listener = l
		fp.localPort = bound
		safego.Go(c.trace, func() { c.acceptLoop(ctx, fp) })
	}

	c.registerForwardedPort(fp)
	if req.WantReply {
		reply := portforward.TCPIPForwardReply{BoundPort: uint32(fp.localPort)}
		_ = req.Reply(true, reply.Marshal())
	}
}

func (c *Client) handleCancelTCPIPForward(req *ssh.Request) {
	fwd, err := portforward.UnmarshalTCPIPForwardRequest(req.Payload)
	if err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	port := uint16(fwd.BindPort)

	c.mu.Lock()
	fp, ok := c.ports[port]
	delete(c.ports, port)
	c.mu.Unlock()

	if ok && fp.listener != nil {
		_ = fp.listener.Close()
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}
}

func (c *Client) registerForwardedPort(fp *forwardedPort) {
	c.mu.Lock()
	c.ports[fp.remotePort] = fp
	waiters := c.waiters[fp.remotePort]
	delete(c.waiters, fp.remotePort)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Client) acceptLoop(ctx context.Context, fp *forwardedPort) {
	for {
		conn, err := fp.listener.Accept()
		if err != nil {
			return
		}
		safego.Go(c.trace, func() { c.forwardLocalConn(ctx, fp, conn) })
	}
}

func (c *Client) forwardLocalConn(ctx context.Context, fp *forwardedPort, conn net.Conn) {
	sshConn := c.SSHConn()
	if sshConn == nil {
		_ = conn.Close()
		return
	}

	token, _ := c.Tunnel().Token(contracts.ScopeConnect)
	originAddr, originPortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	originPort, _ := strconv.Atoi(originPortStr)

	msg := portforward.ChannelOpenForwardedTCPIP{
		ConnectedAddr:            c.opts.localHostAddress(),
		ConnectedPort:            uint32(fp.remotePort),
		OriginAddr:               originAddr,
		OriginPort:               uint32(originPort),
		AccessToken:              token,
		IsE2EEncryptionRequested: c.opts.EnableE2EEncryption,
	}
	channel, requests, err := sshConn.OpenChannel(portforward.ChannelTypeForwardedTCPIP, msg.Marshal())
	if err != nil {
		c.trace.Warn("client: forwarded-tcpip open for port %d rejected: %v", fp.remotePort, err)
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	c.bridge(ctx, fp.remotePort, channel, conn)
}

// bridge negotiates end-to-end encryption over channel (if requested) and
// pumps bytes between it and conn, reattaching a disconnected SecureStream
// from a prior session instead of handshaking fresh one when one is waiting
// (spec.md §4.9's reattachment and §8 property 9).
func (c *Client) bridge(ctx context.Context, port uint16, channel ssh.Channel, conn net.Conn) {
	rw := c.negotiateE2EE(ctx, port, channel, c.opts.EnableE2EEncryption)
	if rw == nil {
		_ = conn.Close()
		return
	}
	if c.opts.OnForwardedPortConnecting != nil {
		c.opts.OnForwardedPortConnecting(port, rw)
	}
	portforward.Pump(rw, conn, c.trace)
}

func (c *Client) negotiateE2EE(ctx context.Context, port uint16, channel ssh.Channel, requested bool) io.ReadWriteCloser {
	if !requested {
		return channel
	}
	enabled, _ := channel.SendRequest(portforward.RequestTypeE2EENegotiate, true, nil)
	if !enabled {
		return channel
	}

	if existing, ok := c.disconnected.TakeFirst(port); ok {
		if s, ok2 := existing.(*securestream.Stream); ok2 {
			if err := s.Reconnect(channel, true); err == nil {
				return s
			}
			c.trace.Warn("client: failed to reattach disconnected e2ee stream for port %d, starting fresh handshake", port)
		}
	}

	stream, err := securestream.ClientHandshake(channel, c.verifyE2EEHostKey(ctx))
	if err != nil {
		c.trace.Warn("client: e2ee handshake failed for port %d: %v", port, err)
		_ = channel.Close()
		return nil
	}
	return stream
}

func (c *Client) verifyE2EEHostKey(ctx context.Context) securestream.HostKeyVerifier {
	return func(key ssh.PublicKey) error { return c.checkHostKey(ctx, key) }
}

// WaitForForwardedPort blocks until the host has announced port (via
// tcpip-forward) or ctx is done.
func (c *Client) WaitForForwardedPort(ctx context.Context, port uint16) error {
	c.mu.Lock()
	if _, ok := c.ports[port]; ok {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[port] = append(c.waiters[port], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectToForwardedPort opens a direct-tcpip channel to port without
// binding a local listener, per spec.md §4.9. It returns (nil, nil) for the
// "port no longer forwarded" and "channel open rejected" cases the spec
// calls out to swallow, and a non-nil error only for an unexpected failure
// during the E2EE handshake.
func (c *Client) ConnectToForwardedPort(ctx context.Context, port uint16) (io.ReadWriteCloser, error) {
	sshConn := c.SSHConn()
	if sshConn == nil {
		return nil, nil
	}
	tunnel := c.Tunnel()
	found := false
	for _, p := range tunnel.Ports {
		if p.Number == port {
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	token, _ := tunnel.Token(contracts.ScopeConnect)
	msg := portforward.ChannelOpenDirectTCPIP{
		ConnectedAddr:            "localhost",
		ConnectedPort:            uint32(port),
		OriginAddr:               "127.0.0.1",
		OriginPort:               0,
		AccessToken:              token,
		IsE2EEncryptionRequested: c.opts.EnableE2EEncryption,
	}
	channel, requests, err := sshConn.OpenChannel(portforward.ChannelTypeDirectTCPIP, msg.Marshal())
	if err != nil {
		return nil, nil
	}
	go ssh.DiscardRequests(requests)

	if !c.opts.EnableE2EEncryption {
		return channel, nil
	}
	enabled, _ := channel.SendRequest(portforward.RequestTypeE2EENegotiate, true, nil)
	if !enabled {
		return channel, nil
	}
	stream, err := securestream.ClientHandshake(channel, c.verifyE2EEHostKey(ctx))
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	return stream, nil
}

// RefreshPorts sends a RefreshPorts SSH session request to the host,
// wanting a reply (spec.md §4.9).
func (c *Client) RefreshPorts(ctx context.Context) error {
	sshConn := c.SSHConn()
	if sshConn == nil {
		return contracts.ConnectionLost(nil, "client: no active session")
	}
	ok, _, err := sshConn.SendRequest(portforward.RequestTypeRefreshPorts, true, nil)
	if err != nil {
		return contracts.ConnectionLost(err, "client: RefreshPorts request failed")
	}
	if !ok {
		return contracts.ProtocolError("client: host rejected RefreshPorts")
	}
	return nil
}

// ForwardedPorts returns a snapshot of remote port numbers currently
// forwarded.
func (c *Client) ForwardedPorts() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ports := make([]uint16, 0, len(c.ports))
	for p := range c.ports {
		ports = append(ports, p)
	}
	return ports
}

// AcceptLocalConnectionsForForwardedPorts reports the current setting
// (multimode.ClientAggregator reads this to OR across instances).
func (c *Client) AcceptLocalConnectionsForForwardedPorts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.acceptLocal()
}

// SetAcceptLocalConnectionsForForwardedPorts changes whether future
// tcpip-forward announcements bind a local listener.
func (c *Client) SetAcceptLocalConnectionsForForwardedPorts(accept bool) {
	c.mu.Lock()
	c.opts.AcceptLocalConnectionsForForwardedPorts = &accept
	c.mu.Unlock()
}

// DisposeAsync tears down every local listener and disconnected stream
// before disposing the underlying RelayConnection.
func (c *Client) DisposeAsync() error {
	c.mu.Lock()
	ports := c.ports
	c.ports = make(map[uint16]*forwardedPort)
	c.mu.Unlock()

	for _, fp := range ports {
		if fp.listener != nil {
			_ = fp.listener.Close()
		}
	}
	c.disconnected.CloseAll()
	return c.RelayConnection.DisposeAsync()
}
