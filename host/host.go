// Package host implements the tunnel host side (spec.md §4.10): ephemeral
// host-key generation, endpoint registration with the management service,
// and the v1/v2 session-acceptance and channel-routing logic that serves
// forwarded ports back to connecting tunnel clients.
//
// Grounded on the teacher's backend/internal/sshmanager (session lifecycle,
// keep-alive wiring already reused by connection.RelayConnection) and
// backend/internal/sshtunnel/tunnel_manager.go (per-port forwarder
// bookkeeping), generalized from one fixed SSH target host to an in-process
// SecureStream-capable relay session host.
package host

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/connection"
	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/safego"
	"github.com/kekexiaoai/devtunnel/multimode"
	"github.com/kekexiaoai/devtunnel/portforward"
	"github.com/kekexiaoai/devtunnel/securestream"
	"github.com/kekexiaoai/devtunnel/sessionkey"
)

// Options configures a Host. All fields are optional.
type Options struct {
	// HostID identifies this host within the tunnel's endpoint list. Must
	// be stable across reconnects so a client re-selecting the same host
	// group keeps reaching this instance. Empty means multimode.ProcessHostID(),
	// the process-wide GUID spec.md §9 describes, so an application hosting
	// the same tunnel over more than one relay mode (via a HostAggregator)
	// presents one consistent identity across all of them by default.
	HostID string

	// BindAddress is the address announced in tcpip-forward requests.
	// Empty means "0.0.0.0".
	BindAddress string

	// LocalTargetAddress maps a forwarded port to the local address Host
	// dials when a channel arrives for it. Nil means "127.0.0.1:<port>".
	LocalTargetAddress func(port uint16) string

	EnableE2EEncryption bool
	EnableReconnect     bool

	OnForwardedPortConnecting func(port uint16, stream io.ReadWriteCloser)
}

func (o Options) bindAddress() string {
	if o.BindAddress == "" {
		return "0.0.0.0"
	}
	return o.BindAddress
}

func (o Options) targetFor(port uint16) string {
	if o.LocalTargetAddress != nil {
		return o.LocalTargetAddress(port)
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// remoteForwarder is the sessionkey.RemoteForwarder registered per
// (session, port): it remembers the local address to dial and lets
// RefreshPortsAsync/DisposeAsync stop routing new channels to it without
// racing an in-flight channel-open.
type remoteForwarder struct {
	targetAddr string
	once       sync.Once
	stopped    chan struct{}
}

func newRemoteForwarder(targetAddr string) *remoteForwarder {
	return &remoteForwarder{targetAddr: targetAddr, stopped: make(chan struct{})}
}

func (f *remoteForwarder) Stop() { f.once.Do(func() { close(f.stopped) }) }

func (f *remoteForwarder) isStopped() bool {
	select {
	case <-f.stopped:
		return true
	default:
		return false
	}
}

// Host is a tunnel host connection.
type Host struct {
	*connection.RelayConnection

	mgmt  contracts.ManagementClient
	opts  Options
	trace contracts.TraceSink

	signer ssh.Signer

	forwarders *sessionkey.RemoteForwarderRegistry

	mu       sync.Mutex
	sessions map[string]ssh.Conn
}

// New builds a Host. Call Connect to register its endpoint and dial the
// relay.
func New(ctx context.Context, tunnel *contracts.Tunnel, mgmt contracts.ManagementClient, trace contracts.TraceSink, opts Options) (*Host, error) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	if mgmt == nil {
		return nil, contracts.ProtocolError("host: a management client is required to register an endpoint")
	}
	signer, err := generateHostSigner()
	if err != nil {
		return nil, err
	}
	if opts.HostID == "" {
		opts.HostID = multimode.ProcessHostID()
	}

	h := &Host{
		mgmt:       mgmt,
		opts:       opts,
		trace:      trace,
		signer:     signer,
		forwarders: sessionkey.NewRemoteForwarderRegistry(),
		sessions:   make(map[string]ssh.Conn),
	}

	base := connection.NewBase(ctx, tunnel, mgmt, trace)
	h.RelayConnection = connection.NewRelayConnection(base, "", contracts.ScopeHost, h, opts.EnableReconnect, connection.RoleHost, nil)
	return h, nil
}

// generateHostSigner creates a fresh ECDSA P-384 host key (spec.md §6's
// host key algorithm), never persisted: a new instance always presents a
// new identity, and the tunnel endpoint is updated with its public half on
// every Connect.
func generateHostSigner() (ssh.Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, contracts.ProtocolError("host: failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, contracts.ProtocolError("host: failed to wrap host key: %v", err)
	}
	return signer, nil
}

func anySSHPort(ports []contracts.Port) bool {
	for _, p := range ports {
		if p.Protocol == contracts.ProtocolSSH {
			return true
		}
	}
	return false
}

// Connect registers this host's endpoint with the management service (spec.md
// §4.10 step 2: publish the host's public key, requesting the SSH gateway
// key when any port is protocol "ssh"), then dials and configures the relay
// session.
func (h *Host) Connect(ctx context.Context) error {
	tunnel := h.Tunnel()
	endpoint := contracts.Endpoint{
		Type:           contracts.EndpointTypeTunnelRelay,
		HostID:         h.opts.HostID,
		HostPublicKeys: []string{base64.StdEncoding.EncodeToString(h.signer.PublicKey().Marshal())},
	}
	registered, err := h.mgmt.UpdateTunnelEndpoint(ctx, tunnel, endpoint, contracts.EndpointUpdateOptions{
		IncludeSSHGatewayPublicKey: anySSHPort(tunnel.Ports),
	})
	if err != nil {
		return err
	}
	h.RelayConnection.SetRelayURI(registered.HostRelayURI)
	return h.RelayConnection.Connect(ctx)
}

// ConfigureSession implements connection.SessionConfigurer, dispatching to
// the v1 (nested per-client sessions) or v2 (single shared session) wiring
// depending on what the relay negotiated.
func (h *Host) ConfigureSession(ctx context.Context, stream io.ReadWriteCloser, negotiatedProtocol string, isReconnect bool) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	netConn, ok := stream.(net.Conn)
	if !ok {
		return nil, nil, nil, contracts.ProtocolError("host: relay stream does not support net.Conn")
	}
	if connection.IsV2(negotiatedProtocol) {
		return h.configureV2(ctx, netConn)
	}
	return h.configureV1(ctx, netConn)
}

func (h *Host) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(h.signer)
	return cfg
}

// configureV2 runs the shared session directly on the relay stream: the
// host is the SSH server, the relay multiplexes every connecting client's
// channels onto this one connection.
func (h *Host) configureV2(ctx context.Context, netConn net.Conn) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, h.serverConfig())
	if err != nil {
		return nil, nil, nil, contracts.ConnectionLost(err, "host: ssh server handshake failed")
	}
	safego.Go(h.trace, func() { h.serveSession(ctx, sshConn, chans, reqs) })
	return sshConn, chans, reqs, nil
}

// configureV1 dials the outer session as an SSH client (the relay is the
// server of this leg; its identity is already established by the WebSocket's
// TLS, spec.md §4.10's v1 note), then spawns one nested SSH server session
// per "client-ssh-session-stream" channel the relay opens for a connecting
// tunnel client.
func (h *Host) configureV1(ctx context.Context, netConn net.Conn) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	cfg := &ssh.ClientConfig{
		User:            "tunnel-host",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, "relay", cfg)
	if err != nil {
		return nil, nil, nil, contracts.ConnectionLost(err, "host: outer ssh client handshake failed")
	}
	safego.Go(h.trace, func() { h.acceptNestedSessions(ctx, chans) })
	go ssh.DiscardRequests(reqs)
	return sshConn, chans, reqs, nil
}

func (h *Host) acceptNestedSessions(ctx context.Context, chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != portforward.ChannelTypeClientSSHSessionStream {
			_ = nc.Reject(ssh.UnknownChannelType, "host only accepts client-ssh-session-stream channels on its outer connection")
			continue
		}
		channel, requests, err := nc.Accept()
		if err != nil {
			h.trace.Warn("host: accept nested session channel failed: %v", err)
			continue
		}
		go ssh.DiscardRequests(requests)
		safego.Go(h.trace, func() { h.serveNestedSession(ctx, channel) })
	}
}

func (h *Host) serveNestedSession(ctx context.Context, channel ssh.Channel) {
	conn := portforward.NewChannelConn(channel, "v1-nested")
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, h.serverConfig())
	if err != nil {
		h.trace.Warn("host: nested ssh server handshake failed: %v", err)
		return
	}
	h.serveSession(ctx, sshConn, chans, reqs)
}

// serveSession is the loop shared by v2's single session and each v1 nested
// session: route inbound channel-opens and answer session-level requests
// until the session ends.
func (h *Host) serveSession(ctx context.Context, sshConn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) {
	h.registerSession(sshConn)
	defer h.unregisterSession(sshConn)
	defer sshConn.Close()

	done := make(chan struct{})
	safego.Go(h.trace, func() {
		defer close(done)
		h.handleChannels(ctx, sshConn, chans)
	})
	h.handleSessionRequests(ctx, reqs)
	<-done
}

func (h *Host) registerSession(sshConn ssh.Conn) {
	h.mu.Lock()
	h.sessions[string(sshConn.SessionID())] = sshConn
	h.mu.Unlock()
}

func (h *Host) unregisterSession(sshConn ssh.Conn) {
	id := string(sshConn.SessionID())
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	for _, key := range h.forwarders.Keys() {
		if key.SessionID == id {
			h.forwarders.StopAndRemove(key)
		}
	}
}

func (h *Host) handleSessionRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case portforward.RequestTypeRefreshPorts:
			err := h.RefreshPortsAsync(ctx)
			if req.WantReply {
				_ = req.Reply(err == nil, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (h *Host) handleChannels(ctx context.Context, sshConn ssh.Conn, chans <-chan ssh.NewChannel) {
	for nc := range chans {
		switch nc.ChannelType() {
		case portforward.ChannelTypeDirectTCPIP:
			h.handleDirectTCPIP(ctx, nc)
		case portforward.ChannelTypeForwardedTCPIP:
			h.handleForwardedTCPIP(ctx, sshConn, nc)
		case portforward.ChannelTypeSession:
			h.handleSession(nc)
		default:
			_ = nc.Reject(ssh.UnknownChannelType, "host does not accept this channel type")
		}
	}
}

// handleSession accepts a "session" channel-open (spec.md §4.10's channel-open
// policy: "session channels: allowed, reserved for peers that open an idle
// control channel") and discards everything on it: this host has no use for
// the channel itself, only for not rejecting a peer that opens one.
func (h *Host) handleSession(nc ssh.NewChannel) {
	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	safego.Go(h.trace, func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	})
	safego.Go(h.trace, func() {
		_, _ = io.Copy(io.Discard, ch)
		_ = ch.Close()
	})
}

func (h *Host) portFor(number uint16) contracts.Port {
	for _, p := range h.Tunnel().Ports {
		if p.Number == number {
			return p
		}
	}
	return contracts.Port{Number: number}
}

// handleDirectTCPIP accepts a client-initiated direct-tcpip channel (spec.md
// §4.9's ConnectToForwardedPort), gated only by the target port's
// AccessControl, no remote-forwarder registration required.
func (h *Host) handleDirectTCPIP(ctx context.Context, nc ssh.NewChannel) {
	msg, err := portforward.UnmarshalChannelOpenDirectTCPIP(nc.ExtraData())
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}
	port := uint16(msg.ConnectedPort)
	if !h.portFor(port).Allows(contracts.ScopeConnect) {
		_ = nc.Reject(ssh.Prohibited, "port is not accessible")
		return
	}
	channel, requests, err := nc.Accept()
	if err != nil {
		h.trace.Warn("host: accept direct-tcpip channel failed: %v", err)
		return
	}
	safego.Go(h.trace, func() {
		h.serviceForwardingChannel(ctx, channel, requests, port, msg.IsE2EEncryptionRequested, h.opts.targetFor(port))
	})
}

// handleForwardedTCPIP accepts a client-initiated forwarded-tcpip channel
// for a port this host previously announced via ForwardPortAsync, gated by
// whether a remote forwarder is still registered for this session and port
// (spec.md §4.10's RemoteForwarderRegistry).
func (h *Host) handleForwardedTCPIP(ctx context.Context, sshConn ssh.Conn, nc ssh.NewChannel) {
	msg, err := portforward.UnmarshalChannelOpenForwardedTCPIP(nc.ExtraData())
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip request")
		return
	}
	port := uint16(msg.ConnectedPort)
	key := sessionkey.Key{SessionID: string(sshConn.SessionID()), Port: port}

	fwdAny, ok := h.forwarders.Get(key)
	if !ok {
		_ = nc.Reject(ssh.Prohibited, "port is not currently forwarded")
		return
	}
	fwd := fwdAny.(*remoteForwarder)
	if fwd.isStopped() {
		_ = nc.Reject(ssh.Prohibited, "forwarding stopped")
		return
	}

	channel, requests, err := nc.Accept()
	if err != nil {
		h.trace.Warn("host: accept forwarded-tcpip channel failed: %v", err)
		return
	}
	safego.Go(h.trace, func() {
		h.serviceForwardingChannel(ctx, channel, requests, port, msg.IsE2EEncryptionRequested, fwd.targetAddr)
	})
}

func (h *Host) serviceForwardingChannel(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, port uint16, requested bool, targetAddr string) {
	rw := h.negotiateE2EE(channel, requests, requested)
	if rw == nil {
		return
	}
	if h.opts.OnForwardedPortConnecting != nil {
		h.opts.OnForwardedPortConnecting(port, rw)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", targetAddr)
	if err != nil {
		h.trace.Warn("host: failed to dial forwarding target %s for port %d: %v", targetAddr, port, err)
		_ = rw.Close()
		return
	}
	portforward.Pump(rw, conn, h.trace)
}

// negotiateE2EE answers the opener's devtunnels-e2ee@1 request (if any)
// before running the SecureStream handshake: the reply must go out first so
// the opener's blocking SendRequest returns and it starts writing its
// ephemeral key (spec.md §4.10/§8 property 7).
func (h *Host) negotiateE2EE(channel ssh.Channel, requests <-chan *ssh.Request, requested bool) io.ReadWriteCloser {
	if !requested || !h.opts.EnableE2EEncryption {
		go ssh.DiscardRequests(requests)
		return channel
	}

	req, ok := <-requests
	if !ok || req.Type != portforward.RequestTypeE2EENegotiate {
		if ok && req.WantReply {
			_ = req.Reply(false, nil)
		}
		go ssh.DiscardRequests(requests)
		return channel
	}

	_ = req.Reply(true, nil)
	stream, err := securestream.HostHandshake(channel, h.signer)
	if err != nil {
		h.trace.Warn("host: e2ee handshake failed: %v", err)
		_ = channel.Close()
		return nil
	}
	go ssh.DiscardRequests(requests)
	return stream
}

// ForwardPortAsync announces port to every currently connected client
// session (one session in v2, possibly several nested v1 sessions) via a
// tcpip-forward global request, registering a remoteForwarder per session so
// inbound forwarded-tcpip channels for it are accepted. Early-exits per
// session already forwarding that port (spec.md §4.10).
func (h *Host) ForwardPortAsync(ctx context.Context, port uint16, targetAddr string) error {
	if targetAddr == "" {
		targetAddr = h.opts.targetFor(port)
	}

	h.mu.Lock()
	sessions := make([]ssh.Conn, 0, len(h.sessions))
	for _, c := range h.sessions {
		sessions = append(sessions, c)
	}
	h.mu.Unlock()

	token, _ := h.Tunnel().Token(contracts.ScopeHost)
	reqMsg := portforward.TCPIPForwardRequest{BindAddr: h.opts.bindAddress(), BindPort: uint32(port), AccessToken: token}

	var firstErr error
	for _, sshConn := range sessions {
		key := sessionkey.Key{SessionID: string(sshConn.SessionID()), Port: port}
		if !h.forwarders.StartIfAbsent(key, newRemoteForwarder(targetAddr)) {
			continue
		}
		ok, _, err := sshConn.SendRequest(portforward.RequestTypeTCPIPForward, true, reqMsg.Marshal())
		if err != nil {
			h.forwarders.StopAndRemove(key)
			if firstErr == nil {
				firstErr = contracts.ConnectionLost(err, "host: tcpip-forward request failed")
			}
			continue
		}
		if !ok {
			h.forwarders.StopAndRemove(key)
			if firstErr == nil {
				firstErr = contracts.ProtocolError("host: client rejected tcpip-forward for port %d", port)
			}
		}
	}
	return firstErr
}

func (h *Host) sendCancelTCPIPForward(key sessionkey.Key) {
	h.mu.Lock()
	sshConn, ok := h.sessions[key.SessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	msg := portforward.TCPIPForwardRequest{BindAddr: h.opts.bindAddress(), BindPort: uint32(key.Port)}
	_, _, _ = sshConn.SendRequest(portforward.RequestTypeCancelTCPIPForward, false, msg.Marshal())
}

// RefreshPortsAsync re-fetches the tunnel descriptor and reconciles
// forwarded ports against it: ports no longer published are canceled, newly
// published ones are forwarded to every connected session (spec.md §4.10's
// RefreshPorts convergence).
func (h *Host) RefreshPortsAsync(ctx context.Context) error {
	if err := h.RefreshTunnel(ctx); err != nil {
		return err
	}
	tunnel := h.Tunnel()
	wanted := make(map[uint16]struct{}, len(tunnel.Ports))
	for _, p := range tunnel.Ports {
		wanted[p.Number] = struct{}{}
	}

	for _, key := range h.forwarders.Keys() {
		if _, ok := wanted[key.Port]; !ok {
			h.forwarders.StopAndRemove(key)
			h.sendCancelTCPIPForward(key)
		}
	}
	for port := range wanted {
		if err := h.ForwardPortAsync(ctx, port, ""); err != nil {
			h.trace.Warn("host: RefreshPorts failed to forward port %d: %v", port, err)
		}
	}
	return nil
}

// DisposeAsync stops every remote forwarder and closes every live client
// session before disposing the underlying RelayConnection.
func (h *Host) DisposeAsync() error {
	h.forwarders.StopAll()

	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]ssh.Conn)
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return h.RelayConnection.DisposeAsync()
}
