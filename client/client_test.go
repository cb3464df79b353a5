package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/connection"
	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/sessionkey"
)

func mustSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// newTestClient builds a Client with a live RelayConnection but no dialed
// session, enough to exercise methods that only need Tunnel()/SSHConn().
func newTestClient(t *testing.T, tunnel *contracts.Tunnel) *Client {
	t.Helper()
	c := &Client{
		opts:         Options{},
		trace:        contracts.NopTraceSink{},
		ports:        make(map[uint16]*forwardedPort),
		waiters:      make(map[uint16][]chan struct{}),
		disconnected: sessionkey.NewDisconnectedStreamRegistry(),
	}
	base := connection.NewBase(context.Background(), tunnel, nil, contracts.NopTraceSink{})
	c.RelayConnection = connection.NewRelayConnection(base, "wss://relay", contracts.ScopeConnect, c, false, connection.RoleClient, nil)
	return c
}

func TestSelectEndpointExplicitHostID(t *testing.T) {
	tunnel := &contracts.Tunnel{
		Endpoints: []contracts.Endpoint{
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-a", ClientRelayURI: "wss://a"},
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-b", ClientRelayURI: "wss://b"},
		},
	}
	got, err := selectEndpoint(tunnel, "host-b")
	if err != nil {
		t.Fatalf("selectEndpoint: %v", err)
	}
	if got.ClientRelayURI != "wss://b" {
		t.Fatalf("got endpoint %+v, want host-b", got)
	}
}

func TestSelectEndpointMissingHostID(t *testing.T) {
	tunnel := &contracts.Tunnel{
		Endpoints: []contracts.Endpoint{
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-a"},
		},
	}
	_, err := selectEndpoint(tunnel, "host-z")
	if !contracts.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSelectEndpointSingleGroupNoHostID(t *testing.T) {
	tunnel := &contracts.Tunnel{
		Endpoints: []contracts.Endpoint{
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-a", ClientRelayURI: "wss://a"},
		},
	}
	got, err := selectEndpoint(tunnel, "")
	if err != nil {
		t.Fatalf("selectEndpoint: %v", err)
	}
	if got.ClientRelayURI != "wss://a" {
		t.Fatalf("got %+v, want host-a", got)
	}
}

func TestSelectEndpointAmbiguousWithoutHostID(t *testing.T) {
	tunnel := &contracts.Tunnel{
		Endpoints: []contracts.Endpoint{
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-a"},
			{Type: contracts.EndpointTypeTunnelRelay, HostID: "host-b"},
		},
	}
	_, err := selectEndpoint(tunnel, "")
	if !contracts.IsProtocolError(err) {
		t.Fatalf("err = %v, want ProtocolError", err)
	}
}

func TestSelectEndpointNoTunnelRelayInGroup(t *testing.T) {
	tunnel := &contracts.Tunnel{
		Endpoints: []contracts.Endpoint{
			{Type: contracts.EndpointTypeLiveShare, HostID: "host-a"},
		},
	}
	_, err := selectEndpoint(tunnel, "host-a")
	if !contracts.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestMatchesHostKey(t *testing.T) {
	signer := mustSigner(t)
	pub := signer.PublicKey()
	encoded := base64.StdEncoding.EncodeToString(pub.Marshal())

	if !matchesHostKey([]string{"other", encoded}, pub) {
		t.Fatal("expected match")
	}
	if matchesHostKey([]string{"other"}, pub) {
		t.Fatal("expected no match")
	}
	if matchesHostKey(nil, pub) {
		t.Fatal("expected no match against empty list")
	}
}

func TestWaitForForwardedPortAlreadyPresent(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{})
	c.ports[8080] = &forwardedPort{remotePort: 8080}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitForForwardedPort(ctx, 8080); err != nil {
		t.Fatalf("WaitForForwardedPort: %v", err)
	}
}

func TestWaitForForwardedPortWakesOnRegister(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.WaitForForwardedPort(ctx, 9000) }()

	time.Sleep(10 * time.Millisecond)
	c.registerForwardedPort(&forwardedPort{remotePort: 9000})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForForwardedPort: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for forwarded port registration")
	}
}

func TestWaitForForwardedPortContextCanceled(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WaitForForwardedPort(ctx, 1234); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestConnectToForwardedPortNoActiveSession(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{
		Ports: []contracts.Port{{Number: 8080, Protocol: contracts.ProtocolTCP}},
	})

	rw, err := c.ConnectToForwardedPort(context.Background(), 8080)
	if err != nil || rw != nil {
		t.Fatalf("got (%v, %v), want (nil, nil) with no live session", rw, err)
	}
}

func TestPortForUnknownPortReturnsZeroValue(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{
		Ports: []contracts.Port{{Number: 80, Protocol: contracts.ProtocolHTTP}},
	})

	got := c.portFor(443)
	if got.Number != 443 || got.Protocol != "" {
		t.Fatalf("portFor(443) = %+v, want zero-value port with Number=443", got)
	}
}

func TestAcceptLocalConnectionsDefaultTrue(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{})
	if !c.AcceptLocalConnectionsForForwardedPorts() {
		t.Fatal("expected default of true")
	}
	c.SetAcceptLocalConnectionsForForwardedPorts(false)
	if c.AcceptLocalConnectionsForForwardedPorts() {
		t.Fatal("expected false after explicit set")
	}
}

func newLoopbackListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestDisposeAsyncClosesListeners(t *testing.T) {
	c := newTestClient(t, &contracts.Tunnel{})
	ln, err := newLoopbackListener()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	c.ports[9090] = &forwardedPort{remotePort: 9090, listener: ln}

	if err := c.DisposeAsync(); err != nil {
		t.Fatalf("DisposeAsync: %v", err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Fatal("expected listener to be closed after DisposeAsync")
	}
}
