package portforward

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ChannelConn adapts an ssh.Channel into a net.Conn so it can be handed to
// golang.org/x/crypto/ssh.NewServerConn/NewClientConn, which both require a
// net.Conn regardless of what's actually carrying the bytes. This is how
// TunnelHost's v1 path nests an SSH server session inside the
// "client-ssh-session-stream" channel the relay opens per connecting
// client (spec.md §4.10): the channel has no real network address, so the
// address methods return a fixed placeholder and the deadline setters are
// no-ops, matching how in-process net.Pipe-style adapters in the ecosystem
// handle non-socket transports.
type ChannelConn struct {
	ssh.Channel
	local, remote net.Addr
}

// NewChannelConn wraps channel, labeling both ends with label (typically
// the session ID or a client identifier) purely for diagnostics.
func NewChannelConn(channel ssh.Channel, label string) *ChannelConn {
	addr := channelAddr(label)
	return &ChannelConn{Channel: channel, local: addr, remote: addr}
}

type channelAddr string

func (a channelAddr) Network() string { return "ssh-channel" }
func (a channelAddr) String() string  { return string(a) }

func (c *ChannelConn) LocalAddr() net.Addr                { return c.local }
func (c *ChannelConn) RemoteAddr() net.Addr                { return c.remote }
func (c *ChannelConn) SetDeadline(t time.Time) error       { return nil }
func (c *ChannelConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *ChannelConn) SetWriteDeadline(t time.Time) error  { return nil }

var _ net.Conn = (*ChannelConn)(nil)
