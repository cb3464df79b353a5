package portforward

import (
	"golang.org/x/crypto/ssh"
)

// Channel types and global request names spec.md §6 recognizes.
const (
	ChannelTypeDirectTCPIP         = "direct-tcpip"
	ChannelTypeForwardedTCPIP      = "forwarded-tcpip"
	ChannelTypeClientSSHSessionStream = "client-ssh-session-stream"
	ChannelTypeSession             = "session"

	RequestTypeTCPIPForward       = "tcpip-forward"
	RequestTypeCancelTCPIPForward = "cancel-tcpip-forward"
	RequestTypeRefreshPorts       = "RefreshPorts"

	// RequestTypeE2EENegotiate is a per-channel request the channel opener
	// sends immediately after the channel is confirmed open. golang.org/x/crypto/ssh's
	// OpenChannel does not expose any trailer bytes the acceptor appended to
	// the raw channel-open-confirmation message, so spec.md §4.5's
	// "is_e2e_encryption_enabled" confirmation bit cannot literally ride on
	// that message with this library; this request's want-reply
	// success/failure boolean carries the same bit instead (success =
	// enabled), which is a value the library does return to the caller.
	RequestTypeE2EENegotiate = "devtunnels-e2ee@1"
)

// The three wire messages below extend the standard SSH port-forwarding
// requests (RFC 4254 §7) with the fields spec.md §4.5 adds: an access token
// riding along with the forward request and channel open so the receiving
// side can apply its AccessControl without a side channel, and an
// end-to-end-encryption negotiation flag on the v2 channel-open exchange.
// Encoding/decoding goes through golang.org/x/crypto/ssh's Marshal/Unmarshal,
// the same struct-tag-free, field-order-is-wire-order convention the ssh
// package itself uses for its built-in message types (see its channel.go).

// TCPIPForwardRequest is the payload of a "tcpip-forward" global request, as
// sent by a TunnelHost announcing a port it wants the relay to route
// connections for.
type TCPIPForwardRequest struct {
	BindAddr    string
	BindPort    uint32
	AccessToken string
}

// Marshal encodes m for ssh.Conn.SendRequest.
func (m TCPIPForwardRequest) Marshal() []byte { return ssh.Marshal(m) }

// UnmarshalTCPIPForwardRequest decodes a "tcpip-forward" request payload.
func UnmarshalTCPIPForwardRequest(payload []byte) (TCPIPForwardRequest, error) {
	var m TCPIPForwardRequest
	err := ssh.Unmarshal(payload, &m)
	return m, err
}

// TCPIPForwardReply is the payload of a successful "tcpip-forward" reply,
// carrying back the port actually bound when the host requested port 0.
type TCPIPForwardReply struct {
	BoundPort uint32
}

func (m TCPIPForwardReply) Marshal() []byte { return ssh.Marshal(m) }

func UnmarshalTCPIPForwardReply(payload []byte) (TCPIPForwardReply, error) {
	var m TCPIPForwardReply
	err := ssh.Unmarshal(payload, &m)
	return m, err
}

// ChannelOpenForwardedTCPIP is the payload of a "forwarded-tcpip"
// channel-open message, sent by the client when a local connection arrives
// for a forwarded port (client.forwardLocalConn) and accepted by the host,
// which connects it to the local port (host.handleForwardedTCPIP).
type ChannelOpenForwardedTCPIP struct {
	ConnectedAddr           string
	ConnectedPort           uint32
	OriginAddr              string
	OriginPort              uint32
	AccessToken             string
	IsE2EEncryptionRequested bool
}

func (m ChannelOpenForwardedTCPIP) Marshal() []byte { return ssh.Marshal(m) }

func UnmarshalChannelOpenForwardedTCPIP(payload []byte) (ChannelOpenForwardedTCPIP, error) {
	var m ChannelOpenForwardedTCPIP
	err := ssh.Unmarshal(payload, &m)
	return m, err
}

// ChannelOpenDirectTCPIP is the payload of a "direct-tcpip" channel-open
// message: a client-initiated request to reach a host port directly,
// without going through a registered remote forwarder (spec.md §6's
// "direct-tcpip: client-initiated connect to a host port"), used by
// TunnelClient.ConnectToForwardedPort.
type ChannelOpenDirectTCPIP struct {
	ConnectedAddr            string
	ConnectedPort            uint32
	OriginAddr               string
	OriginPort               uint32
	AccessToken              string
	IsE2EEncryptionRequested bool
}

func (m ChannelOpenDirectTCPIP) Marshal() []byte { return ssh.Marshal(m) }

func UnmarshalChannelOpenDirectTCPIP(payload []byte) (ChannelOpenDirectTCPIP, error) {
	var m ChannelOpenDirectTCPIP
	err := ssh.Unmarshal(payload, &m)
	return m, err
}

