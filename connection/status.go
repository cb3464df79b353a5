// Package connection implements the two connection base types spec.md
// §4.7–§4.8 describe: Base, the status/dispose/reconnect
// machinery every tunnel connection shares, and RelayConnection, which
// layers a negotiated relay WebSocket and SSH session, keep-alive, and
// reconnect-on-loss behavior on top of it. TunnelClient and TunnelHost
// (client/, host/) embed RelayConnection rather than reimplementing any of
// this.
package connection

import "fmt"

// Status is a tunnel connection's lifecycle state, one of the six values
// below. It may oscillate between Connecting/RefreshingTunnelAccessToken/
// RefreshingTunnelHostPublicKey/Connected across a reconnect, but once a
// dispose has driven it to Disconnected it never changes again (enforced by
// Base.setStatus/Base.disposed, not by this type).
type Status int

const (
	StatusNone Status = iota
	StatusConnecting
	StatusRefreshingTunnelAccessToken
	StatusRefreshingTunnelHostPublicKey
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusConnecting:
		return "Connecting"
	case StatusRefreshingTunnelAccessToken:
		return "RefreshingTunnelAccessToken"
	case StatusRefreshingTunnelHostPublicKey:
		return "RefreshingTunnelHostPublicKey"
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DisconnectReason explains why a connection left StatusConnected (or why
// it was disposed). Mirrors the classification connector.classify produces,
// plus ByApplication for a caller-initiated DisposeAsync.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonByApplication
	ReasonConnectionLost
	ReasonProtocolError
	ReasonUnauthorized
	ReasonForbidden
	ReasonNotFound
	ReasonTooManyConnections
	ReasonHostKeyMismatch
	ReasonUnknown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonByApplication:
		return "ByApplication"
	case ReasonConnectionLost:
		return "ConnectionLost"
	case ReasonProtocolError:
		return "ProtocolError"
	case ReasonUnauthorized:
		return "Unauthorized"
	case ReasonForbidden:
		return "Forbidden"
	case ReasonNotFound:
		return "NotFound"
	case ReasonTooManyConnections:
		return "TooManyConnections"
	case ReasonHostKeyMismatch:
		return "HostKeyMismatch"
	default:
		return "Unknown"
	}
}

// reasonFromError maps an error from the connector's classification back to
// a DisconnectReason for TunnelEvent reporting and StatusChanged callbacks.
func reasonFromError(err error) DisconnectReason {
	switch {
	case err == nil:
		return ReasonNone
	default:
		return classifyReason(err)
	}
}
