// Package contracts holds the data model and external-collaborator
// interfaces the connection engine is built against: the tunnel descriptor,
// the management-client contract, and the port-forwarding access-control
// hook. None of these types know how a tunnel is created or persisted;
// that lives in the management service this package only describes.
package contracts

// AccessScope names which bearer token a connection should present.
type AccessScope string

const (
	// ScopeConnect is the token scope a client uses to reach a tunnel.
	ScopeConnect AccessScope = "connect"
	// ScopeHost is the token scope a host uses to publish a tunnel.
	ScopeHost AccessScope = "host"
)

// EndpointType distinguishes the transport an Endpoint exposes. The core
// only ever understands TunnelRelay; LiveShare is retained here as a tag so
// callers can recognize and reject it (spec.md's legacy adapter is out of
// scope, see DESIGN.md).
type EndpointType string

const (
	EndpointTypeTunnelRelay EndpointType = "TunnelRelay"
	EndpointTypeLiveShare   EndpointType = "LiveShareRelay"
)

// Endpoint is one way to reach a tunnel: a host identity, the public keys
// that host will present, and the two relay URIs clients and hosts dial.
type Endpoint struct {
	Type            EndpointType
	HostID          string
	HostPublicKeys  []string
	ClientRelayURI  string
	HostRelayURI    string
}

// PortProtocol names the application protocol of a forwarded port. "ssh" is
// meaningful to TunnelHost.Connect: when any port declares it, the host asks
// the management service to also return its SSH gateway public key.
type PortProtocol string

const (
	ProtocolAuto PortProtocol = "auto"
	ProtocolTCP  PortProtocol = "tcp"
	ProtocolHTTP PortProtocol = "http"
	ProtocolSSH  PortProtocol = "ssh"
)

// AccessControl gates whether a given scope may open a forwarded channel
// for a port. A nil AccessControl permits every scope; this mirrors the
// tunnel service's default of open access until a caller attaches rules.
type AccessControl interface {
	Allows(scope AccessScope) bool
}

// AllowAll is the default, permissive AccessControl.
type AllowAll struct{}

func (AllowAll) Allows(AccessScope) bool { return true }

// DenyAll rejects every scope; used by tests and by callers that want a
// port registered but not yet reachable.
type DenyAll struct{}

func (DenyAll) Allows(AccessScope) bool { return false }

// Port describes one of a tunnel's published ports.
type Port struct {
	Number        uint16
	Protocol      PortProtocol
	AccessControl AccessControl
}

// allows reports whether scope may use p, treating a nil AccessControl as
// AllowAll.
func (p Port) allows(scope AccessScope) bool {
	if p.AccessControl == nil {
		return true
	}
	return p.AccessControl.Allows(scope)
}

// Allows is the exported form of allows, used by client/host packages that
// only import Port, not its unexported helper.
func (p Port) Allows(scope AccessScope) bool { return p.allows(scope) }

// Tunnel is the opaque-to-the-core descriptor spec.md §3 defines: a set of
// endpoints, a per-scope bearer token map, and the ports the tunnel
// publishes. Every other field the real management service carries
// (labels, description, cluster ID, ...) is irrelevant to the connection
// engine and intentionally absent.
type Tunnel struct {
	TunnelID    string
	ClusterID   string
	Endpoints   []Endpoint
	AccessTokens map[AccessScope]string
	Ports       []Port
}

// Token returns the bearer token for scope, and whether one is present.
// Anonymous tunnels simply omit the scope from AccessTokens.
func (t *Tunnel) Token(scope AccessScope) (string, bool) {
	if t == nil || t.AccessTokens == nil {
		return "", false
	}
	tok, ok := t.AccessTokens[scope]
	return tok, ok && tok != ""
}

// EndpointsByHostID groups t.Endpoints by HostID, preserving first-seen
// order within each group. Used by the client's selectEndpoint (spec.md
// §4.9) to pick the endpoint group a client should connect through.
func (t *Tunnel) EndpointsByHostID() map[string][]Endpoint {
	groups := make(map[string][]Endpoint)
	for _, e := range t.Endpoints {
		groups[e.HostID] = append(groups[e.HostID], e)
	}
	return groups
}
