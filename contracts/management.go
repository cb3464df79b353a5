package contracts

import (
	"context"
	"time"
)

// GetTunnelOptions controls how much of a tunnel ManagementClient.GetTunnel
// re-fetches; it mirrors spec.md §6's "GetTunnel(tunnel, {scopes,
// include_ports?})".
type GetTunnelOptions struct {
	Scopes       []AccessScope
	IncludePorts bool
}

// EndpointUpdateOptions carries the includeSshGatewayPublicKey query
// parameter spec.md §4.10 step 2 describes.
type EndpointUpdateOptions struct {
	IncludeSSHGatewayPublicKey bool
}

// DeleteEndpointsMode selects which of a host's endpoints to delete; the
// real service supports deleting "all endpoints for this host ID" as a
// single call, which is the only mode this engine needs.
type DeleteEndpointsMode string

const DeleteAllHostEndpoints DeleteEndpointsMode = "all"

// TunnelEvent is the best-effort telemetry record spec.md §4.8 describes:
// "a small set of properties (client session ID, websocket request ID,
// previous status, duration)".
type TunnelEvent struct {
	Name             string
	ClientSessionID  string
	WebSocketRequestID string
	PreviousStatus   string
	NextStatus       string
	Duration         time.Duration
	Err              error
}

// ManagementClient is the tunnel-management API surface the connection
// engine consumes as an external collaborator (spec.md §1, §6). This
// package defines the contract only; a real implementation (REST calls,
// auth, retries of its own) is out of scope.
type ManagementClient interface {
	GetTunnel(ctx context.Context, tunnel *Tunnel, opts GetTunnelOptions) (*Tunnel, error)
	UpdateTunnelEndpoint(ctx context.Context, tunnel *Tunnel, endpoint Endpoint, opts EndpointUpdateOptions) (Endpoint, error)
	DeleteTunnelEndpoints(ctx context.Context, tunnel *Tunnel, hostID string, mode DeleteEndpointsMode) error
	CreateTunnelPort(ctx context.Context, tunnel *Tunnel, port Port) error
	UpdateTunnelPort(ctx context.Context, tunnel *Tunnel, port Port) error
	DeleteTunnelPort(ctx context.Context, tunnel *Tunnel, number uint16) error
	// ReportEvent is best-effort: implementations should not block the
	// caller, and the engine ignores any error it returns.
	ReportEvent(ctx context.Context, tunnel *Tunnel, event TunnelEvent) error
}

// TraceSink is the verbose-diagnostics hook every component in this module
// accepts, matching the teacher's ubiquitous log.Printf call sites but kept
// as an interface so callers can plug in their own logger.
type TraceSink interface {
	Verbose(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// NopTraceSink discards everything; used as the default in constructors
// that accept a nil TraceSink.
type NopTraceSink struct{}

func (NopTraceSink) Verbose(string, ...any) {}
func (NopTraceSink) Info(string, ...any)    {}
func (NopTraceSink) Warn(string, ...any)    {}
func (NopTraceSink) Error(string, ...any)   {}
