package connection

import (
	"context"
	"sync"
	"time"

	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/jwtutil"
)

// StatusChangeHandler is notified every time a connection's status changes,
// outside of Base's internal lock so it may safely call back into the
// connection (e.g. to read Status()).
type StatusChangeHandler func(previous, next Status, reason DisconnectReason)

// Base is the status/dispose/reconnect machinery spec.md §4.7 describes,
// shared by every tunnel connection regardless of which side (client or
// host) it represents. It owns one mutex ("the dispose lock") that
// serializes status transitions and dispose, the way the teacher's
// sshtunnel.Manager serializes tunnel lifecycle transitions under its own
// mu (backend/internal/sshtunnel/tunnel_manager.go), generalized from a
// map-of-tunnels lock into a per-connection one.
type Base struct {
	mu       sync.Mutex
	status   Status
	reason   DisconnectReason
	disposed bool

	tunnel *contracts.Tunnel
	mgmt   contracts.ManagementClient
	trace  contracts.TraceSink

	onStatusChanged StatusChangeHandler

	ctx              context.Context
	cancel           context.CancelFunc
	reconnectStarted bool
	disposeOnce      sync.Once
}

// NewBase builds a Base bound to tunnel. ctx is the connection's parent
// context; canceling it (or calling DisposeAsync) tears the connection
// down. mgmt and trace may be nil.
func NewBase(ctx context.Context, tunnel *contracts.Tunnel, mgmt contracts.ManagementClient, trace contracts.TraceSink) *Base {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	cctx, cancel := context.WithCancel(ctx)
	return &Base{
		tunnel: tunnel,
		mgmt:   mgmt,
		trace:  trace,
		ctx:    cctx,
		cancel: cancel,
	}
}

// Context returns the connection's lifetime context, canceled on dispose.
func (b *Base) Context() context.Context { return b.ctx }

// Tunnel returns the tunnel descriptor this connection was built from.
func (b *Base) Tunnel() *contracts.Tunnel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tunnel
}

// Trace returns the connection's TraceSink.
func (b *Base) Trace() contracts.TraceSink { return b.trace }

// Status returns the current connection status.
func (b *Base) Status() (Status, DisconnectReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.reason
}

// OnStatusChanged registers handler, replacing any previous one. Only one
// handler is supported; RelayConnection and TunnelClient/TunnelHost chain
// their own bookkeeping into a single handler rather than needing a list.
func (b *Base) OnStatusChanged(handler StatusChangeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatusChanged = handler
}

// setStatus moves the connection to next with reason, unless it has
// already been disposed: spec.md §4.7's monotonicity invariant is "after
// DisposeAsync returns, status is Disconnected and never changes again,"
// enforced here rather than trusted to callers. Returns whether the
// transition actually happened.
func (b *Base) setStatus(next Status, reason DisconnectReason) bool {
	return b.transitionStatus(next, reason, false)
}

// disposeStatus moves the connection to StatusDisconnected and marks it
// disposed in the same locked section, so no transition can slip in between
// "status becomes Disconnected" and "further transitions are refused."
// Called exactly once, from DisposeAsync.
func (b *Base) disposeStatus(reason DisconnectReason) bool {
	return b.transitionStatus(StatusDisconnected, reason, true)
}

func (b *Base) transitionStatus(next Status, reason DisconnectReason, dispose bool) bool {
	b.mu.Lock()
	if b.disposed || (b.status == next && !dispose) {
		b.mu.Unlock()
		return false
	}
	prev := b.status
	b.status = next
	b.reason = reason
	if dispose {
		b.disposed = true
	}
	handler := b.onStatusChanged
	b.mu.Unlock()

	if handler != nil {
		handler(prev, next, reason)
	}
	return true
}

// SetConnecting moves the connection to StatusConnecting.
func (b *Base) SetConnecting() bool { return b.setStatus(StatusConnecting, ReasonNone) }

// SetConnected moves the connection to StatusConnected.
func (b *Base) SetConnected() bool { return b.setStatus(StatusConnected, ReasonNone) }

// SetDisconnected moves the connection to StatusDisconnected, recording why.
func (b *Base) SetDisconnected(cause error) bool {
	return b.setStatus(StatusDisconnected, classifyReason(cause))
}

// ReportEvent forwards event to the management client's best-effort
// telemetry sink, if one was configured; errors are discarded per
// contracts.ManagementClient.ReportEvent's contract.
func (b *Base) ReportEvent(ctx context.Context, event contracts.TunnelEvent) {
	if b.mgmt == nil {
		return
	}
	_ = b.mgmt.ReportEvent(ctx, b.Tunnel(), event)
}

// withTransientStatus moves the connection to during for the duration of
// fn, then restores whatever status was current before the call (unless
// the connection was disposed meanwhile, which is left alone). Spec.md
// §4.7: "Status is set to RefreshingTunnelAccessToken across the call and
// restored afterwards," and similarly for RefreshingTunnelHostPublicKey in
// §4.9.
func (b *Base) withTransientStatus(during Status, fn func() error) error {
	b.mu.Lock()
	prev := b.status
	b.mu.Unlock()

	b.setStatus(during, ReasonNone)
	err := fn()
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if !disposed {
		b.setStatus(prev, ReasonNone)
	}
	return err
}

// RefreshTunnelAccessToken re-fetches tunnel from the management service
// scoped to scope and copies its token into the connection's tunnel
// descriptor in place, returning whether the token actually changed
// (spec.md §4.6's "Unauthorized -> refresh once" relies on this to decide
// whether a retry is worth attempting).
func (b *Base) RefreshTunnelAccessToken(ctx context.Context, scope contracts.AccessScope) (bool, error) {
	if b.mgmt == nil {
		return false, nil
	}

	var changed bool
	err := b.withTransientStatus(StatusRefreshingTunnelAccessToken, func() error {
		b.mu.Lock()
		tunnel := b.tunnel
		b.mu.Unlock()

		before, _ := tunnel.Token(scope)
		refreshed, err := b.mgmt.GetTunnel(ctx, tunnel, contracts.GetTunnelOptions{Scopes: []contracts.AccessScope{scope}})
		if err != nil {
			return err
		}
		after, _ := refreshed.Token(scope)

		b.mu.Lock()
		if tunnel.AccessTokens == nil {
			tunnel.AccessTokens = map[contracts.AccessScope]string{}
		}
		tunnel.AccessTokens[scope] = after
		b.mu.Unlock()

		changed = after != "" && after != before
		if changed {
			if exp, ok := jwtutil.Expiration(after); ok && !exp.After(time.Now()) {
				b.trace.Warn("connection: refreshed access token for scope %q is already expired (exp %s)", scope, exp)
			}
		}
		return nil
	})
	return changed, err
}

// TokenValid reports whether the connection's current token for scope may
// be used: it is false only when a token is present, parses as a JWT with an
// exp claim, and has expired (spec.md §3: "Validity is re-checked on every
// connect attempt"). A missing or empty token is treated as valid, as is a
// token that doesn't parse as a JWT (e.g. an anonymous tunnel's empty token, or an
// opaque non-JWT bearer token) is treated as valid and left to the relay to
// accept or reject.
func (b *Base) TokenValid(scope contracts.AccessScope) bool {
	b.mu.Lock()
	tunnel := b.tunnel
	b.mu.Unlock()
	token, ok := tunnel.Token(scope)
	if !ok {
		return true
	}
	return !jwtutil.IsExpired(token, time.Now())
}

// RefreshTunnelHostPublicKey re-fetches the full tunnel descriptor under
// StatusRefreshingTunnelHostPublicKey, for TunnelClient's host-key-mismatch
// fallback (spec.md §4.9).
func (b *Base) RefreshTunnelHostPublicKey(ctx context.Context) (*contracts.Tunnel, error) {
	if b.mgmt == nil {
		return nil, contracts.NotFound("no management client configured")
	}
	var refreshed *contracts.Tunnel
	err := b.withTransientStatus(StatusRefreshingTunnelHostPublicKey, func() error {
		b.mu.Lock()
		tunnel := b.tunnel
		b.mu.Unlock()
		var err error
		refreshed, err = b.mgmt.GetTunnel(ctx, tunnel, contracts.GetTunnelOptions{IncludePorts: true})
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.tunnel = refreshed
		b.mu.Unlock()
		return nil
	})
	return refreshed, err
}

// RefreshTunnel re-fetches the full tunnel descriptor (endpoints and ports
// included) and replaces the connection's copy, for use after spec.md
// §4.6's host-key-mismatch fallback or an explicit RefreshPorts call.
func (b *Base) RefreshTunnel(ctx context.Context) error {
	if b.mgmt == nil {
		return nil
	}
	b.mu.Lock()
	tunnel := b.tunnel
	b.mu.Unlock()

	refreshed, err := b.mgmt.GetTunnel(ctx, tunnel, contracts.GetTunnelOptions{IncludePorts: true})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.tunnel = refreshed
	b.mu.Unlock()
	return nil
}

// StartReconnectTaskIfNotDisposed runs fn in its own goroutine exactly once
// per connection lifetime, unless the connection is already disposed. It
// reports whether fn was started.
func (b *Base) StartReconnectTaskIfNotDisposed(fn func(ctx context.Context)) bool {
	b.mu.Lock()
	if b.disposed || b.reconnectStarted {
		b.mu.Unlock()
		return false
	}
	b.reconnectStarted = true
	ctx := b.ctx
	b.mu.Unlock()

	go fn(ctx)
	return true
}

// DisposeAsync tears the connection down: it marks the connection disposed
// (final, per spec.md §8 property 3's monotonicity invariant), moves status
// to StatusDisconnected, cancels the connection's context, and runs cleanup
// exactly once even under concurrent callers. cleanup is supplied by the
// embedding type (RelayConnection closes its stream and stops its
// keep-alive there).
func (b *Base) DisposeAsync(cleanup func()) error {
	b.disposeOnce.Do(func() {
		b.disposeStatus(ReasonByApplication)
		b.cancel()
		if cleanup != nil {
			cleanup()
		}
	})
	return nil
}

// IsDisposed reports whether DisposeAsync has run.
func (b *Base) IsDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}
