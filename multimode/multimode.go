// Package multimode implements spec.md §4.11's multi-mode aggregator (C11):
// fan Connect/DisposeAsync/RefreshPorts out across several client or host
// instances in parallel and join their failures, the way an application
// connects to one tunnel through both the v1 and v2 relay protocols (or
// several endpoints) at once.
//
// Grounded on the teacher's Manager.proxyData
// (backend/internal/sshtunnel/tunnel_manager.go), which runs two copy
// goroutines behind one sync.WaitGroup and a utils.SafeGo panic guard;
// fanOut generalizes that fixed pair into an arbitrary-length instance
// slice with panic recovery and joined errors instead of discarded ones.
package multimode

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/safego"
)

var (
	hostIDOnce sync.Once
	hostID     string
)

// ProcessHostID returns a GUID assigned once per process and shared by
// every Host an application creates within it. Spec.md §9's "Global state"
// note describes this as "a process-wide GUID assigned at startup" with "no
// teardown contract"; this is modeled as lazy init on first read rather
// than eager init at package load, so a process that never hosts a tunnel
// never pays for (or logs) generating one.
func ProcessHostID() string {
	hostIDOnce.Do(func() { hostID = uuid.NewString() })
	return hostID
}

// ClientInstance is the subset of *client.Client a ClientAggregator fans
// calls out across, declared as an interface (rather than importing the
// client package) so this package stays testable against fakes and free of
// any import-cycle risk with client/host.
type ClientInstance interface {
	Connect(ctx context.Context) error
	DisposeAsync() error
	RefreshPorts(ctx context.Context) error
	AcceptLocalConnectionsForForwardedPorts() bool
	SetAcceptLocalConnectionsForForwardedPorts(accept bool)
}

// ClientAggregator fans Connect, DisposeAsync, and RefreshPorts out across
// several tunnel client instances in parallel.
//
// Spec.md §9's open question notes that the source's MultiModeTunnelClient
// left Connect/WaitForForwardedPort/ConnectToForwardedPort unimplemented
// and says not to guess their semantics, instead implementing them "as
// parallel fanout matching the host-side aggregator" where that's a
// reasonable reading. Connect, DisposeAsync, and RefreshPorts have an
// unambiguous fanout meaning and are implemented here; WaitForForwardedPort
// and ConnectToForwardedPort are inherently single-instance operations (a
// forwarded port lives on one particular session), so this aggregator
// exposes Instances() for a caller to reach a specific client directly
// instead of guessing which instance such a call should target.
type ClientAggregator struct {
	trace     contracts.TraceSink
	instances []ClientInstance
}

// NewClientAggregator wraps instances. trace may be nil.
func NewClientAggregator(trace contracts.TraceSink, instances ...ClientInstance) *ClientAggregator {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	return &ClientAggregator{trace: trace, instances: instances}
}

// Instances returns the wrapped clients.
func (a *ClientAggregator) Instances() []ClientInstance { return a.instances }

// Connect connects every wrapped client in parallel, joining any failures.
func (a *ClientAggregator) Connect(ctx context.Context) error {
	return fanOut(a.trace, a.instances, func(c ClientInstance) error { return c.Connect(ctx) })
}

// DisposeAsync disposes every wrapped client in parallel, joining any
// failures.
func (a *ClientAggregator) DisposeAsync() error {
	return fanOut(a.trace, a.instances, func(c ClientInstance) error { return c.DisposeAsync() })
}

// RefreshPorts refreshes every wrapped client's ports in parallel, joining
// any failures.
func (a *ClientAggregator) RefreshPorts(ctx context.Context) error {
	return fanOut(a.trace, a.instances, func(c ClientInstance) error { return c.RefreshPorts(ctx) })
}

// AcceptLocalConnectionsForForwardedPorts reports true if any wrapped
// client currently accepts local connections (spec.md §4.11: "true if any
// inner is").
func (a *ClientAggregator) AcceptLocalConnectionsForForwardedPorts() bool {
	for _, c := range a.instances {
		if c.AcceptLocalConnectionsForForwardedPorts() {
			return true
		}
	}
	return false
}

// SetAcceptLocalConnectionsForForwardedPorts propagates accept to every
// wrapped client (spec.md §4.11: "setting it propagates to all").
func (a *ClientAggregator) SetAcceptLocalConnectionsForForwardedPorts(accept bool) {
	for _, c := range a.instances {
		c.SetAcceptLocalConnectionsForForwardedPorts(accept)
	}
}

// HostInstance is the subset of *host.Host a HostAggregator fans calls out
// across.
type HostInstance interface {
	Connect(ctx context.Context) error
	DisposeAsync() error
	RefreshPortsAsync(ctx context.Context) error
}

// HostAggregator fans Connect, DisposeAsync, and RefreshPortsAsync out
// across several tunnel host instances in parallel (spec.md §4.11):
// typically one per relay mode (v1 and v2) an application wants to publish
// simultaneously. Every wrapped Host should be built with the same
// ProcessHostID so clients reconnecting to either mode recognize them as
// the same logical host.
type HostAggregator struct {
	trace     contracts.TraceSink
	instances []HostInstance
}

// NewHostAggregator wraps instances. trace may be nil.
func NewHostAggregator(trace contracts.TraceSink, instances ...HostInstance) *HostAggregator {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	return &HostAggregator{trace: trace, instances: instances}
}

// Instances returns the wrapped hosts.
func (a *HostAggregator) Instances() []HostInstance { return a.instances }

// Connect connects every wrapped host in parallel, joining any failures.
func (a *HostAggregator) Connect(ctx context.Context) error {
	return fanOut(a.trace, a.instances, func(h HostInstance) error { return h.Connect(ctx) })
}

// DisposeAsync disposes every wrapped host in parallel, joining any
// failures.
func (a *HostAggregator) DisposeAsync() error {
	return fanOut(a.trace, a.instances, func(h HostInstance) error { return h.DisposeAsync() })
}

// RefreshPortsAsync refreshes every wrapped host's ports in parallel,
// joining any failures.
func (a *HostAggregator) RefreshPortsAsync(ctx context.Context) error {
	return fanOut(a.trace, a.instances, func(h HostInstance) error { return h.RefreshPortsAsync(ctx) })
}

// fanOut runs fn(instance) for every instance concurrently, recovering any
// panic (so one bad instance can't take the others' results with it), and
// joins every non-nil result with errors.Join.
func fanOut[T any](trace contracts.TraceSink, instances []T, fn func(T) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(instances))
	wg.Add(len(instances))
	for i, inst := range instances {
		i, inst := i, inst
		safego.Go(trace, func() {
			defer wg.Done()
			errs[i] = fn(inst)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}
