package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/kekexiaoai/devtunnel/contracts"
)

func newTestTunnel() *contracts.Tunnel {
	return &contracts.Tunnel{
		TunnelID:     "t1",
		AccessTokens: map[contracts.AccessScope]string{contracts.ScopeConnect: "old-token"},
	}
}

type fakeMgmt struct {
	tunnel *contracts.Tunnel
	events []contracts.TunnelEvent
}

func (f *fakeMgmt) GetTunnel(ctx context.Context, tunnel *contracts.Tunnel, opts contracts.GetTunnelOptions) (*contracts.Tunnel, error) {
	return f.tunnel, nil
}
func (f *fakeMgmt) UpdateTunnelEndpoint(ctx context.Context, tunnel *contracts.Tunnel, ep contracts.Endpoint, opts contracts.EndpointUpdateOptions) (contracts.Endpoint, error) {
	return ep, nil
}
func (f *fakeMgmt) DeleteTunnelEndpoints(ctx context.Context, tunnel *contracts.Tunnel, hostID string, mode contracts.DeleteEndpointsMode) error {
	return nil
}
func (f *fakeMgmt) CreateTunnelPort(ctx context.Context, tunnel *contracts.Tunnel, port contracts.Port) error {
	return nil
}
func (f *fakeMgmt) UpdateTunnelPort(ctx context.Context, tunnel *contracts.Tunnel, port contracts.Port) error {
	return nil
}
func (f *fakeMgmt) DeleteTunnelPort(ctx context.Context, tunnel *contracts.Tunnel, number uint16) error {
	return nil
}
func (f *fakeMgmt) ReportEvent(ctx context.Context, tunnel *contracts.Tunnel, event contracts.TunnelEvent) error {
	f.events = append(f.events, event)
	return nil
}

func TestStatusMonotonicAfterDispose(t *testing.T) {
	b := NewBase(context.Background(), newTestTunnel(), nil, nil)
	b.SetConnecting()
	b.SetConnected()
	_ = b.DisposeAsync(nil)

	if ok := b.SetConnecting(); ok {
		t.Fatalf("SetConnecting() after dispose = true, want false (status must be final)")
	}
	status, _ := b.Status()
	if status != StatusDisconnected {
		t.Fatalf("Status() = %v, want StatusDisconnected", status)
	}
}

func TestStatusChangeHandlerFires(t *testing.T) {
	b := NewBase(context.Background(), newTestTunnel(), nil, nil)
	var transitions []string
	b.OnStatusChanged(func(prev, next Status, reason DisconnectReason) {
		transitions = append(transitions, prev.String()+"->"+next.String())
	})
	b.SetConnecting()
	b.SetConnected()
	b.SetDisconnected(errors.New("boom"))

	want := []string{"None->Connecting", "Connecting->Connected", "Connected->Disconnected"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions[%d] = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestRefreshTunnelAccessTokenDetectsChange(t *testing.T) {
	tunnel := newTestTunnel()
	mgmt := &fakeMgmt{tunnel: &contracts.Tunnel{
		AccessTokens: map[contracts.AccessScope]string{contracts.ScopeConnect: "new-token"},
	}}
	b := NewBase(context.Background(), tunnel, mgmt, nil)

	changed, err := b.RefreshTunnelAccessToken(context.Background(), contracts.ScopeConnect)
	if err != nil {
		t.Fatalf("RefreshTunnelAccessToken() error = %v", err)
	}
	if !changed {
		t.Fatalf("RefreshTunnelAccessToken() changed = false, want true")
	}
	if got, _ := tunnel.Token(contracts.ScopeConnect); got != "new-token" {
		t.Fatalf("tunnel token = %q, want new-token", got)
	}
}

func TestTokenValid(t *testing.T) {
	const expiredJWT = "eyJhbGciOiAiSFMyNTYiLCAidHlwIjogIkpXVCJ9.eyJleHAiOiAxfQ.c2ln"
	const liveJWT = "eyJhbGciOiAiSFMyNTYiLCAidHlwIjogIkpXVCJ9.eyJleHAiOiA0MTAyNDQ0ODAwfQ.c2ln"

	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"expired jwt", expiredJWT, false},
		{"live jwt", liveJWT, true},
		{"opaque non-jwt token", "opaque-bearer-token", true},
		{"no token for scope", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tunnel := &contracts.Tunnel{AccessTokens: map[contracts.AccessScope]string{
				contracts.ScopeConnect: tc.token,
			}}
			b := NewBase(context.Background(), tunnel, nil, nil)
			if got := b.TokenValid(contracts.ScopeConnect); got != tc.want {
				t.Fatalf("TokenValid() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDisposeAsyncRunsCleanupOnce(t *testing.T) {
	b := NewBase(context.Background(), newTestTunnel(), nil, nil)
	calls := 0
	_ = b.DisposeAsync(func() { calls++ })
	_ = b.DisposeAsync(func() { calls++ })
	if calls != 1 {
		t.Fatalf("cleanup called %d times, want 1", calls)
	}
}

func TestStartReconnectTaskIfNotDisposedOnlyOnce(t *testing.T) {
	b := NewBase(context.Background(), newTestTunnel(), nil, nil)
	started := make(chan struct{}, 2)
	ok1 := b.StartReconnectTaskIfNotDisposed(func(ctx context.Context) { started <- struct{}{} })
	ok2 := b.StartReconnectTaskIfNotDisposed(func(ctx context.Context) { started <- struct{}{} })
	if !ok1 || ok2 {
		t.Fatalf("StartReconnectTaskIfNotDisposed() = %v, %v, want true, false", ok1, ok2)
	}
	<-started
}
