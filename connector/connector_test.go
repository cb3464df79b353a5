package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kekexiaoai/devtunnel/contracts"
)

type scriptedDialer struct {
	errs      []error // one per call, last one repeats once exhausted
	calls     int
	refreshed int
	refreshOK bool
}

func (d *scriptedDialer) DialAndConfigure(ctx context.Context, isReconnect bool) error {
	i := d.calls
	if i >= len(d.errs) {
		i = len(d.errs) - 1
	}
	d.calls++
	return d.errs[i]
}

func (d *scriptedDialer) RefreshAccessToken(ctx context.Context) (bool, error) {
	d.refreshed++
	return d.refreshOK, nil
}

func advanceAll(clock *clockwork.FakeClock, n int) {
	for i := 0; i < n; i++ {
		clock.BlockUntil(1)
		clock.Advance(20 * time.Second)
	}
}

func TestConnectSessionSucceedsFirstTry(t *testing.T) {
	d := &scriptedDialer{errs: []error{nil}}
	c := New(d, Options{EnableRetry: true})
	if err := c.ConnectSession(context.Background(), false, clockwork.NewFakeClock()); err != nil {
		t.Fatalf("ConnectSession() = %v, want nil", err)
	}
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1", d.calls)
	}
}

func TestConnectSessionRetriesRecoverable(t *testing.T) {
	d := &scriptedDialer{errs: []error{
		contracts.ConnectionLost(nil, "dropped"),
		contracts.ConnectionLost(nil, "dropped again"),
		nil,
	}}
	clock := clockwork.NewFakeClock()
	c := New(d, Options{EnableRetry: true})

	done := make(chan error, 1)
	go func() { done <- c.ConnectSession(context.Background(), false, clock) }()

	advanceAll(clock, 2)

	if err := <-done; err != nil {
		t.Fatalf("ConnectSession() = %v, want nil", err)
	}
	if d.calls != 3 {
		t.Fatalf("calls = %d, want 3", d.calls)
	}
}

func TestConnectSessionFatalNotRetried(t *testing.T) {
	want := contracts.HostKeyMismatch("presented key not in published list")
	d := &scriptedDialer{errs: []error{want}}
	c := New(d, Options{EnableRetry: true})
	err := c.ConnectSession(context.Background(), false, clockwork.NewFakeClock())
	if !errors.Is(err, want) && err.Error() != want.Error() {
		t.Fatalf("ConnectSession() = %v, want %v", err, want)
	}
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on fatal)", d.calls)
	}
}

func TestConnectSessionRefreshesTokenOnce(t *testing.T) {
	d := &scriptedDialer{
		errs:      []error{contracts.Unauthorized("expired"), contracts.Unauthorized("still expired")},
		refreshOK: true,
	}
	c := New(d, Options{EnableRetry: true})
	err := c.ConnectSession(context.Background(), false, clockwork.NewFakeClock())
	if err == nil {
		t.Fatalf("ConnectSession() = nil, want an error after a second Unauthorized")
	}
	if d.refreshed != 1 {
		t.Fatalf("RefreshAccessToken called %d times, want exactly 1", d.refreshed)
	}
	if d.calls != 2 {
		t.Fatalf("calls = %d, want 2 (retry once after refresh, then stop)", d.calls)
	}
}

func TestConnectSessionThrottledCapsAtThreeAttempts(t *testing.T) {
	d := &scriptedDialer{errs: []error{
		contracts.RateLimited("slow down"),
		contracts.RateLimited("slow down"),
		contracts.RateLimited("slow down"),
	}}
	clock := clockwork.NewFakeClock()
	c := New(d, Options{EnableRetry: true})

	done := make(chan error, 1)
	go func() { done <- c.ConnectSession(context.Background(), false, clock) }()

	advanceAll(clock, 2)

	err := <-done
	if err == nil {
		t.Fatalf("ConnectSession() = nil, want error after throttled cap")
	}
	if d.calls != 3 {
		t.Fatalf("calls = %d, want 3 (capped)", d.calls)
	}
}

func TestConnectSessionSSHReconnectMismatchFallsBackImmediately(t *testing.T) {
	d := &scriptedDialer{errs: []error{ErrSSHReconnectMismatch, nil}}
	c := New(d, Options{EnableRetry: true})
	if err := c.ConnectSession(context.Background(), true, clockwork.NewFakeClock()); err != nil {
		t.Fatalf("ConnectSession() = %v, want nil", err)
	}
	if d.calls != 2 {
		t.Fatalf("calls = %d, want 2", d.calls)
	}
}

func TestConnectSessionRetryDisabledFailsImmediately(t *testing.T) {
	d := &scriptedDialer{errs: []error{contracts.ConnectionLost(nil, "dropped"), nil}}
	c := New(d, Options{EnableRetry: false})
	err := c.ConnectSession(context.Background(), false, clockwork.NewFakeClock())
	if err == nil {
		t.Fatalf("ConnectSession() = nil, want error with retry disabled")
	}
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1", d.calls)
	}
}

func TestConnectSessionObserverCanSkipRetry(t *testing.T) {
	d := &scriptedDialer{errs: []error{contracts.ConnectionLost(nil, "dropped"), nil}}
	c := New(d, Options{
		EnableRetry: true,
		OnRetrying: func(ctx context.Context, attempt int, cause error, decision *Decision) {
			decision.Retry = false
		},
	})
	err := c.ConnectSession(context.Background(), false, clockwork.NewFakeClock())
	if err == nil {
		t.Fatalf("ConnectSession() = nil, want error: observer vetoed the retry")
	}
	if d.calls != 1 {
		t.Fatalf("calls = %d, want 1", d.calls)
	}
}
