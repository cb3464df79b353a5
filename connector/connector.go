// Package connector implements the retry/reconnect engine spec.md §4.6
// describes: a single generic loop that dials and configures a session,
// classifies whatever error comes back, and decides whether to retry, wait,
// refresh a token, or give up for good. It knows nothing about WebSockets or
// SSH; connection and client/host packages supply a Dialer that does.
//
// Grounded on the retry/backoff shape of gravitational-teleport's
// api/utils/retryutils (see internal/backoff), generalized here into a
// classify-then-retry state machine per spec.md §4.6 step 3's error table.
package connector

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/backoff"
)

// ErrSSHReconnectMismatch is returned by Dialer.DialAndConfigure when an
// attempted SSH reconnect finds the remote session state too different to
// resume (spec.md §4.6 step 3: "session mismatch on reconnect: fall back to
// a fresh, non-reconnect connect and retry immediately, no delay").
var ErrSSHReconnectMismatch = errors.New("ssh reconnect session mismatch")

// Dialer is the session-specific half of a connect attempt. Implementations
// live in the connection package (C7/C8), which knows how to open a relay
// stream and negotiate a session on top of it.
type Dialer interface {
	// DialAndConfigure opens a stream and configures a session on it.
	// isReconnect distinguishes an initial connect from a reconnect attempt
	// so the implementation can choose the right SSH verb.
	DialAndConfigure(ctx context.Context, isReconnect bool) error

	// RefreshAccessToken asks the owning connection to fetch a fresh
	// access token (spec.md §4.6 step 3's "Unauthorized" case). refreshed
	// is false if no newer token was available (e.g. an anonymous tunnel).
	RefreshAccessToken(ctx context.Context) (refreshed bool, err error)
}

// Decision is what ConnectSession does after a recoverable failure: retry
// after Delay, or give up. OnRetrying may mutate it.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryObserver is invoked before every retry wait, mirroring spec.md §4.6
// step 4's "Retrying event, whose handler may override the decision (skip
// the retry, or replace the delay) before the wait begins."
type RetryObserver func(ctx context.Context, attempt int, cause error, decision *Decision)

// Options configures a Connector.
type Options struct {
	// EnableRetry, when false, turns every recoverable or throttled
	// classification into a fatal one: such a failure is returned as-is,
	// with no delayed retry. An Unauthorized failure still gets its single
	// token-refresh retry, and an SSH reconnect mismatch still falls back to
	// a fresh connect with no delay.
	EnableRetry bool
	OnRetrying  RetryObserver
}

// Connector runs the classify-and-retry loop for one ConnectSession call.
type Connector struct {
	dialer Dialer
	opts   Options
}

// New builds a Connector bound to dialer.
func New(dialer Dialer, opts Options) *Connector {
	return &Connector{dialer: dialer, opts: opts}
}

// kind is the outcome of classifying a failed attempt.
type kind int

const (
	kindFatal kind = iota
	kindCanceled
	kindDisposed
	kindUnauthorized
	kindSSHReconnectMismatch
	kindThrottled
	kindRecoverable
)

type classification struct {
	kind kind
}

// classify implements spec.md §4.6 step 3's table. Checks are ordered most
// specific first; an error that matches more than one case (a
// TooManyConnections error is also throttled) takes the first.
func classify(err error) classification {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return classification{kindCanceled}
	case errors.Is(err, contracts.ErrDisposed):
		return classification{kindDisposed}
	case errors.Is(err, ErrSSHReconnectMismatch):
		return classification{kindSSHReconnectMismatch}
	case contracts.IsUnauthorized(err):
		return classification{kindUnauthorized}
	case contracts.IsForbidden(err), contracts.IsNotFound(err),
		contracts.IsTooManyConnections(err), contracts.IsHostKeyMismatch(err),
		contracts.IsFatal(err), contracts.IsProtocolError(err):
		return classification{kindFatal}
	case contracts.IsThrottled(err):
		return classification{kindThrottled}
	case contracts.IsConnectionLost(err):
		return classification{kindRecoverable}
	default:
		return classification{kindRecoverable}
	}
}

// throttledMinDelay and throttledMaxAttempts implement spec.md §4.6 step
// 3's "429/502/503: recoverable, but with a minimum delay of 6400ms and a
// hard cap of 3 attempts" rule.
const (
	throttledMinDelay   = 6400 * time.Millisecond
	throttledMaxAttempts = 3
)

// ConnectSession runs dialer.DialAndConfigure, retrying on recoverable
// failures per spec.md §4.6, until it succeeds, ctx is canceled, or a fatal
// or exhausted classification is reached. clock drives the backoff delay;
// pass clockwork.NewRealClock() in production and a clockwork.FakeClock in
// tests that need to assert the exact delay sequence.
func (c *Connector) ConnectSession(ctx context.Context, isReconnect bool, clock clockwork.Clock) error {
	b := backoff.New(backoff.Config{Clock: clock})
	tokenRefreshOffered := false
	throttledAttempts := 0
	attempt := 0

	for {
		attempt++
		err := c.dialer.DialAndConfigure(ctx, isReconnect)
		if err == nil {
			return nil
		}

		cls := classify(err)
		switch cls.kind {
		case kindCanceled, kindDisposed, kindFatal:
			return err

		case kindUnauthorized:
			if !tokenRefreshOffered {
				tokenRefreshOffered = true
				if refreshed, rerr := c.dialer.RefreshAccessToken(ctx); rerr == nil && refreshed {
					continue // no delay, no backoff advance
				}
			}
			return err

		case kindSSHReconnectMismatch:
			isReconnect = false
			continue // no delay: fall back to a fresh connect immediately

		case kindThrottled:
			throttledAttempts++
			if throttledAttempts >= throttledMaxAttempts {
				return err
			}
		}

		if !c.opts.EnableRetry {
			return err
		}

		b.Inc()
		delay := b.Duration()
		if cls.kind == kindThrottled && delay < throttledMinDelay {
			delay = throttledMinDelay
		}

		decision := Decision{Retry: true, Delay: delay}
		if c.opts.OnRetrying != nil {
			c.opts.OnRetrying(ctx, attempt, err, &decision)
		}
		if !decision.Retry {
			return err
		}
		if serr := b.Sleep(ctx, decision.Delay); serr != nil {
			return serr
		}
	}
}
