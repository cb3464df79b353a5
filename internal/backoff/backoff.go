// Package backoff implements the exponential delay sequence of spec.md §8
// property 1: with retry enabled and no observer override, the delay after
// failed attempt N (that is, before attempt N+1) is 100ms * 2^(N-1), capped
// at 12800ms. The
// shape (a driver that tracks an attempt count, Duration() returning the
// delay for the current count without advancing it, Inc()/Reset() driving
// the count) is grounded on the gravitational-teleport example repo's
// api/utils/retryutils package (see its RetryV2/exponentialDriver), adapted
// here to a single exponential case since the connector never needs linear
// backoff, and to accept an injected clockwork.Clock so tests can assert
// the exact sequence without sleeping.
package backoff

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config parameterizes a Backoff. Max is the delay ceiling; Duration never
// returns more than Max regardless of how many times Inc has been called.
type Config struct {
	Initial time.Duration
	Max     time.Duration
	Clock   clockwork.Clock
}

// Backoff tracks an attempt count and derives the exponential delay for it.
// It is not safe for concurrent use; each connector run owns its own.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	clock   clockwork.Clock
	attempt int
}

// New builds a Backoff from cfg, filling in defaults for a zero Config the
// way spec.md §8 property 1 specifies: 100ms initial, 12800ms max.
func New(cfg Config) *Backoff {
	b := &Backoff{
		initial: cfg.Initial,
		max:     cfg.Max,
		clock:   cfg.Clock,
	}
	if b.initial <= 0 {
		b.initial = 100 * time.Millisecond
	}
	if b.max <= 0 {
		b.max = 12800 * time.Millisecond
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	return b
}

// Duration returns the delay for the current attempt count without
// advancing it: 0 before the first Inc, initial*2^(n-1) after n calls to
// Inc, capped at max.
func (b *Backoff) Duration() time.Duration {
	if b.attempt <= 0 {
		return 0
	}
	d := b.initial
	for i := 1; i < b.attempt; i++ {
		if d >= b.max {
			return b.max
		}
		d *= 2
	}
	if d > b.max {
		return b.max
	}
	return d
}

// Inc advances the attempt count by one.
func (b *Backoff) Inc() { b.attempt++ }

// Reset zeroes the attempt count, as happens after a connector run
// succeeds (spec.md §4.6: the backoff only accumulates across retries of a
// single ConnectSession call, never across independent reconnects).
func (b *Backoff) Reset() { b.attempt = 0 }

// Sleep waits for d or until ctx is done, whichever comes first, using the
// injected clock so tests never actually sleep. It returns ctx.Err() if ctx
// won the race.
func (b *Backoff) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := b.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
