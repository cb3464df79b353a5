// Package safego runs goroutines with panic recovery, the way the teacher
// repo's backend/pkg/utils.SafeGo/Recover do, adapted here to report through
// a contracts.TraceSink instead of a bare *log.Logger so every package in
// this module logs through the same interface.
package safego

import (
	"github.com/kekexiaoai/devtunnel/contracts"
)

// Go starts fn in a new goroutine, recovering any panic and reporting it to
// trace as an error rather than crashing the process. Used for background
// loops this module can't afford to lose silently: keep-alive timers,
// accept loops, channel forwarders.
func Go(trace contracts.TraceSink, fn func()) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}
	go func() {
		defer Recover(trace)
		fn()
	}()
}

// Recover reports a panic on the calling goroutine to trace. Call it
// directly (via defer) in a goroutine started some other way.
func Recover(trace contracts.TraceSink) {
	if r := recover(); r != nil {
		if trace == nil {
			trace = contracts.NopTraceSink{}
		}
		trace.Error("recovered from panic: %v", r)
	}
}
