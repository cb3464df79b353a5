// Package logx adapts the standard library's log.Logger to the
// contracts.TraceSink interface, using the same "LEVEL: message" prefix
// convention the teacher repo uses ad hoc throughout sshmanager and
// terminal (e.g. "ERROR: Failed to start local pty"). No third-party
// logging library is introduced; the teacher never reaches for one.
package logx

import (
	"log"
	"os"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// Sink is a contracts.TraceSink backed by *log.Logger. Verbose messages are
// only emitted when enabled is true, which callers normally wire up to the
// DEVTUNNELS_LOG_WEBSOCKET_MESSAGES environment variable (spec.md §6).
type Sink struct {
	logger  *log.Logger
	verbose bool
}

// New wraps logger. A nil logger falls back to log.Default().
func New(logger *log.Logger, verbose bool) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{logger: logger, verbose: verbose}
}

// NewDefault builds a Sink writing to os.Stderr, honoring
// DEVTUNNELS_LOG_WEBSOCKET_MESSAGES for verbosity.
func NewDefault() *Sink {
	return New(log.New(os.Stderr, "", log.LstdFlags), os.Getenv("DEVTUNNELS_LOG_WEBSOCKET_MESSAGES") == "true")
}

func (s *Sink) Verbose(format string, args ...any) {
	if s.verbose {
		s.logger.Printf("VERBOSE: "+format, args...)
	}
}

func (s *Sink) Info(format string, args ...any) { s.logger.Printf("INFO: "+format, args...) }
func (s *Sink) Warn(format string, args ...any)  { s.logger.Printf("WARN: "+format, args...) }
func (s *Sink) Error(format string, args ...any) { s.logger.Printf("ERROR: "+format, args...) }

var _ contracts.TraceSink = (*Sink)(nil)
