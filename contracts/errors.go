package contracts

import (
	"errors"
	"net/http"

	"github.com/gravitational/trace"
)

// ErrDisposed is returned (or wrapped) when a caller reaches a connection,
// connector, or forwarder after DisposeAsync has completed. trace has no
// built-in "disposed" kind, so this is a plain sentinel per spec.md §7.
var ErrDisposed = errors.New("tunnel connection disposed")

// WithHTTPStatus annotates err with an HTTP status code for later
// classification. Wraps with trace.Wrap first so the annotation survives
// alongside a stack trace, matching how the rest of this taxonomy is built.
func WithHTTPStatus(err error, status int) error {
	if err == nil {
		return nil
	}
	return &httpStatusError{err: trace.Wrap(err), status: status}
}

type httpStatusError struct {
	err    error
	status int
}

func (e *httpStatusError) Error() string { return e.err.Error() }
func (e *httpStatusError) Unwrap() error { return e.err }

// HTTPStatusOf returns the status code attached by WithHTTPStatus, and
// whether one was found anywhere in err's wrap chain.
func HTTPStatusOf(err error) (int, bool) {
	var hs *httpStatusError
	if errors.As(err, &hs) {
		return hs.status, true
	}
	return 0, false
}

// Error-kind constructors. Each wraps github.com/gravitational/trace so
// that trace.Is* predicates (and trace.Unwrap, trace.DebugReport) continue
// to work on errors built here, matching the idiom the gravitational-teleport
// example repo uses throughout its own error handling.

// Unauthorized marks a token as missing, invalid, or expired.
func Unauthorized(format string, args ...any) error {
	return trace.AccessDenied(format, args...)
}

// IsUnauthorized reports whether err (or its cause chain) is an
// Unauthorized error produced by this package, as opposed to some other
// AccessDenied-shaped error such as HostKeyMismatch.
func IsUnauthorized(err error) bool {
	return trace.IsAccessDenied(err) && !IsHostKeyMismatch(err) && !IsForbidden(err)
}

type forbiddenMarker struct{ error }

// Forbidden marks a request as authenticated but insufficiently scoped.
func Forbidden(format string, args ...any) error {
	return &forbiddenMarker{trace.AccessDenied(format, args...)}
}

func IsForbidden(err error) bool {
	var f *forbiddenMarker
	return errors.As(err, &f)
}

// NotFound marks a tunnel or port as absent.
func NotFound(format string, args ...any) error {
	return trace.NotFound(format, args...)
}

func IsNotFound(err error) bool { return trace.IsNotFound(err) }

// RateLimited, ServiceUnavailable, and BadGateway all map to
// trace.LimitExceeded: spec.md §4.6 treats 429/502/503 identically (capped
// retry with a forced minimum delay), so there is no behavioral reason to
// keep them as distinct Go types; the HTTP status (carried via
// WithHTTPStatus) is what downstream code switches on.
func RateLimited(format string, args ...any) error      { return trace.LimitExceeded(format, args...) }
func ServiceUnavailable(format string, args ...any) error { return trace.LimitExceeded(format, args...) }
func BadGateway(format string, args ...any) error        { return trace.LimitExceeded(format, args...) }

func IsThrottled(err error) bool { return trace.IsLimitExceeded(err) }

// ConnectionLost marks a transport that dropped mid-session and may be
// retried.
func ConnectionLost(cause error, format string, args ...any) error {
	return trace.ConnectionProblem(cause, format, args...)
}

func IsConnectionLost(err error) bool { return trace.IsConnectionProblem(err) }

// ProtocolError marks malformed SSH or WebSocket behavior; always fatal.
func ProtocolError(format string, args ...any) error {
	return trace.BadParameter(format, args...)
}

func IsProtocolError(err error) bool { return trace.IsBadParameter(err) }

type tooManyConnectionsMarker struct{ error }

// TooManyConnections marks the losing side of a host-rotation or a
// client-limit rejection.
func TooManyConnections(format string, args ...any) error {
	return &tooManyConnectionsMarker{trace.LimitExceeded(format, args...)}
}

func IsTooManyConnections(err error) bool {
	var m *tooManyConnectionsMarker
	return errors.As(err, &m)
}

type hostKeyMismatchMarker struct{ error }

// HostKeyMismatch marks a presented SSH host key that does not match the
// tunnel endpoint's published list, even after a refresh.
func HostKeyMismatch(format string, args ...any) error {
	return &hostKeyMismatchMarker{trace.AccessDenied(format, args...)}
}

func IsHostKeyMismatch(err error) bool {
	var m *hostKeyMismatchMarker
	return errors.As(err, &m)
}

type fatalMarker struct{ error }

// Fatal marks an error the connector must never retry: a malformed
// WebSocket handshake, an SSH session teardown for a reason other than a
// lost connection, or any HTTP status spec.md §4.6 step 3 has no recovery
// story for. It is distinct from ProtocolError only in that the cause may
// already carry its own trace kind (e.g. an uncategorized HTTP status);
// wrapping it in fatalMarker is enough for the connector to stop retrying
// without losing that original kind.
func Fatal(cause error, format string, args ...any) error {
	return &fatalMarker{trace.Wrap(cause, format, args...)}
}

func IsFatal(err error) bool {
	var m *fatalMarker
	return errors.As(err, &m)
}

// UnsupportedProtocol marks a relay subprotocol negotiation that produced
// no subprotocol either side understands; always fatal.
func UnsupportedProtocol(format string, args ...any) error {
	return &fatalMarker{trace.BadParameter(format, args...)}
}

// SSHSessionFailure marks an SSH session teardown whose reason is not
// ConnectionLost (spec.md §4.6 step 3: "other SshConnection: wrap as a
// TunnelConnection failure ... re-throw"). Always fatal.
func SSHSessionFailure(cause error, format string, args ...any) error {
	return &fatalMarker{trace.Wrap(cause, format, args...)}
}

// StatusFromHTTP maps an HTTP response status observed while negotiating a
// relay WebSocket to the error kind spec.md §4.6 step 3 assigns it.
// recoverable is true for 401, 429, 502 and 503, and false for 403, 404 and
// any other status; any other status maps to a fatal error wrapping cause.
func StatusFromHTTP(status int, cause error) (err error, recoverable bool) {
	switch status {
	case http.StatusUnauthorized:
		return WithHTTPStatus(Unauthorized("relay rejected the access token"), status), true
	case http.StatusForbidden:
		return WithHTTPStatus(Forbidden("relay denied access"), status), false
	case http.StatusNotFound:
		return WithHTTPStatus(NotFound("tunnel or port not found"), status), false
	case http.StatusTooManyRequests:
		return WithHTTPStatus(RateLimited("relay is throttling connections"), status), true
	case http.StatusBadGateway:
		return WithHTTPStatus(BadGateway("relay returned a bad gateway"), status), true
	case http.StatusServiceUnavailable:
		return WithHTTPStatus(ServiceUnavailable("relay is unavailable"), status), true
	default:
		return WithHTTPStatus(Fatal(cause, "relay websocket upgrade failed with status %d", status), status), false
	}
}
