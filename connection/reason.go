package connection

import (
	"context"
	"errors"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// classifyReason maps a terminal connect error to the DisconnectReason
// recorded alongside it, using the same taxonomy connector.classify
// switches on so the two stay in lockstep.
func classifyReason(err error) DisconnectReason {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, contracts.ErrDisposed):
		return ReasonByApplication
	case contracts.IsUnauthorized(err):
		return ReasonUnauthorized
	case contracts.IsForbidden(err):
		return ReasonForbidden
	case contracts.IsNotFound(err):
		return ReasonNotFound
	case contracts.IsTooManyConnections(err):
		return ReasonTooManyConnections
	case contracts.IsHostKeyMismatch(err):
		return ReasonHostKeyMismatch
	case contracts.IsConnectionLost(err):
		return ReasonConnectionLost
	case contracts.IsProtocolError(err), contracts.IsFatal(err):
		return ReasonProtocolError
	default:
		return ReasonUnknown
	}
}
