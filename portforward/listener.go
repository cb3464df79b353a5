// Package portforward implements the local listener and SSH-channel
// plumbing a TunnelClient uses to expose a forwarded port on 127.0.0.1, and
// the wire messages a TunnelHost and TunnelClient exchange to set one up
// (spec.md §4.3–§4.5).
//
// The retry-on-bind-conflict local listener is grounded on the teacher
// repo's backend/internal/sshtunnel/tunnel_manager.go createTunnel, which
// treats "address already in use" as a recoverable, user-facing condition
// rather than a fatal one; this package generalizes that into the
// walk-ten-ports-then-OS-assign policy spec.md §4.3 specifies.
package portforward

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// maxPortAttempts is how many consecutive ports (desiredPort, desiredPort+1,
// ..., desiredPort+9) ListenRetry tries before falling back to an
// OS-assigned port on the 11th attempt.
const maxPortAttempts = 10

// ListenRetry binds a TCP listener for a forwarded port (spec.md §4.3's
// "Create(desired_port, can_change_port, requested_local_ip, trace)"). It
// first tries desiredPort; if that fails with "address in use" or
// permission-denied AND canChangePort is true, it walks desiredPort+1
// through desiredPort+9 and finally asks the OS for any free port. When
// canChangePort is false, a conflict on desiredPort fails fast instead of
// walking. bindAddr (spec.md's requested_local_ip) is normally "127.0.0.1";
// a host that wants to expose a forwarded port to its LAN may pass
// "0.0.0.0" the way the teacher's gatewayPorts flag does.
func ListenRetry(bindAddr string, desiredPort uint16, canChangePort bool, trace contracts.TraceSink) (net.Listener, uint16, error) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}

	var lastErr error
	for i := 0; i < maxPortAttempts; i++ {
		port := desiredPort + uint16(i)
		addr := fmt.Sprintf("%s:%d", bindAddr, port)
		l, err := net.Listen("tcp", addr)
		if err == nil {
			trace.Verbose("portforward: bound %s on attempt %d", addr, i+1)
			return l, port, nil
		}
		if !isPortConflict(err) || !canChangePort {
			return nil, 0, contracts.ProtocolError("failed to listen on %s: %v", addr, err)
		}
		trace.Verbose("portforward: %s already in use, trying next port", addr)
		lastErr = err
	}

	// 11th attempt: let the OS assign any free port.
	addr := fmt.Sprintf("%s:0", bindAddr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, contracts.ProtocolError("failed to bind any local port after %d attempts (last: %v): %v", maxPortAttempts, lastErr, err)
	}
	assigned := uint16(l.Addr().(*net.TCPAddr).Port)
	trace.Verbose("portforward: desired port range exhausted, OS assigned %d", assigned)
	return l, assigned, nil
}

// isPortConflict reports whether err is the kind of bind failure spec.md
// §4.3 treats as recoverable by walking to the next port: the address is
// already in use, or the process lacks permission to bind it (e.g. a
// privileged port without CAP_NET_BIND_SERVICE).
func isPortConflict(err error) bool {
	opErr, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	if strings.Contains(strings.ToLower(opErr.Err.Error()), "address already in use") {
		return true
	}
	return errors.Is(opErr.Err, fs.ErrPermission)
}
