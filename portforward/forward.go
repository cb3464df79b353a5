package portforward

import (
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/kekexiaoai/devtunnel/contracts"
	"github.com/kekexiaoai/devtunnel/internal/safego"
)

// channelCopyBufferSize is the buffer used when pumping an SSH channel to a
// TCP socket. golang.org/x/crypto/ssh.Channel.Read already reopens the SSH
// flow-control window as data is consumed; sizing our own buffer at 4KiB
// (SSH's own default maximum packet size) keeps one Read call's worth of
// channel data in a single buffer instead of fragmenting it further.
const channelCopyBufferSize = 4096

// halfCloser is implemented by net.TCPConn (and *wsconn.Stream, indirectly,
// through the relay's local socket side) to signal "no more writes" without
// tearing down the whole connection.
type halfCloser interface {
	CloseWrite() error
}

// PumpChannel copies data in both directions between an SSH channel and a
// local TCP connection until one side reaches EOF, then performs a
// half-close on the other: the reader that hit EOF stops, but its peer's
// write side is only shut down gracefully (CloseWrite), while an actual
// error (not plain EOF) closes both ends abortively. This mirrors spec.md
// §4.4's "graceful vs abortive" distinction and generalizes the teacher's
// io.Copy-based proxyData (backend/internal/sshtunnel/tunnel_manager.go) by
// replacing its symmetric full-close with an asymmetric half-close and by
// driving the channel side through a fixed buffer rather than io.Copy's
// internal 32KiB default.
func PumpChannel(channel ssh.Channel, conn net.Conn, trace contracts.TraceSink) {
	Pump(channel, conn, trace)
}

// Pump is PumpChannel generalized to any io.ReadWriteCloser on the "channel"
// side, so an end-to-end-encrypted securestream.Stream can be bridged to a
// local TCP connection the same way a plain ssh.Channel is (spec.md §4.5's
// E2EE channels still need the graceful/abortive half-close distinction
// PumpChannel already implements).
func Pump(channel io.ReadWriteCloser, conn net.Conn, trace contracts.TraceSink) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}

	done := make(chan struct{}, 2)

	safego.Go(trace, func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, channelCopyBufferSize)
		_, err := io.CopyBuffer(struct{ io.Writer }{conn}, channel, buf)
		closeGracefullyOrNot(conn, err, trace)
	})

	safego.Go(trace, func() {
		defer func() { done <- struct{}{} }()
		_, err := io.CopyBuffer(channel, struct{ io.Reader }{conn}, make([]byte, channelCopyBufferSize))
		closeChannelGracefullyOrNot(channel, err, trace)
	})

	<-done
	<-done
}

func closeGracefullyOrNot(conn net.Conn, err error, trace contracts.TraceSink) {
	if err == nil || err == io.EOF {
		if hc, ok := conn.(halfCloser); ok {
			if cerr := hc.CloseWrite(); cerr == nil {
				return
			}
		}
		_ = conn.Close()
		return
	}
	trace.Verbose("portforward: channel->socket copy ended abortively: %v", err)
	_ = conn.Close()
}

func closeChannelGracefullyOrNot(channel io.ReadWriteCloser, err error, trace contracts.TraceSink) {
	if err == nil || err == io.EOF {
		if hc, ok := channel.(halfCloser); ok {
			if cerr := hc.CloseWrite(); cerr == nil {
				return
			}
		}
		_ = channel.Close()
		return
	}
	trace.Verbose("portforward: socket->channel copy ended abortively: %v", err)
	_ = channel.Close()
}
