package wsconn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kekexiaoai/devtunnel/contracts"
)

// handshakeTimeout bounds how long CreateRelayStream waits for the relay's
// HTTP Upgrade response, separate from ctx so a caller's longer-lived
// context doesn't leave a single dial hanging forever.
const handshakeTimeout = 30 * time.Second

// vsSaaSRequestIDHeader is the relay's opaque per-upgrade correlation ID
// (spec.md §6's "Response header of interest"), threaded through to
// telemetry TunnelEvents so a failure can be cross-referenced against the
// relay's own logs.
const vsSaaSRequestIDHeader = "VsSaaS-Request-ID"

// CreateRelayStream dials relayURI, presenting accessToken as a tunnel
// bearer token and offering subprotocols for negotiation, per spec.md §4.2.
// It returns the negotiated subprotocol alongside the stream so the caller
// (C8's relay connection) can decide whether to speak the v1 or v2 session
// protocol on top of it.
func CreateRelayStream(ctx context.Context, relayURI string, accessToken string, subprotocols []string, trace contracts.TraceSink) (*Stream, string, error) {
	if trace == nil {
		trace = contracts.NopTraceSink{}
	}

	header := http.Header{}
	if accessToken != "" {
		header.Set("Authorization", "tunnel "+accessToken)
	}

	dialer := websocket.Dialer{
		Subprotocols:     subprotocols,
		HandshakeTimeout: handshakeTimeout,
	}

	trace.Verbose("wsconn: dialing relay %s (subprotocols %v)", relayURI, subprotocols)
	conn, resp, err := dialer.DialContext(ctx, relayURI, header)
	if err != nil {
		if resp != nil {
			cause := readUpgradeError(resp)
			werr, _ := contracts.StatusFromHTTP(resp.StatusCode, cause)
			return nil, "", werr
		}
		return nil, "", contracts.ConnectionLost(err, "failed to dial relay %s", relayURI)
	}

	negotiated := conn.Subprotocol()
	if negotiated == "" {
		_ = conn.Close()
		return nil, "", contracts.UnsupportedProtocol("relay %s did not negotiate any of %v", relayURI, subprotocols)
	}

	trace.Info("wsconn: connected to relay %s using subprotocol %q", relayURI, negotiated)
	stream := NewStream(conn, trace)
	stream.requestID = resp.Header.Get(vsSaaSRequestIDHeader)
	return stream, negotiated, nil
}

// readUpgradeError turns a failed Upgrade response's body into an error
// cause; the body is typically a short plain-text explanation from the
// relay, not worth a dedicated type.
func readUpgradeError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(body) == 0 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return fmt.Errorf("http status %d: %s", resp.StatusCode, body)
}
