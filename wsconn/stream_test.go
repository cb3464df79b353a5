package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kekexiaoai/devtunnel/contracts"
)

func newEchoServer(t *testing.T, subprotocols []string) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
		Subprotocols: subprotocols,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responseHeader := http.Header{}
		responseHeader.Set(vsSaaSRequestIDHeader, "req-123")
		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestCreateRelayStreamNegotiatesSubprotocol(t *testing.T) {
	srv, url := newEchoServer(t, []string{"devtunnel-v2"})
	defer srv.Close()

	stream, negotiated, err := CreateRelayStream(context.Background(), url, "sometoken", []string{"devtunnel-v2", "devtunnel-v1"}, nil)
	if err != nil {
		t.Fatalf("CreateRelayStream() error = %v", err)
	}
	defer stream.Close()

	if negotiated != "devtunnel-v2" {
		t.Fatalf("negotiated = %q, want devtunnel-v2", negotiated)
	}
	if stream.RequestID() != "req-123" {
		t.Fatalf("RequestID() = %q, want req-123", stream.RequestID())
	}
}

func TestCreateRelayStreamNoSubprotocolIsFatal(t *testing.T) {
	srv, url := newEchoServer(t, nil)
	defer srv.Close()

	_, _, err := CreateRelayStream(context.Background(), url, "", []string{"devtunnel-v2"}, nil)
	if err == nil {
		t.Fatalf("CreateRelayStream() error = nil, want unsupported-protocol error")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	srv, url := newEchoServer(t, []string{"devtunnel-v2"})
	defer srv.Close()

	stream, _, err := CreateRelayStream(context.Background(), url, "", []string{"devtunnel-v2"}, nil)
	if err != nil {
		t.Fatalf("CreateRelayStream() error = %v", err)
	}
	defer stream.Close()

	payload := []byte("hello over websocket")
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := readFull(stream, buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("round trip = %q, want %q", buf, payload)
	}
}

func TestStreamReadSplitsAcrossCalls(t *testing.T) {
	srv, url := newEchoServer(t, []string{"devtunnel-v2"})
	defer srv.Close()

	stream, _, err := CreateRelayStream(context.Background(), url, "", []string{"devtunnel-v2"}, nil)
	if err != nil {
		t.Fatalf("CreateRelayStream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("abcdef")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	first := make([]byte, 3)
	if _, err := readFull(stream, first); err != nil {
		t.Fatalf("first Read() error = %v", err)
	}
	if string(first) != "abc" {
		t.Fatalf("first read = %q, want abc", first)
	}

	second := make([]byte, 3)
	if _, err := readFull(stream, second); err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if string(second) != "def" {
		t.Fatalf("second read = %q, want def", second)
	}
}

func TestWriteAfterCloseWriteFailsDisposed(t *testing.T) {
	srv, url := newEchoServer(t, []string{"devtunnel-v2"})
	defer srv.Close()

	stream, _, err := CreateRelayStream(context.Background(), url, "", []string{"devtunnel-v2"}, nil)
	if err != nil {
		t.Fatalf("CreateRelayStream() error = %v", err)
	}
	defer stream.Close()

	if err := stream.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite() error = %v", err)
	}

	if _, err := stream.Write([]byte("too late")); !errors.Is(err, contracts.ErrDisposed) {
		t.Fatalf("Write() after CloseWrite() error = %v, want wrapped contracts.ErrDisposed", err)
	}
}

func TestTruncateReasonKeepsUnder123Bytes(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := truncateReason(long)
	if len(got) > maxCloseReasonBytes {
		t.Fatalf("truncateReason result len = %d, want <= %d", len(got), maxCloseReasonBytes)
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	deadline := time.Now().Add(5 * time.Second)
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if time.Now().After(deadline) {
			return total, context.DeadlineExceeded
		}
	}
	return total, nil
}
