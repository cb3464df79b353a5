package portforward

import (
	"net"
	"testing"
)

func TestListenRetryUsesDesiredPortWhenFree(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	desired := uint16(probe.Addr().(*net.TCPAddr).Port)
	probe.Close()

	l, port, err := ListenRetry("127.0.0.1", desired, true, nil)
	if err != nil {
		t.Fatalf("ListenRetry() error = %v", err)
	}
	defer l.Close()
	if port != desired {
		t.Fatalf("port = %d, want %d", port, desired)
	}
}

func TestListenRetryFallsBackWhenDesiredPortTaken(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer blocker.Close()
	taken := uint16(blocker.Addr().(*net.TCPAddr).Port)

	l, port, err := ListenRetry("127.0.0.1", taken, true, nil)
	if err != nil {
		t.Fatalf("ListenRetry() error = %v", err)
	}
	defer l.Close()
	if port == taken {
		t.Fatalf("port = %d, want a different port than the taken one", port)
	}
}

func TestListenRetryFailsFastWhenCanChangePortFalse(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer blocker.Close()
	taken := uint16(blocker.Addr().(*net.TCPAddr).Port)

	_, _, err = ListenRetry("127.0.0.1", taken, false, nil)
	if err == nil {
		t.Fatal("ListenRetry() error = nil, want a bind failure since canChangePort is false")
	}
}
