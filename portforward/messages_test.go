package portforward

import "testing"

func TestTCPIPForwardRequestRoundTrip(t *testing.T) {
	want := TCPIPForwardRequest{BindAddr: "0.0.0.0", BindPort: 8080, AccessToken: "tok123"}
	got, err := UnmarshalTCPIPForwardRequest(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestChannelOpenForwardedTCPIPRoundTrip(t *testing.T) {
	want := ChannelOpenForwardedTCPIP{
		ConnectedAddr:            "127.0.0.1",
		ConnectedPort:            8080,
		OriginAddr:               "127.0.0.1",
		OriginPort:               54321,
		AccessToken:              "tok123",
		IsE2EEncryptionRequested: true,
	}
	got, err := UnmarshalChannelOpenForwardedTCPIP(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestChannelOpenDirectTCPIPRoundTrip(t *testing.T) {
	want := ChannelOpenDirectTCPIP{
		ConnectedAddr:            "127.0.0.1",
		ConnectedPort:            8080,
		OriginAddr:               "127.0.0.1",
		OriginPort:               54321,
		AccessToken:              "tok123",
		IsE2EEncryptionRequested: true,
	}
	got, err := UnmarshalChannelOpenDirectTCPIP(want.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}
