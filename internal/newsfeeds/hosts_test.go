package newsfeeds

import (
	"strings"
	"testing"
)

func TestParseHostsNNTP(t *testing.T) {
	data := "peer.example:secret:misc.*,comp.*/s\nother.example,alt.example:plain\n"
	peers, err := ParseHostsNNTP(strings.NewReader(data), false)
	if err != nil {
		t.Fatalf("ParseHostsNNTP: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if !peers[0].Streaming {
		t.Errorf("expected first peer to be streaming-capable")
	}
	if len(peers[1].Hosts) != 2 {
		t.Errorf("expected second peer to have 2 hosts, got %v", peers[1].Hosts)
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	pa := &PeerAuth{Password: hash}
	ok, legacy := pa.Verify("correct horse")
	if !ok || legacy {
		t.Errorf("Verify() = %v, %v; want true, false", ok, legacy)
	}
	ok, _ = pa.Verify("wrong")
	if ok {
		t.Errorf("expected wrong password to fail verification")
	}
}

func TestVerifyLegacyPlaintext(t *testing.T) {
	pa := &PeerAuth{Password: "plaintext"}
	ok, legacy := pa.Verify("plaintext")
	if !ok || !legacy {
		t.Errorf("Verify() = %v, %v; want true, true (legacy)", ok, legacy)
	}
}
