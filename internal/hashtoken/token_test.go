package hashtoken

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	tok := Token{Kind: KindStored, Class: 0x17, Index: 42, Offset: 9000}
	s := tok.String()
	got, err := ParseToken(s)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got != tok {
		t.Errorf("ParseToken(%q) = %+v, want %+v", s, got, tok)
	}
}

func TestTokenCancelledRoundTrip(t *testing.T) {
	tok := Token{Kind: KindStored, Class: 1, Index: 1, Offset: 1, Cancelled: true}
	got, err := ParseToken(tok.String())
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if !got.Cancelled {
		t.Errorf("expected cancelled flag to survive round trip")
	}
}

func TestEmptyToken(t *testing.T) {
	if Empty.HasOverview() {
		t.Errorf("Empty token must not report an overview index")
	}
	got, err := ParseToken("@@")
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindEmpty {
		t.Errorf("expected empty token")
	}
}
