package strait

import (
	"testing"
	"time"
)

func TestNewSignalHeaderStampsFields(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	header, err := NewSignalHeader(SignalTypeOffer, " sess-1 ", now)
	if err != nil {
		t.Fatalf("NewSignalHeader: %v", err)
	}
	if header.Type != SignalTypeOffer {
		t.Fatalf("Type = %q, want %q", header.Type, SignalTypeOffer)
	}
	if header.Version != ProtocolVersion {
		t.Fatalf("Version = %d, want %d", header.Version, ProtocolVersion)
	}
	if header.Timestamp != now.Unix() {
		t.Fatalf("Timestamp = %d, want %d", header.Timestamp, now.Unix())
	}
	if header.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q, want trimmed %q", header.SessionID, "sess-1")
	}
	if !ValidNonce(header.Nonce) {
		t.Fatalf("Nonce %q fails ValidNonce", header.Nonce)
	}
}

func TestSignalHashIgnoresNonceTimestampAndTieBreak(t *testing.T) {
	t.Parallel()
	base := &OfferSignal{
		SignalHeader: SignalHeader{
			Type:      SignalTypeOffer,
			Version:   ProtocolVersion,
			Timestamp: 1700000000,
			Nonce:     "0123456789abcdef0123456789abcdef",
			SessionID: "sess-1",
		},
		FromIPv6: "2001:db8::1",
		FromPort: 443,
		SDP:      "v=0\r\ns=-\r\n",
	}
	resent := *base
	resent.Nonce = "ffffffffffffffffffffffffffffffff"
	resent.Timestamp = 1700000555
	resent.TieBreak = "tb-1"

	if got, want := SignalHash(nil, &resent), SignalHash(nil, base); got != want {
		t.Fatalf("hash changed across resend: got %s, want %s", got, want)
	}

	changed := *base
	changed.SDP = "v=0\r\ns=x\r\n"
	if SignalHash(nil, &changed) == SignalHash(nil, base) {
		t.Fatalf("hash did not change when sdp changed")
	}
}

func TestSignalHashSeparatesCapListElements(t *testing.T) {
	t.Parallel()
	header := SignalHeader{SessionID: "sess-1"}
	joined := &CapSignal{SignalHeader: header, IPv6: []string{"2001:db8::1,2001:db8::2"}, Features: []string{}}
	split := &CapSignal{SignalHeader: header, IPv6: []string{"2001:db8::1", "2001:db8::2"}, Features: []string{}}
	if SignalHash(nil, joined) == SignalHash(nil, split) {
		t.Fatalf("one element containing a comma hashed the same as two elements")
	}

	shifted := &CapSignal{SignalHeader: header, IPv6: []string{"2001:db8::1"}, Features: []string{"2001:db8::2"}}
	both := &CapSignal{SignalHeader: header, IPv6: []string{"2001:db8::1", "2001:db8::2"}, Features: []string{}}
	if SignalHash(nil, shifted) == SignalHash(nil, both) {
		t.Fatalf("element moved across the ipv6/features boundary hashed the same")
	}
}

func TestSignalHashDistinguishesVariants(t *testing.T) {
	t.Parallel()
	header := SignalHeader{SessionID: "sess-1"}
	offer := &OfferSignal{SignalHeader: header, FromIPv6: "::1", SDP: "v=0\r\n"}
	ice := &ICESignal{SignalHeader: header, Candidate: "candidate:1"}
	closeSig := &CloseSignal{SignalHeader: header, Reason: CloseReasonUser}

	hashes := map[string]bool{
		SignalHash(nil, offer):    true,
		SignalHash(nil, ice):      true,
		SignalHash(nil, closeSig): true,
	}
	if len(hashes) != 3 {
		t.Fatalf("expected 3 distinct hashes, got %d", len(hashes))
	}
}

func TestAnySucceeded(t *testing.T) {
	t.Parallel()
	if AnySucceeded(nil) {
		t.Fatalf("AnySucceeded(nil) = true, want false")
	}
	allFailed := []PublishResult{{Relay: "wss://a", Success: false}, {Relay: "wss://b", Success: false}}
	if AnySucceeded(allFailed) {
		t.Fatalf("AnySucceeded(all failed) = true, want false")
	}
	partial := []PublishResult{{Relay: "wss://a", Success: false}, {Relay: "wss://b", Success: true}}
	if !AnySucceeded(partial) {
		t.Fatalf("AnySucceeded(partial) = false, want true")
	}
}
