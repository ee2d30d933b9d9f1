package strait

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignalType discriminates the signal union on the wire.
type SignalType string

const (
	SignalTypeCap    SignalType = "cap"
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeICE    SignalType = "ice"
	SignalTypeClose  SignalType = "close"
)

// CloseReason explains why a session was closed.
type CloseReason string

const (
	CloseReasonTimeout    CloseReason = "timeout"
	CloseReasonUser       CloseReason = "user"
	CloseReasonSuperseded CloseReason = "superseded"
)

// SignalHeader carries the fields common to every signal variant.
type SignalHeader struct {
	Type      SignalType `json:"type"`
	Version   int        `json:"v"`
	Timestamp int64      `json:"ts"`
	Nonce     string     `json:"nonce"`
	SessionID string     `json:"session_id"`
}

// Signal is the closed union of signaling messages. The unexported marker
// keeps the set of variants fixed to this package, so dispatch sites can
// switch exhaustively over the concrete types.
type Signal interface {
	Header() SignalHeader
	signalMarker()
}

type CapSignal struct {
	SignalHeader
	IPv6     []string `json:"ipv6"`
	Features []string `json:"features"`
}

type OfferSignal struct {
	SignalHeader
	FromIPv6 string `json:"from_ipv6"`
	FromPort int    `json:"from_port,omitempty"`
	SDP      string `json:"sdp"`
	TieBreak string `json:"tie_break,omitempty"`
}

type AnswerSignal struct {
	SignalHeader
	FromIPv6 string `json:"from_ipv6"`
	FromPort int    `json:"from_port,omitempty"`
	SDP      string `json:"sdp"`
}

type ICESignal struct {
	SignalHeader
	Candidate string `json:"candidate"`
}

type CloseSignal struct {
	SignalHeader
	Reason CloseReason `json:"reason"`
}

func (s *CapSignal) Header() SignalHeader    { return s.SignalHeader }
func (s *OfferSignal) Header() SignalHeader  { return s.SignalHeader }
func (s *AnswerSignal) Header() SignalHeader { return s.SignalHeader }
func (s *ICESignal) Header() SignalHeader    { return s.SignalHeader }
func (s *CloseSignal) Header() SignalHeader  { return s.SignalHeader }

func (*CapSignal) signalMarker()    {}
func (*OfferSignal) signalMarker()  {}
func (*AnswerSignal) signalMarker() {}
func (*ICESignal) signalMarker()    {}
func (*CloseSignal) signalMarker()  {}

// NewSignalHeader stamps a fresh header for an outbound signal: current
// protocol version, the given timestamp, and a new replay nonce.
func NewSignalHeader(signalType SignalType, sessionID string, now time.Time) (SignalHeader, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return SignalHeader{}, err
	}
	return SignalHeader{
		Type:      signalType,
		Version:   ProtocolVersion,
		Timestamp: now.Unix(),
		Nonce:     nonce,
		SessionID: strings.TrimSpace(sessionID),
	}, nil
}

// SignalHash is the deterministic hash over a signal's semantic payload.
// The replay nonce and the timestamp are excluded, so re-sending the same
// content yields the same hash. The offer tie_break token is per-attempt
// metadata and is excluded as well.
func SignalHash(hash Hash, signal Signal) string {
	if hash == nil {
		hash = SHA256Hash
	}
	var canonical string
	switch v := signal.(type) {
	case *CapSignal:
		// List elements use the same separator as fields so element
		// boundaries cannot collide with characters inside an element.
		canonical = join("cap", v.SessionID, join(v.IPv6...), join(v.Features...))
	case *OfferSignal:
		canonical = join("offer", v.SessionID, v.FromIPv6, strconv.Itoa(v.FromPort), v.SDP)
	case *AnswerSignal:
		canonical = join("answer", v.SessionID, v.FromIPv6, strconv.Itoa(v.FromPort), v.SDP)
	case *ICESignal:
		canonical = join("ice", v.SessionID, v.Candidate)
	case *CloseSignal:
		canonical = join("close", v.SessionID, string(v.Reason))
	}
	return hex.EncodeToString(hash([]byte(canonical)))
}

func join(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// Hash is the hashing capability. The default is SHA-256.
type Hash func([]byte) []byte

func SHA256Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
