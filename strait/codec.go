package strait

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// CodecOptions configure a SignalCodec. Zero values fall back to
// slog.Default and time.Now.
type CodecOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// SignalCodec builds and seals outbound signal envelopes and validates
// inbound ones. Validation is fail-closed: the first failing check stops
// the pipeline and the envelope is reported rejected, never acted upon.
type SignalCodec struct {
	sealer Sealer
	store  Store
	log    *slog.Logger
	now    func() time.Time
}

func NewSignalCodec(sealer Sealer, store Store, opts CodecOptions) (*SignalCodec, error) {
	if sealer == nil {
		return nil, fmt.Errorf("nil sealer")
	}
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SignalCodec{sealer: sealer, store: store, log: opts.Logger, now: opts.Clock}, nil
}

// BuildEnvelope marshals the signal payload and seals it for the
// recipient. The returned event is ready to publish.
func (c *SignalCodec) BuildEnvelope(ctx context.Context, signal Signal, recipientPubkey string) (Event, error) {
	recipientPubkey = strings.TrimSpace(recipientPubkey)
	if recipientPubkey == "" {
		return Event{}, fmt.Errorf("build envelope: empty recipient")
	}
	raw, err := json.Marshal(signal)
	if err != nil {
		return Event{}, fmt.Errorf("build envelope: marshal signal: %w", err)
	}
	envelope, err := c.sealer.Seal(ctx, raw, recipientPubkey)
	if err != nil {
		return Event{}, fmt.Errorf("build envelope: seal: %w", err)
	}
	return envelope, nil
}

// signalWire is the loose decode target for inbound payloads. Timestamp
// stays raw so a non-numeric ts fails its own check rather than the
// whole parse.
type signalWire struct {
	Type      string          `json:"type"`
	Version   *int            `json:"v"`
	Timestamp json.RawMessage `json:"ts"`
	Nonce     string          `json:"nonce"`
	SessionID string          `json:"session_id"`

	FromIPv6  string      `json:"from_ipv6"`
	FromPort  int         `json:"from_port"`
	SDP       string      `json:"sdp"`
	TieBreak  string      `json:"tie_break"`
	Candidate string      `json:"candidate"`
	Reason    CloseReason `json:"reason"`
	IPv6      []string    `json:"ipv6"`
	Features  []string    `json:"features"`
}

// DecodeIncoming unseals and validates an inbound envelope, applying the
// checks in a fixed order and returning ErrSignalRejected (wrapped with
// the failing check) on the first violation. On acceptance the
// (session_id, nonce) pair is recorded as processed; a failure to record
// is logged but does not invalidate the already-accepted signal.
func (c *SignalCodec) DecodeIncoming(ctx context.Context, envelope Event, expectedSender string) (Signal, error) {
	if envelope.Kind != SignalEventKind {
		return nil, rejectf("unexpected event kind %d", envelope.Kind)
	}

	sender, plaintext, err := c.sealer.Unseal(ctx, envelope)
	if err != nil {
		return nil, rejectf("unseal failed: %v", err)
	}
	expectedSender = strings.TrimSpace(expectedSender)
	if expectedSender == "" || strings.TrimSpace(sender) != expectedSender {
		return nil, rejectf("sender mismatch")
	}

	var wire signalWire
	if err := json.Unmarshal(plaintext, &wire); err != nil {
		return nil, rejectf("payload is not valid JSON: %v", err)
	}

	signalType := SignalType(wire.Type)
	switch signalType {
	case SignalTypeCap, SignalTypeOffer, SignalTypeAnswer, SignalTypeICE, SignalTypeClose:
	default:
		return nil, rejectf("unknown signal type %q", wire.Type)
	}

	if wire.Version == nil || *wire.Version != ProtocolVersion {
		return nil, rejectf("unsupported protocol version")
	}

	var ts float64
	if len(wire.Timestamp) == 0 || json.Unmarshal(wire.Timestamp, &ts) != nil {
		return nil, rejectf("ts is not numeric")
	}
	now := c.now().UTC()
	age := now.Sub(time.Unix(int64(ts), 0))
	if age > FreshnessWindow || age < -FreshnessWindow {
		return nil, rejectf("ts outside freshness window")
	}

	if !ValidNonce(wire.Nonce) {
		return nil, rejectf("invalid nonce")
	}

	sessionID := strings.TrimSpace(wire.SessionID)
	if sessionID == "" {
		return nil, rejectf("missing session_id")
	}
	seen, err := c.store.HasProcessedSignal(ctx, sessionID, wire.Nonce)
	if err != nil {
		return nil, fmt.Errorf("replay lookup: %w", err)
	}
	if seen {
		return nil, rejectf("replayed signal")
	}

	header := SignalHeader{
		Type:      signalType,
		Version:   *wire.Version,
		Timestamp: int64(ts),
		Nonce:     wire.Nonce,
		SessionID: sessionID,
	}
	signal, err := buildVariant(header, wire)
	if err != nil {
		return nil, err
	}

	if err := c.store.MarkProcessedSignal(ctx, sessionID, wire.Nonce, now); err != nil {
		c.log.Warn("record processed signal failed", "session_id", sessionID, "err", err)
	}
	return signal, nil
}

func buildVariant(header SignalHeader, wire signalWire) (Signal, error) {
	switch header.Type {
	case SignalTypeCap:
		ipv6 := wire.IPv6
		if ipv6 == nil {
			ipv6 = []string{}
		}
		features := wire.Features
		if features == nil {
			features = []string{}
		}
		return &CapSignal{SignalHeader: header, IPv6: ipv6, Features: features}, nil
	case SignalTypeOffer:
		if err := ValidateSDP(wire.SDP); err != nil {
			return nil, rejectf("offer: %v", err)
		}
		if strings.TrimSpace(wire.FromIPv6) == "" {
			return nil, rejectf("offer: missing from_ipv6")
		}
		return &OfferSignal{
			SignalHeader: header,
			FromIPv6:     wire.FromIPv6,
			FromPort:     wire.FromPort,
			SDP:          wire.SDP,
			TieBreak:     wire.TieBreak,
		}, nil
	case SignalTypeAnswer:
		if err := ValidateSDP(wire.SDP); err != nil {
			return nil, rejectf("answer: %v", err)
		}
		if strings.TrimSpace(wire.FromIPv6) == "" {
			return nil, rejectf("answer: missing from_ipv6")
		}
		return &AnswerSignal{
			SignalHeader: header,
			FromIPv6:     wire.FromIPv6,
			FromPort:     wire.FromPort,
			SDP:          wire.SDP,
		}, nil
	case SignalTypeICE:
		if err := ValidateCandidate(wire.Candidate); err != nil {
			return nil, rejectf("ice: %v", err)
		}
		return &ICESignal{SignalHeader: header, Candidate: wire.Candidate}, nil
	case SignalTypeClose:
		switch wire.Reason {
		case CloseReasonTimeout, CloseReasonUser, CloseReasonSuperseded:
		default:
			return nil, rejectf("close: invalid reason %q", wire.Reason)
		}
		return &CloseSignal{SignalHeader: header, Reason: wire.Reason}, nil
	default:
		return nil, rejectf("unknown signal type %q", header.Type)
	}
}
