package strait

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Publisher fans an event out to relay endpoints. *RelayPool satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event Event) []PublishResult
}

// SendResult reports the outcome of one tracked send.
type SendResult struct {
	// Skipped is true when an identical signal was already delivered and
	// no network action was taken.
	Skipped bool
	Success bool
	EventID string
	Results []PublishResult
}

type SendTrackerOptions struct {
	Logger *slog.Logger
	Hash   Hash
	Clock  func() time.Time
}

// SendTracker wraps signal sends with content-hash idempotency and
// persisted retry state. Close signals bypass the idempotency check and
// are always resent: a close must reach the peer on every invocation.
type SendTracker struct {
	store Store
	codec *SignalCodec
	pool  Publisher
	log   *slog.Logger
	hash  Hash
	now   func() time.Time
}

func NewSendTracker(store Store, codec *SignalCodec, pool Publisher, opts SendTrackerOptions) (*SendTracker, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if codec == nil {
		return nil, fmt.Errorf("nil codec")
	}
	if pool == nil {
		return nil, fmt.Errorf("nil publisher")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hash == nil {
		opts.Hash = SHA256Hash
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &SendTracker{
		store: store,
		codec: codec,
		pool:  pool,
		log:   opts.Logger,
		hash:  opts.Hash,
		now:   opts.Clock,
	}, nil
}

// Send delivers one signal to the contact. Re-invoking with identical
// semantic content short-circuits with Skipped=true after the first
// successful delivery.
func (t *SendTracker) Send(ctx context.Context, identityPubkey string, contactPubkey string, signal Signal) (SendResult, error) {
	header := signal.Header()
	key := SignalSendKey{
		SessionID:      header.SessionID,
		IdentityPubkey: strings.TrimSpace(identityPubkey),
		ContactPubkey:  strings.TrimSpace(contactPubkey),
		SignalType:     header.Type,
		SignalHash:     SignalHash(t.hash, signal),
	}

	if header.Type != SignalTypeClose {
		prior, ok, err := t.store.GetSignalSendState(ctx, key)
		if err != nil {
			return SendResult{}, fmt.Errorf("send state lookup: %w", err)
		}
		if ok && prior.LastSuccessAt != nil {
			t.log.Debug("signal already delivered, skipping",
				"session_id", header.SessionID, "type", header.Type)
			return SendResult{Skipped: true, Success: true, EventID: prior.LastEventID}, nil
		}
	}

	envelope, err := t.codec.BuildEnvelope(ctx, signal, key.ContactPubkey)
	if err != nil {
		return SendResult{}, err
	}

	results := t.pool.Publish(ctx, envelope)
	success := AnySucceeded(results)
	now := t.now().UTC()

	state := SignalSendState{
		SignalSendKey: key,
		LastEventID:   envelope.ID,
		LastAttemptAt: &now,
	}
	if success {
		state.LastSuccessAt = &now
	} else {
		state.LastError = aggregatePublishFailures(results)
		t.log.Warn("signal publish failed on all relays",
			"session_id", header.SessionID, "type", header.Type, "err", state.LastError)
	}
	if err := t.store.UpsertSignalSendState(ctx, state); err != nil {
		return SendResult{}, fmt.Errorf("record send state: %w", err)
	}

	return SendResult{Success: success, EventID: envelope.ID, Results: results}, nil
}

func aggregatePublishFailures(results []PublishResult) string {
	if len(results) == 0 {
		return "no writable relays connected"
	}
	parts := make([]string, 0, len(results))
	for _, result := range results {
		if result.Success {
			continue
		}
		message := strings.TrimSpace(result.Message)
		if message == "" {
			message = "publish failed"
		}
		parts = append(parts, result.Relay+": "+message)
	}
	return strings.Join(parts, "; ")
}
