package strait

import (
	"context"
	"time"
)

// Store persists session records, signal send states, and processed
// replay pairs. Implementations must apply multi-field updates
// atomically: a reader never observes a partially applied record.
type Store interface {
	GetConnState(ctx context.Context, identityPubkey string, contactPubkey string) (ConnState, bool, error)
	GetConnStateBySessionID(ctx context.Context, identityPubkey string, sessionID string) (ConnState, bool, error)
	UpsertConnState(ctx context.Context, state ConnState) error
	ListConnStates(ctx context.Context, identityPubkey string) ([]ConnState, error)

	GetSignalSendState(ctx context.Context, key SignalSendKey) (SignalSendState, bool, error)
	UpsertSignalSendState(ctx context.Context, state SignalSendState) error

	HasProcessedSignal(ctx context.Context, sessionID string, nonce string) (bool, error)
	MarkProcessedSignal(ctx context.Context, sessionID string, nonce string, now time.Time) error
}
