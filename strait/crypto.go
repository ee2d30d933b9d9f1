package strait

import "context"

// Sealer is the envelope sealing capability. Seal produces a relay event
// of kind SignalEventKind addressed to the recipient that hides both the
// plaintext and the sender identity from everyone else; Unseal recovers
// the sender pubkey and plaintext from such an event.
//
// The cryptographic construction is owned by the embedding application.
type Sealer interface {
	Seal(ctx context.Context, plaintext []byte, recipientPubkey string) (Event, error)
	Unseal(ctx context.Context, envelope Event) (senderPubkey string, plaintext []byte, err error)
}

// Signer signs relay events with the local identity key.
type Signer interface {
	PublicKey() string
	Sign(ctx context.Context, event Event) (Event, error)
}
