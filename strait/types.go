package strait

import (
	"time"
)

const (
	// ProtocolVersion is the signaling protocol version carried in every
	// signal's `v` field. Envelopes with any other version are rejected.
	ProtocolVersion = 1

	// SignalEventKind is the reserved relay event kind for sealed signals.
	SignalEventKind = 25050

	// FreshnessWindow bounds |now - ts| for inbound signals.
	FreshnessWindow = 600 * time.Second

	MaxSDPBytes       = 10240
	MaxCandidateBytes = 2048

	SessionIDLength = 24
	NonceLength     = 32

	DefaultConnectTimeout    = 5 * time.Second
	DefaultPublishTimeout    = 5 * time.Second
	DefaultQueryTimeout      = 5 * time.Second
	DefaultReconcileInterval = 2 * time.Second
	DefaultSeenCapacity      = 2000

	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 30 * time.Second

	// keepAliveSince is a far-future timestamp used by the keep-alive
	// subscription filter so that it never matches a stored event.
	keepAliveSince = int64(9999999999)
)

// ConnectionStatus is the transport-level status of one relay endpoint.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// SessionStatus is the persisted status of one peer-to-peer session.
type SessionStatus string

const (
	SessionUnavailable SessionStatus = "unavailable"
	SessionConnecting  SessionStatus = "connecting"
	SessionConnected   SessionStatus = "connected"
	SessionFailed      SessionStatus = "failed"
)

// Role is the negotiation role of one side of a session.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// RelayEndpoint is one configured relay. Read and Write govern subscribe
// and publish eligibility independently.
type RelayEndpoint struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
	Order int    `json:"order"`
}

// ConnState is the session record for one (identity, contact) pair. There
// is at most one record per pair; a new negotiation reuses the record.
type ConnState struct {
	ID                string        `json:"id"`
	IdentityPubkey    string        `json:"identity_pubkey"`
	ContactPubkey     string        `json:"contact_pubkey"`
	Status            SessionStatus `json:"status"`
	SessionID         string        `json:"session_id,omitempty"`
	Role              Role          `json:"role,omitempty"`
	LastAttemptAt     *time.Time    `json:"last_attempt_at,omitempty"`
	LastSuccessAt     *time.Time    `json:"last_success_at,omitempty"`
	LastFailureReason string        `json:"last_failure_reason,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// SignalSendKey identifies one idempotent send: the same semantic signal
// for the same session and pair maps to the same key.
type SignalSendKey struct {
	SessionID      string     `json:"session_id"`
	IdentityPubkey string     `json:"identity_pubkey"`
	ContactPubkey  string     `json:"contact_pubkey"`
	SignalType     SignalType `json:"signal_type"`
	SignalHash     string     `json:"signal_hash"`
}

// SignalSendState is the persisted outcome of the latest send for a key.
type SignalSendState struct {
	SignalSendKey
	LastEventID   string     `json:"last_event_id,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// PublishResult is the outcome of one per-endpoint publish attempt.
type PublishResult struct {
	Relay   string `json:"relay"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// AnySucceeded reports whether at least one endpoint accepted the event,
// which is the aggregate success condition for dependent logic.
func AnySucceeded(results []PublishResult) bool {
	for _, result := range results {
		if result.Success {
			return true
		}
	}
	return false
}
