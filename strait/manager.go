package strait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier is the outbound notification surface toward the UI
// collaborator. It is a one-way callback sink: nothing is ever read back
// through it.
type Notifier interface {
	// InitiateConnection asks the collaborator to begin an outbound offer.
	InitiateConnection(notification ConnectionInitiation)
	// RemoteSignal forwards a validated offer/answer/candidate payload.
	RemoteSignal(notification RemoteSignalNotification)
	// CloseConnection forwards a close for an active session.
	CloseConnection(notification CloseNotification)
}

type ConnectionInitiation struct {
	SessionID     string   `json:"session_id"`
	Role          Role     `json:"role"`
	ContactPubkey string   `json:"contact_pubkey"`
	LocalIPv6     []string `json:"local_ipv6,omitempty"`
}

type RemoteSignalNotification struct {
	SessionID     string     `json:"session_id"`
	ContactPubkey string     `json:"contact_pubkey"`
	Role          Role       `json:"role,omitempty"`
	SignalType    SignalType `json:"signal_type"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	RemoteIPv6    string     `json:"remote_ipv6,omitempty"`
	RemotePort    int        `json:"remote_port,omitempty"`
}

type CloseNotification struct {
	SessionID     string      `json:"session_id"`
	ContactPubkey string      `json:"contact_pubkey"`
	Reason        CloseReason `json:"reason"`
}

// NetworkInfo reports whether a viable outbound network path exists.
type NetworkInfo interface {
	PublicIPv6(ctx context.Context) ([]string, error)
}

// PeerCapabilities is the last capability announcement seen from a peer.
type PeerCapabilities struct {
	IPv6      []string  `json:"ipv6"`
	Features  []string  `json:"features"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ManagerOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time
}

// ConnectionManager is the session state machine: it negotiates roles,
// owns session lifecycle, dispatches validated inbound signals, and
// applies externally reported status updates. Every state mutation is
// persisted before any collaborator is notified, so a crash between the
// two never leaves an outbound signal referencing an unpersisted
// session.
type ConnectionManager struct {
	identity string
	store    Store
	codec    *SignalCodec
	tracker  *SendTracker
	notifier Notifier
	netinfo  NetworkInfo
	log      *slog.Logger
	now      func() time.Time

	// mu serializes session mutations for one manager; the store's
	// transactions guarantee atomicity, this guarantees ordering.
	mu sync.Mutex

	capMu sync.Mutex
	caps  map[string]PeerCapabilities
}

func NewConnectionManager(
	identityPubkey string,
	store Store,
	codec *SignalCodec,
	tracker *SendTracker,
	notifier Notifier,
	netinfo NetworkInfo,
	opts ManagerOptions,
) (*ConnectionManager, error) {
	identityPubkey = strings.TrimSpace(identityPubkey)
	if identityPubkey == "" {
		return nil, fmt.Errorf("empty identity pubkey")
	}
	if store == nil || codec == nil || tracker == nil {
		return nil, fmt.Errorf("nil store, codec, or tracker")
	}
	if notifier == nil {
		return nil, fmt.Errorf("nil notifier")
	}
	if netinfo == nil {
		netinfo = InterfaceNetworkInfo{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ConnectionManager{
		identity: identityPubkey,
		store:    store,
		codec:    codec,
		tracker:  tracker,
		notifier: notifier,
		netinfo:  netinfo,
		log:      opts.Logger,
		now:      opts.Clock,
		caps:     map[string]PeerCapabilities{},
	}, nil
}

// AttemptConnection starts (or restarts) a negotiation with the contact.
// Without a usable public address family the session is persisted
// unavailable and no counterpart is notified: a fail-fast guard, not an
// error. Otherwise the session is persisted connecting with a fresh
// session id and the derived role, and only then, if this side is the
// offerer, the collaborator is asked to produce an offer.
func (m *ConnectionManager) AttemptConnection(ctx context.Context, contactPubkey string) error {
	contactPubkey = strings.TrimSpace(contactPubkey)
	if contactPubkey == "" {
		return fmt.Errorf("empty contact pubkey")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	addrs, err := m.netinfo.PublicIPv6(ctx)
	if err != nil {
		m.log.Warn("public address lookup failed", "err", err)
		addrs = nil
	}
	if len(addrs) == 0 {
		state, err := m.loadOrNewState(ctx, contactPubkey, now)
		if err != nil {
			return err
		}
		state.Status = SessionUnavailable
		state.LastAttemptAt = &now
		state.LastFailureReason = "no public ipv6 address"
		state.UpdatedAt = now
		return m.store.UpsertConnState(ctx, state)
	}

	role, err := DetermineRole(m.identity, contactPubkey)
	if err != nil {
		return err
	}
	sessionID, err := GenerateSessionID()
	if err != nil {
		return err
	}

	state, err := m.loadOrNewState(ctx, contactPubkey, now)
	if err != nil {
		return err
	}
	state.Status = SessionConnecting
	state.SessionID = sessionID
	state.Role = role
	state.LastAttemptAt = &now
	state.LastFailureReason = ""
	state.UpdatedAt = now
	if err := m.store.UpsertConnState(ctx, state); err != nil {
		return err
	}

	if role == RoleOfferer {
		m.notifier.InitiateConnection(ConnectionInitiation{
			SessionID:     sessionID,
			Role:          role,
			ContactPubkey: contactPubkey,
			LocalIPv6:     addrs,
		})
	}
	return nil
}

// HandleEnvelope validates a raw relay envelope and dispatches the
// resulting signal. Rejected envelopes are logged and dropped.
func (m *ConnectionManager) HandleEnvelope(ctx context.Context, envelope Event, expectedSender string) error {
	signal, err := m.codec.DecodeIncoming(ctx, envelope, expectedSender)
	if err != nil {
		if errors.Is(err, ErrSignalRejected) {
			m.log.Warn("dropping rejected signal", "event_id", envelope.ID, "err", err)
			return nil
		}
		return err
	}
	return m.HandleIncomingSignal(ctx, expectedSender, signal)
}

// HandleIncomingSignal dispatches one validated signal from sender. The
// switch is exhaustive over the closed signal union.
func (m *ConnectionManager) HandleIncomingSignal(ctx context.Context, senderPubkey string, signal Signal) error {
	senderPubkey = strings.TrimSpace(senderPubkey)
	if senderPubkey == "" {
		return fmt.Errorf("empty sender pubkey")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := signal.(type) {
	case *CapSignal:
		return m.handleCap(senderPubkey, v)
	case *OfferSignal:
		return m.handleOffer(ctx, senderPubkey, v)
	case *AnswerSignal:
		return m.handleAnswer(ctx, senderPubkey, v)
	case *ICESignal:
		return m.handleICE(ctx, senderPubkey, v)
	case *CloseSignal:
		return m.handleClose(ctx, senderPubkey, v)
	default:
		return fmt.Errorf("unhandled signal type %q", signal.Header().Type)
	}
}

func (m *ConnectionManager) handleCap(senderPubkey string, signal *CapSignal) error {
	m.capMu.Lock()
	m.caps[senderPubkey] = PeerCapabilities{
		IPv6:      signal.IPv6,
		Features:  signal.Features,
		UpdatedAt: m.now().UTC(),
	}
	m.capMu.Unlock()
	m.log.Debug("peer capabilities updated", "contact", senderPubkey, "ipv6_count", len(signal.IPv6))
	return nil
}

// PeerCapabilities returns the cached capability announcement for a
// contact, if any has been seen.
func (m *ConnectionManager) PeerCapabilities(contactPubkey string) (PeerCapabilities, bool) {
	m.capMu.Lock()
	defer m.capMu.Unlock()
	caps, ok := m.caps[strings.TrimSpace(contactPubkey)]
	return caps, ok
}

func (m *ConnectionManager) handleOffer(ctx context.Context, senderPubkey string, signal *OfferSignal) error {
	role, err := DetermineRole(m.identity, senderPubkey)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	existing, ok, err := m.store.GetConnState(ctx, m.identity, senderPubkey)
	if err != nil {
		return err
	}

	// Glare: both sides initiated and believe themselves offerer. The
	// conflict is re-resolved through the same deterministic role
	// function, so the two peers always reach opposite conclusions: the
	// side whose key loses the comparison demotes itself to answerer and
	// adopts the inbound session. An explicit tie_break token also wins.
	if ok && existing.Role == RoleOfferer && existing.Status == SessionConnecting && existing.SessionID != signal.SessionID {
		accept := strings.TrimSpace(signal.TieBreak) != "" || role == RoleAnswerer
		if !accept {
			m.log.Warn("glare: dropping inbound offer from rightful answerer",
				"contact", senderPubkey, "session_id", signal.SessionID)
			return nil
		}
		m.log.Info("glare resolved: demoting to answerer",
			"contact", senderPubkey, "session_id", signal.SessionID, "superseded", existing.SessionID)
	}

	state, err := m.loadOrNewState(ctx, senderPubkey, now)
	if err != nil {
		return err
	}
	state.Status = SessionConnecting
	state.SessionID = signal.SessionID
	state.Role = RoleAnswerer
	state.LastAttemptAt = &now
	state.LastFailureReason = ""
	state.UpdatedAt = now
	if err := m.store.UpsertConnState(ctx, state); err != nil {
		return err
	}

	m.notifier.RemoteSignal(RemoteSignalNotification{
		SessionID:     signal.SessionID,
		ContactPubkey: senderPubkey,
		Role:          RoleAnswerer,
		SignalType:    SignalTypeOffer,
		SDP:           signal.SDP,
		RemoteIPv6:    signal.FromIPv6,
		RemotePort:    signal.FromPort,
	})
	return nil
}

func (m *ConnectionManager) handleAnswer(ctx context.Context, senderPubkey string, signal *AnswerSignal) error {
	state, ok, err := m.store.GetConnState(ctx, m.identity, senderPubkey)
	if err != nil {
		return err
	}
	if !ok || state.SessionID != signal.SessionID {
		m.log.Warn("dropping answer for unknown or stale session",
			"contact", senderPubkey, "session_id", signal.SessionID)
		return nil
	}
	m.notifier.RemoteSignal(RemoteSignalNotification{
		SessionID:     signal.SessionID,
		ContactPubkey: senderPubkey,
		Role:          state.Role,
		SignalType:    SignalTypeAnswer,
		SDP:           signal.SDP,
		RemoteIPv6:    signal.FromIPv6,
		RemotePort:    signal.FromPort,
	})
	return nil
}

func (m *ConnectionManager) handleICE(ctx context.Context, senderPubkey string, signal *ICESignal) error {
	state, ok, err := m.store.GetConnState(ctx, m.identity, senderPubkey)
	if err != nil {
		return err
	}
	if !ok || state.SessionID != signal.SessionID {
		m.log.Warn("dropping candidate for unknown or stale session",
			"contact", senderPubkey, "session_id", signal.SessionID)
		return nil
	}
	m.notifier.RemoteSignal(RemoteSignalNotification{
		SessionID:     signal.SessionID,
		ContactPubkey: senderPubkey,
		Role:          state.Role,
		SignalType:    SignalTypeICE,
		Candidate:     signal.Candidate,
	})
	return nil
}

func (m *ConnectionManager) handleClose(ctx context.Context, senderPubkey string, signal *CloseSignal) error {
	state, ok, err := m.store.GetConnState(ctx, m.identity, senderPubkey)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("close for untracked contact ignored", "contact", senderPubkey)
		return nil
	}
	if state.SessionID != "" && state.SessionID != signal.SessionID {
		// Late close for a superseded session; the current one stands.
		m.log.Debug("close for stale session ignored",
			"contact", senderPubkey, "session_id", signal.SessionID)
		return nil
	}

	now := m.now().UTC()
	state.Status = SessionFailed
	state.LastFailureReason = "closed by peer: " + string(signal.Reason)
	state.UpdatedAt = now
	if err := m.store.UpsertConnState(ctx, state); err != nil {
		return err
	}
	m.notifier.CloseConnection(CloseNotification{
		SessionID:     signal.SessionID,
		ContactPubkey: senderPubkey,
		Reason:        signal.Reason,
	})
	return nil
}

// HandleExternalStatusReport applies a status computed outside the
// negotiation code (for example the eventual direct-connection outcome).
// It is the sole re-entry path for externally observed status, accepts
// repeated identical reports idempotently, and treats unknown session
// ids as a logged no-op.
func (m *ConnectionManager) HandleExternalStatusReport(ctx context.Context, sessionID string, status SessionStatus, failureReason string) error {
	switch status {
	case SessionUnavailable, SessionConnecting, SessionConnected, SessionFailed:
	default:
		return fmt.Errorf("invalid session status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok, err := m.store.GetConnStateBySessionID(ctx, m.identity, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Info("status report for unknown session ignored", "session_id", sessionID)
		return nil
	}

	now := m.now().UTC()
	state.Status = status
	switch status {
	case SessionConnected:
		state.LastSuccessAt = &now
		state.LastFailureReason = ""
	case SessionFailed:
		state.LastFailureReason = strings.TrimSpace(failureReason)
	}
	state.UpdatedAt = now
	return m.store.UpsertConnState(ctx, state)
}

// SendOffer builds and sends an offer for the current session with the
// contact. The session must exist with this side as offerer.
func (m *ConnectionManager) SendOffer(ctx context.Context, contactPubkey string, sdp string, fromIPv6 string, fromPort int) (SendResult, error) {
	state, err := m.requireSession(ctx, contactPubkey)
	if err != nil {
		return SendResult{}, err
	}
	if state.Role != RoleOfferer {
		return SendResult{}, fmt.Errorf("send offer: local role is %s", state.Role)
	}
	if err := ValidateSDP(sdp); err != nil {
		return SendResult{}, fmt.Errorf("send offer: %w", err)
	}
	header, err := NewSignalHeader(SignalTypeOffer, state.SessionID, m.now())
	if err != nil {
		return SendResult{}, err
	}
	return m.tracker.Send(ctx, m.identity, contactPubkey, &OfferSignal{
		SignalHeader: header,
		FromIPv6:     fromIPv6,
		FromPort:     fromPort,
		SDP:          sdp,
	})
}

// SendAnswer builds and sends an answer for the current session.
func (m *ConnectionManager) SendAnswer(ctx context.Context, contactPubkey string, sdp string, fromIPv6 string, fromPort int) (SendResult, error) {
	state, err := m.requireSession(ctx, contactPubkey)
	if err != nil {
		return SendResult{}, err
	}
	if state.Role != RoleAnswerer {
		return SendResult{}, fmt.Errorf("send answer: local role is %s", state.Role)
	}
	if err := ValidateSDP(sdp); err != nil {
		return SendResult{}, fmt.Errorf("send answer: %w", err)
	}
	header, err := NewSignalHeader(SignalTypeAnswer, state.SessionID, m.now())
	if err != nil {
		return SendResult{}, err
	}
	return m.tracker.Send(ctx, m.identity, contactPubkey, &AnswerSignal{
		SignalHeader: header,
		FromIPv6:     fromIPv6,
		FromPort:     fromPort,
		SDP:          sdp,
	})
}

// SendCandidate sends one ICE candidate for the current session.
func (m *ConnectionManager) SendCandidate(ctx context.Context, contactPubkey string, candidate string) (SendResult, error) {
	state, err := m.requireSession(ctx, contactPubkey)
	if err != nil {
		return SendResult{}, err
	}
	if err := ValidateCandidate(candidate); err != nil {
		return SendResult{}, fmt.Errorf("send candidate: %w", err)
	}
	header, err := NewSignalHeader(SignalTypeICE, state.SessionID, m.now())
	if err != nil {
		return SendResult{}, err
	}
	return m.tracker.Send(ctx, m.identity, contactPubkey, &ICESignal{
		SignalHeader: header,
		Candidate:    candidate,
	})
}

// Close sends a close signal for the current session and marks it
// failed. Close is deliberately not idempotent: every invocation
// publishes again so the close reliably reaches the peer.
func (m *ConnectionManager) Close(ctx context.Context, contactPubkey string, reason CloseReason) (SendResult, error) {
	contactPubkey = strings.TrimSpace(contactPubkey)

	m.mu.Lock()
	state, ok, err := m.store.GetConnState(ctx, m.identity, contactPubkey)
	if err != nil {
		m.mu.Unlock()
		return SendResult{}, err
	}
	if !ok || state.SessionID == "" {
		m.mu.Unlock()
		return SendResult{}, fmt.Errorf("close: %w", ErrSessionNotFound)
	}
	sessionID := state.SessionID
	m.mu.Unlock()

	header, err := NewSignalHeader(SignalTypeClose, sessionID, m.now())
	if err != nil {
		return SendResult{}, err
	}
	// The publish can block on relay timeouts; it runs outside the
	// manager lock so other sessions keep making progress.
	result, err := m.tracker.Send(ctx, m.identity, contactPubkey, &CloseSignal{
		SignalHeader: header,
		Reason:       reason,
	})
	if err != nil {
		return result, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok, err = m.store.GetConnState(ctx, m.identity, contactPubkey)
	if err != nil {
		return result, err
	}
	if !ok || state.SessionID != sessionID {
		// The session was replaced while the close was in flight; the
		// replacement stands.
		return result, nil
	}
	now := m.now().UTC()
	state.Status = SessionFailed
	state.LastFailureReason = "closed: " + string(reason)
	state.UpdatedAt = now
	if err := m.store.UpsertConnState(ctx, state); err != nil {
		return result, err
	}
	return result, nil
}

func (m *ConnectionManager) requireSession(ctx context.Context, contactPubkey string) (ConnState, error) {
	contactPubkey = strings.TrimSpace(contactPubkey)
	state, ok, err := m.store.GetConnState(ctx, m.identity, contactPubkey)
	if err != nil {
		return ConnState{}, err
	}
	if !ok || state.SessionID == "" {
		return ConnState{}, fmt.Errorf("no session for contact: %w", ErrSessionNotFound)
	}
	return state, nil
}

func (m *ConnectionManager) loadOrNewState(ctx context.Context, contactPubkey string, now time.Time) (ConnState, error) {
	state, ok, err := m.store.GetConnState(ctx, m.identity, contactPubkey)
	if err != nil {
		return ConnState{}, err
	}
	if !ok {
		state = ConnState{
			ID:             "conn_" + uuid.NewString(),
			IdentityPubkey: m.identity,
			ContactPubkey:  contactPubkey,
			CreatedAt:      now,
		}
	}
	return state, nil
}
