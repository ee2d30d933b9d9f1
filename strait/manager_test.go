package strait

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingNotifier captures every notification; hooks let a test
// observe store state at notification time.
type recordingNotifier struct {
	mu          sync.Mutex
	initiations []ConnectionInitiation
	signals     []RemoteSignalNotification
	closes      []CloseNotification
	onInitiate  func(ConnectionInitiation)
}

func (n *recordingNotifier) InitiateConnection(notification ConnectionInitiation) {
	n.mu.Lock()
	n.initiations = append(n.initiations, notification)
	hook := n.onInitiate
	n.mu.Unlock()
	if hook != nil {
		hook(notification)
	}
}

func (n *recordingNotifier) RemoteSignal(notification RemoteSignalNotification) {
	n.mu.Lock()
	n.signals = append(n.signals, notification)
	n.mu.Unlock()
}

func (n *recordingNotifier) CloseConnection(notification CloseNotification) {
	n.mu.Lock()
	n.closes = append(n.closes, notification)
	n.mu.Unlock()
}

func (n *recordingNotifier) initiationCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.initiations)
}

func (n *recordingNotifier) lastSignal(t *testing.T) RemoteSignalNotification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.signals) == 0 {
		t.Fatalf("no remote signal notifications recorded")
	}
	return n.signals[len(n.signals)-1]
}

type managerFixture struct {
	manager  *ConnectionManager
	store    *MemoryStore
	notifier *recordingNotifier
	pool     *fakePublisher
}

func newManagerFixture(t *testing.T, identity string, addrs []string) *managerFixture {
	t.Helper()
	now := time.Unix(1700000000, 0)
	store := NewMemoryStore()
	codec, err := NewSignalCodec(newFakeSealer(identity), store, CodecOptions{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSignalCodec: %v", err)
	}
	pool := &fakePublisher{results: []PublishResult{{Relay: "wss://a", Success: true}}}
	tracker, err := NewSendTracker(store, codec, pool, SendTrackerOptions{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSendTracker: %v", err)
	}
	notifier := &recordingNotifier{}
	manager, err := NewConnectionManager(identity, store, codec, tracker, notifier, StaticNetworkInfo{IPv6: addrs}, ManagerOptions{
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	return &managerFixture{manager: manager, store: store, notifier: notifier, pool: pool}
}

const (
	alicePub = "aaaa000000000000000000000000000000000000000000000000000000000001"
	bobPub   = "bbbb000000000000000000000000000000000000000000000000000000000002"
)

func mustState(t *testing.T, store Store, identity string, contact string) ConnState {
	t.Helper()
	state, ok, err := store.GetConnState(context.Background(), identity, contact)
	if err != nil || !ok {
		t.Fatalf("connection state missing for %s -> %s: ok=%v err=%v", identity, contact, ok, err)
	}
	return state
}

func signalHeaderFor(t *testing.T, signalType SignalType, sessionID string) SignalHeader {
	t.Helper()
	header, err := NewSignalHeader(signalType, sessionID, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("NewSignalHeader: %v", err)
	}
	return header
}

func TestAttemptConnectionAssignsOppositeRoles(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	bob := newManagerFixture(t, bobPub, []string{"2001:db8::b"})

	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("alice attempt: %v", err)
	}
	if err := bob.manager.AttemptConnection(context.Background(), alicePub); err != nil {
		t.Fatalf("bob attempt: %v", err)
	}

	aliceState := mustState(t, alice.store, alicePub, bobPub)
	bobState := mustState(t, bob.store, bobPub, alicePub)

	if aliceState.Role != RoleOfferer || bobState.Role != RoleAnswerer {
		t.Fatalf("roles = %q/%q, want offerer/answerer", aliceState.Role, bobState.Role)
	}
	if aliceState.Status != SessionConnecting || bobState.Status != SessionConnecting {
		t.Fatalf("statuses = %q/%q, want connecting", aliceState.Status, bobState.Status)
	}
	if alice.notifier.initiationCount() != 1 {
		t.Fatalf("alice initiations = %d, want 1 (offerer)", alice.notifier.initiationCount())
	}
	if bob.notifier.initiationCount() != 0 {
		t.Fatalf("bob initiations = %d, want 0 (answerer waits)", bob.notifier.initiationCount())
	}
}

func TestAttemptConnectionPersistsBeforeNotifying(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})

	var observed ConnState
	var observedOK bool
	alice.notifier.onInitiate = func(notification ConnectionInitiation) {
		state, ok, err := alice.store.GetConnState(context.Background(), alicePub, bobPub)
		if err != nil {
			t.Errorf("store lookup inside notification: %v", err)
		}
		observed, observedOK = state, ok
	}

	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !observedOK {
		t.Fatalf("session not persisted before InitiateConnection fired")
	}
	if observed.SessionID == "" || observed.Status != SessionConnecting {
		t.Fatalf("state at notification time = %+v, want persisted connecting session", observed)
	}
}

func TestAttemptConnectionWithoutIPv6IsUnavailable(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, nil)

	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	state := mustState(t, alice.store, alicePub, bobPub)
	if state.Status != SessionUnavailable {
		t.Fatalf("status = %q, want unavailable", state.Status)
	}
	if state.SessionID != "" {
		t.Fatalf("session id assigned without network path: %q", state.SessionID)
	}
	if alice.notifier.initiationCount() != 0 {
		t.Fatalf("initiation fired without network path")
	}
}

func TestOfferAnswerCandidateFlow(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	bob := newManagerFixture(t, bobPub, []string{"2001:db8::b"})

	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("alice attempt: %v", err)
	}
	sessionID := mustState(t, alice.store, alicePub, bobPub).SessionID

	// Bob receives the offer.
	offer := &OfferSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeOffer, sessionID),
		FromIPv6:     "2001:db8::a",
		FromPort:     443,
		SDP:          testSDP,
	}
	if err := bob.manager.HandleIncomingSignal(context.Background(), alicePub, offer); err != nil {
		t.Fatalf("bob handle offer: %v", err)
	}
	bobState := mustState(t, bob.store, bobPub, alicePub)
	if bobState.SessionID != sessionID || bobState.Role != RoleAnswerer {
		t.Fatalf("bob state = %+v, want answerer on session %s", bobState, sessionID)
	}
	got := bob.notifier.lastSignal(t)
	if got.SignalType != SignalTypeOffer || got.SDP != testSDP || got.RemoteIPv6 != "2001:db8::a" || got.RemotePort != 443 {
		t.Fatalf("offer notification = %+v", got)
	}

	// Alice receives the answer.
	answer := &AnswerSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeAnswer, sessionID),
		FromIPv6:     "2001:db8::b",
		SDP:          testSDP,
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, answer); err != nil {
		t.Fatalf("alice handle answer: %v", err)
	}
	if got := alice.notifier.lastSignal(t); got.SignalType != SignalTypeAnswer || got.SessionID != sessionID {
		t.Fatalf("answer notification = %+v", got)
	}

	// Candidates flow both ways.
	candidate := &ICESignal{
		SignalHeader: signalHeaderFor(t, SignalTypeICE, sessionID),
		Candidate:    "candidate:1 1 udp 1 2001:db8::b 1 typ host",
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, candidate); err != nil {
		t.Fatalf("alice handle candidate: %v", err)
	}
	if got := alice.notifier.lastSignal(t); got.SignalType != SignalTypeICE || got.Candidate != candidate.Candidate {
		t.Fatalf("candidate notification = %+v", got)
	}

	// Both sides report the eventual outcome.
	for _, fixture := range []*managerFixture{alice, bob} {
		if err := fixture.manager.HandleExternalStatusReport(context.Background(), sessionID, SessionConnected, ""); err != nil {
			t.Fatalf("status report: %v", err)
		}
	}
	if state := mustState(t, alice.store, alicePub, bobPub); state.Status != SessionConnected || state.LastSuccessAt == nil {
		t.Fatalf("alice final state = %+v, want connected with success stamp", state)
	}
	if state := mustState(t, bob.store, bobPub, alicePub); state.Status != SessionConnected {
		t.Fatalf("bob final state = %+v, want connected", state)
	}
}

func TestStaleAnswerAndCandidateAreDropped(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	stale := &AnswerSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeAnswer, "stale-session-000000001"),
		FromIPv6:     "2001:db8::b",
		SDP:          testSDP,
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, stale); err != nil {
		t.Fatalf("handle stale answer: %v", err)
	}
	alice.notifier.mu.Lock()
	signalCount := len(alice.notifier.signals)
	alice.notifier.mu.Unlock()
	if signalCount != 0 {
		t.Fatalf("stale answer produced %d notifications, want 0", signalCount)
	}
}

func TestGlareResolvesToOppositeOutcomes(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	bob := newManagerFixture(t, bobPub, []string{"2001:db8::b"})

	// Both sides have a connecting offerer-state before either offer
	// lands. Bob's is synthetic: role negotiation would never give the
	// higher key offerer, which is exactly the conflict glare produces.
	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("alice attempt: %v", err)
	}
	now := time.Unix(1700000000, 0).UTC()
	if err := bob.store.UpsertConnState(context.Background(), ConnState{
		ID: "conn_glare", IdentityPubkey: bobPub, ContactPubkey: alicePub,
		Status: SessionConnecting, SessionID: "bob-session-00000000001", Role: RoleOfferer,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed bob state: %v", err)
	}
	aliceSession := mustState(t, alice.store, alicePub, bobPub).SessionID

	// Bob (rightful answerer) accepts Alice's offer and demotes itself.
	offerToBob := &OfferSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeOffer, aliceSession),
		FromIPv6:     "2001:db8::a",
		SDP:          testSDP,
	}
	if err := bob.manager.HandleIncomingSignal(context.Background(), alicePub, offerToBob); err != nil {
		t.Fatalf("bob handle offer: %v", err)
	}
	bobState := mustState(t, bob.store, bobPub, alicePub)
	if bobState.Role != RoleAnswerer || bobState.SessionID != aliceSession {
		t.Fatalf("bob after glare = %+v, want answerer on %s", bobState, aliceSession)
	}

	// Alice (rightful offerer) drops Bob's competing offer.
	offerToAlice := &OfferSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeOffer, "bob-session-00000000001"),
		FromIPv6:     "2001:db8::b",
		SDP:          testSDP,
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, offerToAlice); err != nil {
		t.Fatalf("alice handle offer: %v", err)
	}
	aliceState := mustState(t, alice.store, alicePub, bobPub)
	if aliceState.Role != RoleOfferer || aliceState.SessionID != aliceSession {
		t.Fatalf("alice after glare = %+v, want unchanged offerer on %s", aliceState, aliceSession)
	}

	// An explicit tie_break overrides the drop.
	offerWithTieBreak := &OfferSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeOffer, "bob-session-00000000002"),
		FromIPv6:     "2001:db8::b",
		SDP:          testSDP,
		TieBreak:     "forced",
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, offerWithTieBreak); err != nil {
		t.Fatalf("alice handle tie-break offer: %v", err)
	}
	aliceState = mustState(t, alice.store, alicePub, bobPub)
	if aliceState.Role != RoleAnswerer || aliceState.SessionID != "bob-session-00000000002" {
		t.Fatalf("alice after tie-break = %+v, want demoted to answerer", aliceState)
	}
}

func TestHandleCloseMarksFailedAndNotifies(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	sessionID := mustState(t, alice.store, alicePub, bobPub).SessionID

	// A close for a superseded session is ignored.
	staleClose := &CloseSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeClose, "old-session-0000000001"),
		Reason:       CloseReasonTimeout,
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, staleClose); err != nil {
		t.Fatalf("handle stale close: %v", err)
	}
	if state := mustState(t, alice.store, alicePub, bobPub); state.Status != SessionConnecting {
		t.Fatalf("stale close changed status to %q", state.Status)
	}

	closeSig := &CloseSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeClose, sessionID),
		Reason:       CloseReasonUser,
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, closeSig); err != nil {
		t.Fatalf("handle close: %v", err)
	}
	state := mustState(t, alice.store, alicePub, bobPub)
	if state.Status != SessionFailed {
		t.Fatalf("status after close = %q, want failed", state.Status)
	}
	if !strings.Contains(state.LastFailureReason, string(CloseReasonUser)) {
		t.Fatalf("failure reason = %q, want close reason recorded", state.LastFailureReason)
	}
	alice.notifier.mu.Lock()
	closeCount := len(alice.notifier.closes)
	alice.notifier.mu.Unlock()
	if closeCount != 1 {
		t.Fatalf("close notifications = %d, want 1", closeCount)
	}
}

func TestExternalStatusReportEdgeCases(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	sessionID := mustState(t, alice.store, alicePub, bobPub).SessionID

	// Unknown session: logged no-op.
	if err := alice.manager.HandleExternalStatusReport(context.Background(), "unknown-session-000001", SessionConnected, ""); err != nil {
		t.Fatalf("unknown session report: %v", err)
	}
	if state := mustState(t, alice.store, alicePub, bobPub); state.Status != SessionConnecting {
		t.Fatalf("unknown session report changed status to %q", state.Status)
	}

	// Invalid status values fail hard.
	if err := alice.manager.HandleExternalStatusReport(context.Background(), sessionID, SessionStatus("thriving"), ""); err == nil {
		t.Fatalf("invalid status accepted")
	}

	// Repeated identical reports are idempotent.
	for i := 0; i < 2; i++ {
		if err := alice.manager.HandleExternalStatusReport(context.Background(), sessionID, SessionFailed, "ice failed"); err != nil {
			t.Fatalf("failed report %d: %v", i, err)
		}
	}
	state := mustState(t, alice.store, alicePub, bobPub)
	if state.Status != SessionFailed || state.LastFailureReason != "ice failed" {
		t.Fatalf("state after failure reports = %+v", state)
	}
}

func TestHandleEnvelopeDropsRejectedSignals(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})

	// Wrong kind fails validation; the manager logs and drops.
	if err := alice.manager.HandleEnvelope(context.Background(), Event{Kind: 1, Content: "{}"}, bobPub); err != nil {
		t.Fatalf("HandleEnvelope rejected-envelope error = %v, want nil", err)
	}
}

func TestCapSignalUpdatesPeerCapabilities(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})

	capSig := &CapSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeCap, testSession),
		IPv6:         []string{"2001:db8::b"},
		Features:     []string{"trickle-ice"},
	}
	if err := alice.manager.HandleIncomingSignal(context.Background(), bobPub, capSig); err != nil {
		t.Fatalf("handle cap: %v", err)
	}
	caps, ok := alice.manager.PeerCapabilities(bobPub)
	if !ok {
		t.Fatalf("peer capabilities not cached")
	}
	if len(caps.IPv6) != 1 || caps.IPv6[0] != "2001:db8::b" {
		t.Fatalf("cached capabilities = %+v", caps)
	}
	if _, ok := alice.manager.PeerCapabilities("nobody"); ok {
		t.Fatalf("capabilities reported for unknown contact")
	}
}

func TestManagerCloseSendsAndMarksFailed(t *testing.T) {
	t.Parallel()
	alice := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	if err := alice.manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	result, err := alice.manager.Close(context.Background(), bobPub, CloseReasonUser)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !result.Success || result.Skipped {
		t.Fatalf("close result = %+v, want published", result)
	}
	if state := mustState(t, alice.store, alicePub, bobPub); state.Status != SessionFailed {
		t.Fatalf("status after close = %q, want failed", state.Status)
	}
	if got := alice.pool.publishCount(); got != 1 {
		t.Fatalf("publish count = %d, want 1", got)
	}

	// No session for an unknown contact.
	other := newManagerFixture(t, alicePub, []string{"2001:db8::a"})
	_, err = other.manager.Close(context.Background(), "cccc3", CloseReasonUser)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("close without session error = %v, want ErrSessionNotFound", err)
	}
}

// blockingPublisher parks inside Publish until released, signalling when
// a publish is in flight.
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) Publish(ctx context.Context, event Event) []PublishResult {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return []PublishResult{{Relay: "wss://a", Success: true}}
}

func TestCloseDoesNotBlockOtherSessionsDuringPublish(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	store := NewMemoryStore()
	codec, err := NewSignalCodec(newFakeSealer(alicePub), store, CodecOptions{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSignalCodec: %v", err)
	}
	publisher := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	tracker, err := NewSendTracker(store, codec, publisher, SendTrackerOptions{Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewSendTracker: %v", err)
	}
	manager, err := NewConnectionManager(alicePub, store, codec, tracker, &recordingNotifier{}, StaticNetworkInfo{IPv6: []string{"2001:db8::a"}}, ManagerOptions{
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	if err := manager.AttemptConnection(context.Background(), bobPub); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := manager.Close(context.Background(), bobPub, CloseReasonUser)
		done <- err
	}()
	<-publisher.entered

	// While the close publish is parked, an unrelated inbound signal must
	// still be handled; the manager lock is not held across the publish.
	capSig := &CapSignal{
		SignalHeader: signalHeaderFor(t, SignalTypeCap, testSession),
		IPv6:         []string{"2001:db8::b"},
	}
	if err := manager.HandleIncomingSignal(context.Background(), bobPub, capSig); err != nil {
		t.Fatalf("handle cap during close publish: %v", err)
	}

	close(publisher.release)
	if err := <-done; err != nil {
		t.Fatalf("Close: %v", err)
	}
	if state := mustState(t, store, alicePub, bobPub); state.Status != SessionFailed {
		t.Fatalf("status after close = %q, want failed", state.Status)
	}
}

func TestSendOfferRequiresOffererRole(t *testing.T) {
	t.Parallel()
	bob := newManagerFixture(t, bobPub, []string{"2001:db8::b"})
	if err := bob.manager.AttemptConnection(context.Background(), alicePub); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	// Bob is the answerer against Alice.
	if _, err := bob.manager.SendOffer(context.Background(), alicePub, testSDP, "2001:db8::b", 443); err == nil {
		t.Fatalf("SendOffer accepted for answerer role")
	}
	if _, err := bob.manager.SendAnswer(context.Background(), alicePub, testSDP, "2001:db8::b", 443); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	if _, err := bob.manager.SendCandidate(context.Background(), alicePub, "candidate:1 1 udp 1 ::1 1 typ host"); err != nil {
		t.Fatalf("SendCandidate: %v", err)
	}
}
