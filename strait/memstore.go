package strait

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral embedding.
type MemoryStore struct {
	mu         sync.Mutex
	connStates map[string]ConnState
	sendStates map[string]SignalSendState
	processed  map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connStates: map[string]ConnState{},
		sendStates: map[string]SignalSendState{},
		processed:  map[string]time.Time{},
	}
}

func pairKey(identityPubkey string, contactPubkey string) string {
	return strings.TrimSpace(identityPubkey) + "\x00" + strings.TrimSpace(contactPubkey)
}

func sendStateKey(key SignalSendKey) string {
	return strings.Join([]string{
		strings.TrimSpace(key.SessionID),
		strings.TrimSpace(key.IdentityPubkey),
		strings.TrimSpace(key.ContactPubkey),
		string(key.SignalType),
		strings.TrimSpace(key.SignalHash),
	}, "\x00")
}

func processedKey(sessionID string, nonce string) string {
	return strings.TrimSpace(sessionID) + "\x00" + strings.TrimSpace(nonce)
}

func ensureNotCanceled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *MemoryStore) GetConnState(ctx context.Context, identityPubkey string, contactPubkey string) (ConnState, bool, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return ConnState{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.connStates[pairKey(identityPubkey, contactPubkey)]
	return state, ok, nil
}

func (s *MemoryStore) GetConnStateBySessionID(ctx context.Context, identityPubkey string, sessionID string) (ConnState, bool, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return ConnState{}, false, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ConnState{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identityPubkey = strings.TrimSpace(identityPubkey)
	for _, state := range s.connStates {
		if state.IdentityPubkey == identityPubkey && state.SessionID == sessionID {
			return state, true, nil
		}
	}
	return ConnState{}, false, nil
}

func (s *MemoryStore) UpsertConnState(ctx context.Context, state ConnState) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(state.IdentityPubkey, state.ContactPubkey)
	if existing, ok := s.connStates[key]; ok {
		state.ID = existing.ID
		if !existing.CreatedAt.IsZero() {
			state.CreatedAt = existing.CreatedAt
		}
	}
	s.connStates[key] = state
	return nil
}

func (s *MemoryStore) ListConnStates(ctx context.Context, identityPubkey string) ([]ConnState, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identityPubkey = strings.TrimSpace(identityPubkey)
	out := make([]ConnState, 0, len(s.connStates))
	for _, state := range s.connStates {
		if state.IdentityPubkey == identityPubkey {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactPubkey < out[j].ContactPubkey })
	return out, nil
}

func (s *MemoryStore) GetSignalSendState(ctx context.Context, key SignalSendKey) (SignalSendState, bool, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return SignalSendState{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sendStates[sendStateKey(key)]
	return state, ok, nil
}

func (s *MemoryStore) UpsertSignalSendState(ctx context.Context, state SignalSendState) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendStates[sendStateKey(state.SignalSendKey)] = state
	return nil
}

func (s *MemoryStore) HasProcessedSignal(ctx context.Context, sessionID string, nonce string) (bool, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[processedKey(sessionID, nonce)]
	return ok, nil
}

func (s *MemoryStore) MarkProcessedSignal(ctx context.Context, sessionID string, nonce string, now time.Time) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := processedKey(sessionID, nonce)
	if _, ok := s.processed[key]; !ok {
		s.processed[key] = now
	}
	return nil
}
