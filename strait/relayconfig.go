package strait

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/quailyquaily/strait/internal/fsstore"
)

// DefaultRelayEndpoints is the bootstrap relay set written the first
// time an identity's configuration is loaded.
func DefaultRelayEndpoints() []RelayEndpoint {
	return []RelayEndpoint{
		{URL: "wss://relay-1.quaily.com", Read: true, Write: true, Order: 0},
		{URL: "wss://relay-2.quaily.com", Read: true, Write: true, Order: 1},
		{URL: "wss://relay-3.quaily.com", Read: true, Write: true, Order: 2},
	}
}

// RelayConfigStore persists the relay endpoint list per identity as a
// JSON file under root. Loads for an unknown identity bootstrap the
// default endpoints onto disk so later edits start from a visible file.
type RelayConfigStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRelayConfigStore(root string) (*RelayConfigStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("empty relay config root")
	}
	if err := fsstore.EnsureDir(root, 0); err != nil {
		return nil, err
	}
	return &RelayConfigStore{root: root, locks: map[string]*sync.Mutex{}}, nil
}

func (s *RelayConfigStore) identityLock(identityPubkey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[identityPubkey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[identityPubkey] = lock
	}
	return lock
}

func (s *RelayConfigStore) path(identityPubkey string) string {
	return filepath.Join(s.root, "relays_"+identityPubkey+".json")
}

// Load returns the endpoint list for the identity, sorted by Order,
// bootstrapping the defaults on first use.
func (s *RelayConfigStore) Load(ctx context.Context, identityPubkey string) ([]RelayEndpoint, error) {
	identityPubkey = strings.TrimSpace(identityPubkey)
	if identityPubkey == "" {
		return nil, fmt.Errorf("empty identity pubkey")
	}
	if err := ensureNotCanceled(ctx); err != nil {
		return nil, err
	}

	lock := s.identityLock(identityPubkey)
	lock.Lock()
	defer lock.Unlock()

	var endpoints []RelayEndpoint
	found, err := fsstore.ReadJSON(s.path(identityPubkey), &endpoints)
	if err != nil {
		return nil, err
	}
	if !found {
		endpoints = DefaultRelayEndpoints()
		if err := fsstore.WriteJSONAtomic(s.path(identityPubkey), endpoints, fsstore.FileOptions{}); err != nil {
			return nil, err
		}
	}
	sortEndpoints(endpoints)
	return endpoints, nil
}

// Save replaces the identity's endpoint list.
func (s *RelayConfigStore) Save(ctx context.Context, identityPubkey string, endpoints []RelayEndpoint) error {
	identityPubkey = strings.TrimSpace(identityPubkey)
	if identityPubkey == "" {
		return fmt.Errorf("empty identity pubkey")
	}
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	for _, endpoint := range endpoints {
		if strings.TrimSpace(endpoint.URL) == "" {
			return fmt.Errorf("relay endpoint with empty url")
		}
	}

	lock := s.identityLock(identityPubkey)
	lock.Lock()
	defer lock.Unlock()

	sorted := make([]RelayEndpoint, len(endpoints))
	copy(sorted, endpoints)
	sortEndpoints(sorted)
	return fsstore.WriteJSONAtomic(s.path(identityPubkey), sorted, fsstore.FileOptions{})
}

func sortEndpoints(endpoints []RelayEndpoint) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Order != endpoints[j].Order {
			return endpoints[i].Order < endpoints[j].Order
		}
		return endpoints[i].URL < endpoints[j].URL
	})
}
