package strait

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BoundedSet is a fixed-capacity set of identifiers. Adding a key that is
// already present refreshes it to most-recent; adding a new key at
// capacity evicts the oldest entry first. It is used to drop repeated
// delivery of the same event id across multiple relay subscriptions.
//
// BoundedSet is safe for concurrent use.
type BoundedSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewBoundedSet fails if capacity is below 1.
func NewBoundedSet(capacity int) (*BoundedSet, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("bounded set capacity must be at least 1, got %d", capacity)
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("bounded set: %w", err)
	}
	return &BoundedSet{cache: cache}, nil
}

func (s *BoundedSet) Add(key string) {
	s.cache.Add(key, struct{}{})
}

// Has reports membership without refreshing recency.
func (s *BoundedSet) Has(key string) bool {
	return s.cache.Contains(key)
}

func (s *BoundedSet) Clear() {
	s.cache.Purge()
}

func (s *BoundedSet) Len() int {
	return s.cache.Len()
}
