// Package snapshot mirrors fleet status documents into a key/value store so
// dashboards can read them without talking to the engines.
package snapshot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status document keys, relative to the store prefix
const (
	KeyCollision    = "status:collision"
	KeyCoordination = "status:coordination"
	KeyAssignment   = "status:assignment"
	keySwarmPrefix  = "status:swarm:"
)

// SwarmKey returns the status key of one swarm
func SwarmKey(swarmID string) string {
	return keySwarmPrefix + swarmID
}

// Store holds status documents
type Store interface {
	// Put writes all entries in one batch with the same TTL
	Put(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Get returns nil without error when key is absent
	Get(ctx context.Context, key string) ([]byte, error)

	Delete(ctx context.Context, keys ...string) error

	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for local runs and tests
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put stores entries; a zero ttl never expires
func (s *MemoryStore) Put(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = s.now().Add(ttl)
	}
	for k, v := range entries {
		s.entries[k] = memoryEntry{value: append([]byte(nil), v...), expiresAt: expires}
	}
	return nil
}

// Get returns the value of key, or nil when absent or expired
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || (!e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)) {
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes keys
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Keys lists live keys starting with prefix in sorted order
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
