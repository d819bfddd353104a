package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"authcoord/internal/auth"
)

type memoryEntry struct {
	creds     auth.Credentials
	createdAt time.Time
}

// MemoryStore keeps credentials in process memory. Contents are lost on restart.
// Values are copied on the way in and out.
type MemoryStore struct {
	clock clock.PassiveClock

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{clock: o.clock, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (auth.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return auth.CloneCredentials(e.creds), nil
}

func (s *MemoryStore) Put(_ context.Context, sessionID string, creds auth.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		e.createdAt = s.clock.Now()
	}
	e.creds = auth.CloneCredentials(creds)
	s.entries[sessionID] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, sessionID)
	return nil
}

// List returns the stored session ids in sorted order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) CreatedAt(_ context.Context, sessionID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return e.createdAt, nil
}
