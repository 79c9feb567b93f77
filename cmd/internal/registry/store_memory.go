package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps users in process memory for the lifetime of the process.
// It is the default backend when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]User
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// Put stores u under u.Identity, replacing any previous record.
func (s *MemoryStore) Put(ctx context.Context, u User) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.users[u.Identity]
	s.users[u.Identity] = u
	return replaced, nil
}

// List returns a snapshot of all users ordered by identity.
func (s *MemoryStore) List(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.Identity, b.Identity) })
	return out, nil
}

// Count returns the number of stored users.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}
