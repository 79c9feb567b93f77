package registry

import "context"

// Store persists users keyed by identity.
//
// Requirements:
//   - Put replaces any existing record for the identity (no merge)
//   - List returns copies; mutating them must not affect stored state
//   - Implementations must be safe for concurrent use
type Store interface {
	// Put inserts or replaces u. replaced reports whether a record already existed.
	Put(ctx context.Context, u User) (replaced bool, err error)
	List(ctx context.Context) ([]User, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
