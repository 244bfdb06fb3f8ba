package backend

import (
	"context"
)

// Backend type names. These are also the values carried in the
// backend_type field of backup snapshots.
const (
	TypeJSON       = "json"
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
)

// Backend is the uniform key-value contract every storage engine satisfies.
// Values must be JSON-representable documents; backends normalize them through
// a JSON round trip so reads return the same shapes regardless of engine.
type Backend interface {
	// Type returns the backend identifier ("json", "sqlite" or "postgresql").
	Type() string

	// Get returns the value stored under key. A missing key is reported via
	// the boolean, not as an error.
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value any) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Clear removes every key.
	Clear(ctx context.Context) error

	// Export returns the full key-to-value mapping.
	Export(ctx context.Context) (map[string]any, error)

	// Import replaces the entire keyspace with the given mapping.
	Import(ctx context.Context, data map[string]any) error

	// WithTransaction runs fn inside a transaction scope. The scope commits
	// when fn returns nil and rolls back when fn returns an error or panics.
	// Operations issued with the context passed to fn participate in the
	// scope; a nested WithTransaction call with that context reuses the
	// outermost boundary instead of opening its own.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
