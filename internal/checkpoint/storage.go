package checkpoint

import "context"

// Storage is a key-value store scoped by run id. Put is an upsert.
// Get returns ErrNotFound for a missing key.
type Storage interface {
	Put(ctx context.Context, runID, key string, data []byte) error
	Get(ctx context.Context, runID, key string) ([]byte, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context, runID string) ([]string, error)
	Close() error
}
