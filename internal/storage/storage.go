// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when an object or cache key does not exist.
var ErrNotFound = errors.New("storage: not found")

// ObjectStore is the object-storage dependency. Get supports byte
// ranges via offset/length; length <= 0 reads to the end.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data io.Reader) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// QueryStore runs parameterized queries against the relational
// dependency. Probes and DR scenarios use it for trivial round-trips.
type QueryStore interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryValue(ctx context.Context, dest any, query string, args ...any) error
}

// Cache is a key-value cache with per-entry TTL. Stale reads are
// explicit: GetStale returns expired entries for degraded fallbacks.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetStale(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
