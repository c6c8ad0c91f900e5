// Package cache defines the pluggable storage contract for rendered
// tiles and the facade the coordinator reads and writes through.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Provider is the capability contract a storage backend must satisfy.
// Keys are the normalized strings produced by the keys package from the
// full tile address tuple. Put must be idempotent for identical bytes,
// and a partially written value must never be observable as a hit: the
// backend owns atomic publish (write-then-rename or equivalent).
type Provider interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Record is the persisted unit: one rendered tile.
type Record struct {
	Bytes       []byte
	ContentType string
	StoredAt    time.Time
}

// Locker is the optional locking extension a Provider may implement so
// that metatile render coordination works across processes sharing one
// backend. TryLock must be an atomic check-and-set; a lock older than
// staleAfter is treated as absent and may be taken over. Unlock clears
// the lock only when token matches the current holder.
type Locker interface {
	TryLock(ctx context.Context, key string, staleAfter time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// WriteError reports a failed tile write. Writes of sibling tiles from
// the same metatile are reported but never fail the original request.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
