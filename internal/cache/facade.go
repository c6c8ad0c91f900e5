package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartogrid/tileserv/internal/cache/keys"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/tile"
)

// Facade gives the coordinator a uniform get/put over one layer's
// provider. It holds no state of its own: it normalizes addresses into
// provider keys and delegates.
type Facade struct {
	provider Provider
	ttl      time.Duration
	log      *slog.Logger
}

// NewFacade binds a provider and the layer's cache lifespan. A zero ttl
// means records never expire (providers may still evict on their own).
func NewFacade(p Provider, ttl time.Duration, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	return &Facade{provider: p, ttl: ttl, log: log}
}

// Provider exposes the underlying backend so the lock table can probe
// for the optional Locker capability.
func (f *Facade) Provider() Provider { return f.provider }

func (f *Facade) Get(ctx context.Context, a tile.Address) (Record, bool, error) {
	rec, ok, err := f.provider.Get(ctx, keys.Key(a))
	if err != nil {
		return Record{}, false, fmt.Errorf("cache get %s: %w", a, err)
	}
	if ok {
		observability.IncCacheHit()
	} else {
		observability.IncCacheMiss()
	}
	return rec, ok, nil
}

// Put persists one rendered tile. The content type is derived from the
// address format; StoredAt is stamped here so providers do not have to.
func (f *Facade) Put(ctx context.Context, a tile.Address, payload []byte) error {
	key := keys.Key(a)
	rec := Record{
		Bytes:       payload,
		ContentType: a.Format.ContentType(),
		StoredAt:    time.Now().UTC(),
	}
	if err := f.provider.Put(ctx, key, rec, f.ttl); err != nil {
		return &WriteError{Key: key, Err: err}
	}
	return nil
}

// Delete drops tiles from the cache, used by invalidation. Missing keys
// are not an error.
func (f *Facade) Delete(ctx context.Context, addrs ...tile.Address) error {
	if len(addrs) == 0 {
		return nil
	}
	ks := make([]string, len(addrs))
	for i, a := range addrs {
		ks[i] = keys.Key(a)
	}
	if err := f.provider.Delete(ctx, ks...); err != nil {
		return fmt.Errorf("cache delete %d keys: %w", len(ks), err)
	}
	return nil
}
