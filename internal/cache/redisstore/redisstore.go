// Package redisstore is a Redis cache provider. Because Redis is
// typically shared by every server process, it also implements the
// Locker extension with SET NX, which is what makes metatile render
// coordination hold across a multi-process deployment.
package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/core/observability"
)

type Option func(*redis.Options)

func WithPassword(pw string) Option {
	return func(o *redis.Options) { o.Password = pw }
}

func WithDB(db int) Option {
	return func(o *redis.Options) { o.DB = db }
}

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

// unlock deletes the lock key only when it still holds the caller's
// token. Must be atomic, hence the script.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Store struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Record, bool, error) {
	start := time.Now()
	raw, err := s.rdb.Get(ctx, key).Bytes()
	observability.ObserveCacheOp("get", ignoreNil(err), time.Since(start).Seconds())
	if errors.Is(err, redis.Nil) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("redis GET %q: %w", key, err)
	}
	rec, err := cache.DecodeRecord(raw)
	if err != nil {
		// foreign or truncated value: treat as miss, let a render replace it
		return cache.Record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, key string, rec cache.Record, ttl time.Duration) error {
	start := time.Now()
	err := s.rdb.Set(ctx, key, cache.EncodeRecord(rec), ttl).Err()
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := s.rdb.Del(ctx, keys...).Err()
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// TryLock implements cache.Locker. The staleness threshold doubles as
// the key's TTL, so a crashed holder's lock evaporates on its own and
// acquire never sees a permanently held entry.
func (s *Store) TryLock(ctx context.Context, key string, staleAfter time.Duration) (string, bool, error) {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	token := newToken()
	start := time.Now()
	ok, err := s.rdb.SetNX(ctx, key, token, staleAfter).Result()
	observability.ObserveCacheOp("lock", err, time.Since(start).Seconds())
	if err != nil {
		return "", false, fmt.Errorf("redis SETNX %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *Store) Unlock(ctx context.Context, key, token string) error {
	start := time.Now()
	err := unlockScript.Run(ctx, s.rdb, []string{key}, token).Err()
	observability.ObserveCacheOp("unlock", ignoreNil(err), time.Since(start).Seconds())
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis unlock %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func ignoreNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func newToken() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
