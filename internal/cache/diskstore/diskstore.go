// Package diskstore is a filesystem cache provider. Tiles live under a
// base directory in a path derived from the cache key, published
// atomically via write-then-rename so a reader can never observe a
// partial tile. It also implements the Locker extension with lock
// files, which makes renders coordinate correctly across processes
// sharing the same directory (NFS caveats aside).
package diskstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/core/observability"
)

const (
	dirPerms = 0o755
	tileExt  = ".tsr"
)

type Store struct {
	base string
}

func New(base string) (*Store, error) {
	if base == "" {
		return nil, fmt.Errorf("disk cache path is required")
	}
	if err := os.MkdirAll(base, dirPerms); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{base: base}, nil
}

// tilePath maps a cache key to a nested path so directories stay small:
// "layer:hash:z:row:col:png" becomes base/layer/hash/z/row/col/png.tsr.
func (s *Store) tilePath(key string) string {
	parts := strings.Split(key, ":")
	return filepath.Join(append([]string{s.base}, parts...)...) + tileExt
}

func (s *Store) lockPath(key string) string {
	return filepath.Join(s.base, "locks", strings.ReplaceAll(key, ":", "_")+".lock")
}

func (s *Store) Get(_ context.Context, key string) (cache.Record, bool, error) {
	start := time.Now()
	raw, err := os.ReadFile(s.tilePath(key))
	observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
	if err != nil {
		if os.IsNotExist(err) {
			return cache.Record{}, false, nil
		}
		return cache.Record{}, false, fmt.Errorf("read tile: %w", err)
	}
	rec, err := cache.DecodeRecord(raw)
	if err != nil {
		// unreadable file counts as a miss; drop it so a re-render heals it
		_ = os.Remove(s.tilePath(key))
		return cache.Record{}, false, nil
	}
	return rec, true, nil
}

// Put ignores ttl: expiry of disk tiles is an external policy (cron,
// tmpwatch, seeding jobs), matching the contract that eviction belongs
// to the provider's operator.
func (s *Store) Put(_ context.Context, key string, rec cache.Record, _ time.Duration) error {
	start := time.Now()
	path := s.tilePath(key)
	err := os.MkdirAll(filepath.Dir(path), dirPerms)
	if err == nil {
		err = atomic.WriteFile(path, strings.NewReader(string(cache.EncodeRecord(rec))))
	}
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("write tile: %w", err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		if err := os.Remove(s.tilePath(k)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete tile: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return nil }

// TryLock implements cache.Locker with an O_EXCL lock file carrying the
// owner token. A lock file older than staleAfter is treated as left by
// a crashed process: it is removed and acquisition retried, converting
// a crash into at worst one redundant re-render.
func (s *Store) TryLock(_ context.Context, key string, staleAfter time.Duration) (string, bool, error) {
	path := s.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return "", false, fmt.Errorf("create lock dir: %w", err)
	}
	token := newToken()

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(token)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return "", false, fmt.Errorf("write lock file: %w", err)
			}
			return token, true, nil
		}
		if !os.IsExist(err) {
			return "", false, fmt.Errorf("create lock file: %w", err)
		}

		info, serr := os.Stat(path)
		if serr != nil {
			// holder released between create and stat; retry
			continue
		}
		if staleAfter <= 0 || time.Since(info.ModTime()) < staleAfter {
			return "", false, nil
		}
		// stale: take over and loop back to the exclusive create
		_ = os.Remove(path)
	}
	return "", false, nil
}

// Unlock removes the lock file only when the stored token matches, so a
// late release from a stale holder cannot clear a newer lock.
func (s *Store) Unlock(_ context.Context, key, token string) error {
	path := s.lockPath(key)
	cur, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock file: %w", err)
	}
	if string(cur) != token {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func newToken() string {
	return fmt.Sprintf("%d-%x", os.Getpid(), time.Now().UnixNano())
}
