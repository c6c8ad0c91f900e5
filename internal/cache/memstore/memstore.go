// Package memstore is an in-process LRU cache provider. Suitable for
// single-process deployments and tests; it offers no cross-process
// locking, so the coordinator falls back to its in-process lock table.
package memstore

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cartogrid/tileserv/internal/cache"
)

type entry struct {
	rec     cache.Record
	expires time.Time // zero means no expiry
}

type Store struct {
	lru *lru.Cache[string, entry]
	now func() time.Time
}

// New builds a store holding at most maxTiles records.
func New(maxTiles int) (*Store, error) {
	if maxTiles <= 0 {
		maxTiles = 4096
	}
	c, err := lru.New[string, entry](maxTiles)
	if err != nil {
		return nil, fmt.Errorf("lru: %w", err)
	}
	return &Store{lru: c, now: time.Now}, nil
}

func (s *Store) Get(_ context.Context, key string) (cache.Record, bool, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return cache.Record{}, false, nil
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		s.lru.Remove(key)
		return cache.Record{}, false, nil
	}
	return e.rec, true, nil
}

func (s *Store) Put(_ context.Context, key string, rec cache.Record, ttl time.Duration) error {
	e := entry{rec: rec}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.lru.Add(key, e)
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

func (s *Store) Close() error {
	s.lru.Purge()
	return nil
}
