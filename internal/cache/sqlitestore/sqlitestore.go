// Package sqlitestore is a single-file sqlite cache provider, handy for
// small deployments that want persistence without a separate service.
// Writes go through upserts inside the sqlite WAL, so readers never see
// a partial tile.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/core/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS tiles (
	key          TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	stored_at    INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL DEFAULT 0,
	tile_data    BLOB NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite cache path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (cache.Record, bool, error) {
	start := time.Now()
	var (
		rec       cache.Record
		storedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, stored_at, expires_at, tile_data FROM tiles WHERE key = ?`, key,
	).Scan(&rec.ContentType, &storedAt, &expiresAt, &rec.Bytes)
	observability.ObserveCacheOp("get", ignoreNoRows(err), time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("sqlite get: %w", err)
	}
	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		return cache.Record{}, false, nil
	}
	rec.StoredAt = time.Unix(0, storedAt).UTC()
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, key string, rec cache.Record, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tiles (key, content_type, stored_at, expires_at, tile_data)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			content_type = excluded.content_type,
			stored_at    = excluded.stored_at,
			expires_at   = excluded.expires_at,
			tile_data    = excluded.tile_data`,
		key, rec.ContentType, rec.StoredAt.UnixNano(), expiresAt, rec.Bytes)
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM tiles WHERE key IN (`+placeholders+`)`, args...)
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}
