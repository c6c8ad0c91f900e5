package diskstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec := cache.Record{Bytes: []byte{0x89, 'P', 'N', 'G'}, ContentType: "image/png", StoredAt: time.Now().UTC()}
	if err := s.Put(ctx, "base:abcd:10:100:200:png", rec, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "base:abcd:10:100:200:png")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got.Bytes) != string(rec.Bytes) || got.ContentType != "image/png" {
		t.Fatalf("record mismatch: %+v", got)
	}
}

func TestMissOnUnknownKey(t *testing.T) {
	s := newStore(t)
	if _, ok, err := s.Get(context.Background(), "base:abcd:0:0:0:png"); ok || err != nil {
		t.Fatalf("ok=%v err=%v, want clean miss", ok, err)
	}
}

func TestCorruptFileIsMissAndHealed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := "base:abcd:3:1:2:png"

	_ = s.Put(ctx, key, cache.Record{Bytes: []byte("tile")}, 0)
	path := s.tilePath(key)
	if err := os.WriteFile(path, []byte("torn"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, ok, err := s.Get(ctx, key); ok || err != nil {
		t.Fatalf("corrupt file: ok=%v err=%v, want miss", ok, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("corrupt file should have been removed")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := "base:abcd:3:1:2:png"
	_ = s.Put(ctx, key, cache.Record{Bytes: []byte("tile")}, 0)

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestTryLockExcludesSecondCaller(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	token, ok, err := s.TryLock(ctx, "base:meta:10:100:200:4x4", 15*time.Second)
	if err != nil || !ok {
		t.Fatalf("first TryLock: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	if _, ok, _ := s.TryLock(ctx, "base:meta:10:100:200:4x4", 15*time.Second); ok {
		t.Fatal("second TryLock must be refused while held")
	}

	if err := s.Unlock(ctx, "base:meta:10:100:200:4x4", token); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, ok, _ := s.TryLock(ctx, "base:meta:10:100:200:4x4", 15*time.Second); !ok {
		t.Fatal("lock must be acquirable after Unlock")
	}
}

func TestTryLockReclaimsStale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := "base:meta:10:100:200:4x4"

	if _, ok, _ := s.TryLock(ctx, key, time.Minute); !ok {
		t.Fatal("initial acquire failed")
	}
	// age the lock file past the staleness threshold
	old := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(s.lockPath(key), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	token, ok, err := s.TryLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("stale reclaim: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("empty token after reclaim")
	}
}

func TestUnlockWrongTokenKeepsLock(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	key := "base:meta:10:100:200:4x4"

	_, ok, _ := s.TryLock(ctx, key, time.Minute)
	if !ok {
		t.Fatal("acquire failed")
	}
	if err := s.Unlock(ctx, key, "stale-token"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, ok, _ := s.TryLock(ctx, key, time.Minute); ok {
		t.Fatal("lock cleared by mismatched token")
	}
}

func TestTilePathNests(t *testing.T) {
	s := newStore(t)
	p := s.tilePath("base:abcd:10:100:200:png")
	want := filepath.Join(s.base, "base", "abcd", "10", "100", "200", "png") + tileExt
	if p != want {
		t.Fatalf("tilePath=%q want %q", p, want)
	}
}
