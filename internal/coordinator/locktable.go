package coordinator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/cache/keys"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/tile"
)

// LockTable serializes renders of the same metatile while letting
// unrelated metatiles render in parallel. The in-process map handles
// waiters inside one server; when the cache provider implements the
// Locker extension, acquisition also takes the provider-backed lock so
// the guarantee extends across processes sharing that backend.
type LockTable struct {
	staleAfter time.Duration
	locker     cache.Locker // nil when the provider has no native locking

	mu    sync.Mutex
	local map[string]*lockEntry
	now   func() time.Time
}

type lockEntry struct {
	token   string
	created time.Time
	done    chan struct{}
}

// Lease is handed to the winner of an Acquire and must be passed back
// to Release exactly once, in every outcome of the render.
type Lease struct {
	key         string
	token       string
	remoteToken string
	done        chan struct{}
}

func NewLockTable(locker cache.Locker, staleAfter time.Duration) *LockTable {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	return &LockTable{
		staleAfter: staleAfter,
		locker:     locker,
		local:      map[string]*lockEntry{},
		now:        time.Now,
	}
}

// Acquire attempts to take the render lock for a metatile. It returns
// (lease, true) to the single winner; every other concurrent caller
// gets (nil, false) and should Await. An in-process entry older than
// the staleness threshold is treated as absent: the owning goroutine
// is presumed wedged or its process gone, and one redundant re-render
// beats a permanent deadlock.
func (t *LockTable) Acquire(ctx context.Context, m tile.Metatile) (*Lease, bool, error) {
	key := keys.LockKey(m)

	t.mu.Lock()
	if e, ok := t.local[key]; ok {
		if t.now().Sub(e.created) < t.staleAfter {
			t.mu.Unlock()
			return nil, false, nil
		}
		observability.IncStaleLockReclaimed(m.Layer)
	}
	e := &lockEntry{token: newOwnerToken(), created: t.now(), done: make(chan struct{})}
	t.local[key] = e
	t.mu.Unlock()

	lease := &Lease{key: key, token: e.token, done: e.done}

	if t.locker != nil {
		remote, ok, err := t.locker.TryLock(ctx, key, t.staleAfter)
		if err != nil {
			t.dropLocal(key, e.token)
			return nil, false, fmt.Errorf("provider lock %s: %w", m.Key(), err)
		}
		if !ok {
			// another process is rendering; wake local waiters parked on
			// our short-lived entry so they fall through to cache polling
			t.dropLocal(key, e.token)
			return nil, false, nil
		}
		lease.remoteToken = remote
	}
	return lease, true, nil
}

// Release clears the lock entry and wakes waiters. Idempotent; a stale
// or late release never clears a newer holder's entry because tokens
// must match.
func (t *LockTable) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	t.dropLocal(lease.key, lease.token)
	if t.locker != nil && lease.remoteToken != "" {
		_ = t.locker.Unlock(ctx, lease.key, lease.remoteToken)
	}
}

// Await blocks until the in-process render of m completes or the
// timeout elapses. It reports (completed, waited): waited is false when
// no local entry exists, meaning the render is in another process and
// the caller should poll the cache instead.
func (t *LockTable) Await(ctx context.Context, m tile.Metatile, timeout time.Duration) (completed, waited bool) {
	key := keys.LockKey(m)

	t.mu.Lock()
	e, ok := t.local[key]
	t.mu.Unlock()
	if !ok {
		return true, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true, true
	case <-timer.C:
		return false, true
	case <-ctx.Done():
		return false, true
	}
}

func (t *LockTable) dropLocal(key, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.local[key]; ok && e.token == token {
		delete(t.local, key)
		close(e.done)
	}
}

func newOwnerToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
