// Package coordinator implements the metatile rendering-and-cache
// protocol: map a tile request onto its metatile, guarantee at most one
// concurrent render per metatile, and serve everything else from cache.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/tile"
)

var (
	// ErrUnknownLayer is a terminal bad request: the layer is not
	// configured. No retry will help.
	ErrUnknownLayer = errors.New("unknown layer")

	// ErrRenderPending means a competing render held the lock past the
	// wait timeout. The data is fine; the caller should retry later.
	ErrRenderPending = errors.New("render pending")
)

// LayerRuntime is one configured layer with its collaborators wired:
// built once at startup by the registry, read-only afterwards.
type LayerRuntime struct {
	Name       string
	Grid       tile.Grid
	MetaWidth  int
	MetaHeight int
	BufferPx   int
	MinZoom    int
	MaxZoom    int

	Cache    *cache.Facade
	Dispatch *render.Dispatcher
	Locks    *LockTable
}

// MetatileOf maps an address onto this layer's rendering unit. Vector
// formats cannot be sliced, so they always render one tile per pass.
func (l *LayerRuntime) MetatileOf(a tile.Address) tile.Metatile {
	if a.Format.Vector() {
		return tile.MetatileOf(a, 1, 1)
	}
	return tile.MetatileOf(a, l.MetaWidth, l.MetaHeight)
}

// CheckAddress validates grid coordinates plus the layer's zoom bounds.
func (l *LayerRuntime) CheckAddress(a tile.Address) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Zoom < l.MinZoom || a.Zoom > l.MaxZoom {
		return fmt.Errorf("%w: zoom %d outside layer range [%d,%d]",
			tile.ErrInvalidAddress, a.Zoom, l.MinZoom, l.MaxZoom)
	}
	return nil
}

// Resolver maps a layer name to its runtime. Implemented by the layer
// registry; never mutated after startup.
type Resolver interface {
	Resolve(name string) (*LayerRuntime, error)
}

// Options tune the waiting behavior of contended requests.
type Options struct {
	// WaitTimeout bounds how long a request blocks on a competing
	// render before reporting ErrRenderPending.
	WaitTimeout time.Duration
	// PollInterval paces cache re-checks while a remote process renders.
	PollInterval time.Duration
	// MaxAttempts bounds acquire/await rounds before giving up.
	MaxAttempts int
}

func (o *Options) setDefaults() {
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
}

// Tile is a served tile payload.
type Tile struct {
	Bytes       []byte
	ContentType string
}

type Coordinator struct {
	resolver Resolver
	opts     Options
	log      *slog.Logger
}

func New(resolver Resolver, opts Options, log *slog.Logger) *Coordinator {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{resolver: resolver, opts: opts, log: log}
}

// Handle serves one tile request: resolve the layer, try the cache,
// and on a miss win or wait out the metatile render lock.
//
// A render, once started, runs on a context detached from the request:
// a client disconnect mid-wait cancels only that client's waiting, not
// the render that other waiters and future requests benefit from.
func (c *Coordinator) Handle(ctx context.Context, a tile.Address) (Tile, error) {
	l, err := c.resolver.Resolve(a.Layer)
	if err != nil {
		return Tile{}, err
	}
	if err := l.CheckAddress(a); err != nil {
		return Tile{}, err
	}

	for attempt := 0; ; attempt++ {
		rec, ok, err := l.Cache.Get(ctx, a)
		if err != nil {
			return Tile{}, err
		}
		if ok {
			outcome := "hit"
			if attempt > 0 {
				outcome = "wait_hit"
			}
			observability.IncTileRequest(l.Name, outcome)
			return Tile{Bytes: rec.Bytes, ContentType: rec.ContentType}, nil
		}
		if attempt >= c.opts.MaxAttempts {
			observability.IncTileRequest(l.Name, "pending")
			return Tile{}, ErrRenderPending
		}

		m := l.MetatileOf(a)
		lease, acquired, err := l.Locks.Acquire(ctx, m)
		if err != nil {
			return Tile{}, err
		}

		if acquired {
			t, err := c.renderLocked(ctx, l, m, a, lease)
			if err != nil {
				observability.IncTileRequest(l.Name, "error")
				return Tile{}, err
			}
			observability.IncTileRequest(l.Name, "render")
			return t, nil
		}

		observability.IncLockContention(l.Name)
		rec, ok, timedOut := c.waitForRender(ctx, l, m, a)
		if ok {
			observability.IncTileRequest(l.Name, "wait_hit")
			return Tile{Bytes: rec.Bytes, ContentType: rec.ContentType}, nil
		}
		if timedOut {
			observability.IncTileRequest(l.Name, "pending")
			return Tile{}, ErrRenderPending
		}
		// the competing render completed without producing our tile
		// (it failed, or its lock went stale); loop and try ourselves
	}
}

// renderLocked runs the metatile render while holding the lease and
// releases it in every outcome so a failed render never wedges the
// metatile.
func (c *Coordinator) renderLocked(ctx context.Context, l *LayerRuntime, m tile.Metatile, a tile.Address, lease *Lease) (Tile, error) {
	rctx := context.WithoutCancel(ctx)
	res, err := l.Dispatch.RenderMetatile(rctx, m, a)
	l.Locks.Release(rctx, lease)
	if err != nil {
		return Tile{}, err
	}
	if res.PrimaryWriteErr != nil {
		// the requested tile itself could not be persisted; that one
		// failure is surfaced, unlike sibling writes
		return Tile{}, res.PrimaryWriteErr
	}
	return Tile{Bytes: res.Primary, ContentType: a.Format.ContentType()}, nil
}

// waitForRender blocks until the competing render finishes and the
// requested tile is readable, the wait times out, or the request is
// canceled. For renders in another process there is no completion
// signal, so it polls the cache at the configured interval.
func (c *Coordinator) waitForRender(ctx context.Context, l *LayerRuntime, m tile.Metatile, a tile.Address) (cache.Record, bool, bool) {
	deadline := time.Now().Add(c.opts.WaitTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return cache.Record{}, false, true
		}
		slice := c.opts.PollInterval
		if slice > remaining {
			slice = remaining
		}

		completed, waited := l.Locks.Await(ctx, m, slice)

		rec, ok, err := l.Cache.Get(ctx, a)
		if err != nil {
			c.log.Warn("cache re-check failed while waiting", "tile", a.String(), "err", err)
		}
		if ok {
			return rec, true, false
		}
		if completed && waited {
			// local render finished but our tile is absent: fall back
			// to our own acquire attempt
			return cache.Record{}, false, false
		}
		if !waited {
			// remote render: nothing to wait on, pace the polling
			select {
			case <-time.After(slice):
			case <-ctx.Done():
				return cache.Record{}, false, true
			}
		}
	}
}
