package layers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/cache/diskstore"
	"github.com/cartogrid/tileserv/internal/cache/memstore"
	"github.com/cartogrid/tileserv/internal/cache/redisstore"
	"github.com/cartogrid/tileserv/internal/cache/sqlitestore"
	"github.com/cartogrid/tileserv/internal/coordinator"
	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/render/flat"
	"github.com/cartogrid/tileserv/internal/render/wms"
	"github.com/cartogrid/tileserv/internal/tile"
)

const defaultMemoryTiles = 4096

// Registry is the immutable set of configured layer runtimes. It is
// built once at startup and implements coordinator.Resolver.
type Registry struct {
	layers    map[string]*coordinator.LayerRuntime
	providers []cache.Provider
}

// Build assembles every configured layer. The http client is shared by
// all proxying renderers; pass nil to use http.DefaultClient.
func Build(ctx context.Context, f File, client *http.Client, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{layers: make(map[string]*coordinator.LayerRuntime, len(f.Layers))}

	// the default backend is shared across layers; per-layer overrides
	// get their own provider
	var shared cache.Provider
	sharedFor := func() (cache.Provider, error) {
		if shared == nil {
			p, err := buildProvider(ctx, f.Cache)
			if err != nil {
				return nil, fmt.Errorf("default cache: %w", err)
			}
			shared = p
			r.providers = append(r.providers, p)
		}
		return shared, nil
	}

	for name, lc := range f.Layers {
		rt, err := r.buildLayer(ctx, name, lc, sharedFor, client, log)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("layer %q: %w", name, err)
		}
		r.layers[name] = rt
	}
	return r, nil
}

func (r *Registry) buildLayer(ctx context.Context, name string, lc LayerConfig, sharedFor func() (cache.Provider, error), client *http.Client, log *slog.Logger) (*coordinator.LayerRuntime, error) {
	var (
		provider cache.Provider
		err      error
	)
	if lc.Cache != nil {
		provider, err = buildProvider(ctx, *lc.Cache)
		if err != nil {
			return nil, err
		}
		r.providers = append(r.providers, provider)
	} else {
		provider, err = sharedFor()
		if err != nil {
			return nil, err
		}
	}

	projection := lc.Projection
	if projection == "" {
		projection = "spherical mercator"
	}
	grid, err := tile.GridByName(projection)
	if err != nil {
		return nil, err
	}

	renderer, err := buildRenderer(lc.Provider, client, log.With("layer", name))
	if err != nil {
		return nil, err
	}

	ttl := time.Duration(lc.CacheLifespanSeconds) * time.Second
	facade := cache.NewFacade(provider, ttl, log.With("layer", name))

	stale := time.Duration(lc.StaleLockSeconds) * time.Second
	locker, _ := provider.(cache.Locker)

	minZoom, maxZoom := 0, tile.MaxZoom
	if zb := lc.ZoomBounds; zb != nil {
		minZoom, maxZoom = zb[0], zb[1]
	}

	width, height := lc.Metatile.Columns, lc.Metatile.Rows
	if width == 0 {
		width = 1
	}
	if height == 0 {
		height = 1
	}

	return &coordinator.LayerRuntime{
		Name:       name,
		Grid:       grid,
		MetaWidth:  width,
		MetaHeight: height,
		BufferPx:   lc.Metatile.Buffer,
		MinZoom:    minZoom,
		MaxZoom:    maxZoom,
		Cache:      facade,
		Dispatch:   render.NewDispatcher(renderer, facade, grid, lc.Metatile.Buffer, log.With("layer", name)),
		Locks:      coordinator.NewLockTable(locker, stale),
	}, nil
}

// Resolve implements coordinator.Resolver.
func (r *Registry) Resolve(name string) (*coordinator.LayerRuntime, error) {
	l, ok := r.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", coordinator.ErrUnknownLayer, name)
	}
	return l, nil
}

// All returns every configured runtime, for iteration by invalidation
// and health checks. The slice order is unspecified.
func (r *Registry) All() []*coordinator.LayerRuntime {
	out := make([]*coordinator.LayerRuntime, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	return out
}

// Readiness implements health.ReadinessReporter: the registry is ready
// once built, and reports the configured layer names.
func (r *Registry) Readiness() (bool, []string) {
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return len(names) > 0, names
}

// Close releases every provider the registry owns.
func (r *Registry) Close() {
	for _, p := range r.providers {
		_ = p.Close()
	}
	r.providers = nil
}

func buildProvider(ctx context.Context, cc CacheConfig) (cache.Provider, error) {
	switch cc.Type {
	case "memory":
		max := cc.MaxTiles
		if max == 0 {
			max = defaultMemoryTiles
		}
		return memstore.New(max)
	case "disk":
		if cc.Path == "" {
			return nil, fmt.Errorf("disk cache needs a path")
		}
		return diskstore.New(cc.Path)
	case "redis":
		if cc.Addr == "" {
			return nil, fmt.Errorf("redis cache needs an addr")
		}
		return redisstore.New(ctx, cc.Addr,
			redisstore.WithPassword(cc.Password),
			redisstore.WithDB(cc.DB))
	case "sqlite":
		if cc.Path == "" {
			return nil, fmt.Errorf("sqlite cache needs a path")
		}
		return sqlitestore.New(cc.Path)
	default:
		return nil, fmt.Errorf("unknown cache type %q", cc.Type)
	}
}

func buildRenderer(pc ProviderConfig, client *http.Client, log *slog.Logger) (render.Renderer, error) {
	switch pc.Type {
	case "wms":
		return wms.New(wms.Params{
			URL:         pc.URL,
			Layers:      pc.Layers,
			Styles:      pc.Styles,
			SRS:         pc.SRS,
			Transparent: pc.Transparent,
			Timeout:     time.Duration(pc.TimeoutSeconds) * time.Second,
		}, client, log)
	case "flat":
		return flat.New(pc.Color)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}
