// Package layers loads the layer configuration file and assembles each
// configured layer into its runtime: renderer, cache provider, facade,
// dispatcher and lock table.
package layers

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// File is the whole configuration document. The format is JWCC (JSON
// with comments and trailing commas) so deployments can annotate their
// layer definitions in place.
type File struct {
	// Cache is the default cache backend shared by layers that do not
	// declare their own.
	Cache  CacheConfig            `json:"cache"`
	Layers map[string]LayerConfig `json:"layers"`
}

// CacheConfig selects and parameterizes one cache backend.
type CacheConfig struct {
	Type string `json:"type"` // memory, disk, redis or sqlite

	// Path is the base directory (disk) or database file (sqlite).
	Path string `json:"path,omitempty"`

	// Redis connection settings.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	// MaxTiles caps the in-memory backend; zero uses the default.
	MaxTiles int `json:"max_tiles,omitempty"`
}

// ProviderConfig selects and parameterizes one layer's renderer.
type ProviderConfig struct {
	Type string `json:"type"` // wms or flat

	// WMS settings.
	URL            string `json:"url,omitempty"`
	Layers         string `json:"layers,omitempty"`
	Styles         string `json:"styles,omitempty"`
	SRS            string `json:"srs,omitempty"`
	Transparent    bool   `json:"transparent,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`

	// Flat settings.
	Color string `json:"color,omitempty"`
}

// MetatileConfig shapes a layer's rendering unit in tiles plus the
// buffer margin in pixels rendered beyond the metatile edge.
type MetatileConfig struct {
	Rows    int `json:"rows,omitempty"`
	Columns int `json:"columns,omitempty"`
	Buffer  int `json:"buffer,omitempty"`
}

// LayerConfig is one named layer.
type LayerConfig struct {
	Provider ProviderConfig `json:"provider"`

	// Cache overrides the file-level default backend for this layer.
	Cache *CacheConfig `json:"cache,omitempty"`

	Metatile MetatileConfig `json:"metatile,omitempty"`

	// Projection names the tile grid; empty means spherical mercator.
	Projection string `json:"projection,omitempty"`

	// StaleLockSeconds is how long a render lock may be held before a
	// newcomer presumes the holder dead and re-renders.
	StaleLockSeconds int `json:"stale_lock_seconds,omitempty"`

	// CacheLifespanSeconds is the tile TTL; zero means no expiry.
	CacheLifespanSeconds int `json:"cache_lifespan_seconds,omitempty"`

	// ZoomBounds is the inclusive [min, max] range served; absent means
	// the full grid range.
	ZoomBounds *[2]int `json:"zoom_bounds,omitempty"`
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (File, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return File{}, fmt.Errorf("config is not valid JWCC: %w", err)
	}
	var f File
	if err := json.Unmarshal(standardized, &f); err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// LoadFile reads and parses the configuration at path.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) validate() error {
	if len(f.Layers) == 0 {
		return fmt.Errorf("config declares no layers")
	}
	for name, l := range f.Layers {
		if name == "" {
			return fmt.Errorf("layer with empty name")
		}
		if err := l.validate(); err != nil {
			return fmt.Errorf("layer %q: %w", name, err)
		}
		if l.Cache == nil && f.Cache.Type == "" {
			return fmt.Errorf("layer %q: no cache configured and no default cache", name)
		}
	}
	return nil
}

func (l *LayerConfig) validate() error {
	switch l.Provider.Type {
	case "wms":
		if l.Provider.URL == "" {
			return fmt.Errorf("wms provider needs a url")
		}
		if l.Provider.Layers == "" {
			return fmt.Errorf("wms provider needs layers")
		}
	case "flat":
		if l.Provider.Color == "" {
			return fmt.Errorf("flat provider needs a color")
		}
	case "":
		return fmt.Errorf("provider type is required")
	default:
		return fmt.Errorf("unknown provider type %q", l.Provider.Type)
	}

	m := l.Metatile
	if m.Rows < 0 || m.Columns < 0 || m.Buffer < 0 {
		return fmt.Errorf("metatile dimensions must be non-negative")
	}
	if m.Rows > 16 || m.Columns > 16 {
		return fmt.Errorf("metatile is %dx%d, the limit is 16x16", m.Columns, m.Rows)
	}

	if zb := l.ZoomBounds; zb != nil {
		if zb[0] < 0 || zb[1] < zb[0] {
			return fmt.Errorf("zoom_bounds [%d, %d] is not a valid range", zb[0], zb[1])
		}
	}
	return nil
}
