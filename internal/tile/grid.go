package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// webMercatorHalf is half the width of the spherical mercator plane in
// projected meters (pi * earth radius).
const webMercatorHalf = 20037508.342789244

// Grid is a square power-of-two tile pyramid over a linear projected
// plane. OriginX/OriginY locate the top-left corner of tile (0,0);
// rows advance in -Y, columns in +X. At zoom z the plane is covered
// by 2^z tiles on a side, each WorldSize/2^z projected units across.
type Grid struct {
	name      string
	originX   float64
	originY   float64
	worldSize float64
	tileSize  int
}

// NewGrid builds a custom grid. tileSize is the edge of a rendered tile
// in pixels (typically 256).
func NewGrid(name string, originX, originY, worldSize float64, tileSize int) Grid {
	if tileSize <= 0 {
		tileSize = 256
	}
	return Grid{name: name, originX: originX, originY: originY, worldSize: worldSize, tileSize: tileSize}
}

// GridByName resolves a projection identifier from layer configuration.
func GridByName(name string) (Grid, error) {
	switch name {
	case "", "spherical mercator", "EPSG:3857", "EPSG:900913":
		return NewGrid("spherical mercator", -webMercatorHalf, webMercatorHalf, 2*webMercatorHalf, 256), nil
	case "cartesian":
		// unit grid, handy for tests and non-geographic tilesets
		return NewGrid("cartesian", 0, 1, 1, 256), nil
	}
	return Grid{}, fmt.Errorf("unknown projection %q", name)
}

func (g Grid) Name() string { return g.name }

// TileSize is the pixel edge length of a single tile.
func (g Grid) TileSize() int { return g.tileSize }

// TileSpan is the width of one tile in projected units at the given zoom.
func (g Grid) TileSpan(zoom int) float64 {
	return g.worldSize / float64(int64(1)<<uint(zoom))
}

// BoundsOf computes the projected bounding box of a single tile.
// Fails with ErrInvalidAddress for addresses off the grid.
func (g Grid) BoundsOf(a Address) (orb.Bound, error) {
	if err := a.Validate(); err != nil {
		return orb.Bound{}, err
	}
	s := g.TileSpan(a.Zoom)
	minX := g.originX + float64(a.Column)*s
	maxY := g.originY - float64(a.Row)*s
	return orb.Bound{
		Min: orb.Point{minX, maxY - s},
		Max: orb.Point{minX + s, maxY},
	}, nil
}

// MetatileBounds computes the combined projected bounding box of a whole
// metatile, enlarged by bufferPx rendered pixels on every side. The
// enlarged box is what gets handed to the renderer so that labels and
// strokes crossing metatile edges are not clipped at the seams.
func (g Grid) MetatileBounds(m Metatile, bufferPx int) orb.Bound {
	s := g.TileSpan(m.Zoom)
	buf := float64(bufferPx) * s / float64(g.tileSize)
	minX := g.originX + float64(m.Column)*s - buf
	maxY := g.originY - float64(m.Row)*s + buf
	return orb.Bound{
		Min: orb.Point{minX, maxY - float64(m.Height)*s - 2*buf},
		Max: orb.Point{minX + float64(m.Width)*s + 2*buf, maxY},
	}
}

// PixelSize is the rendered raster size for a metatile including the
// buffer margin on both sides.
func (g Grid) PixelSize(m Metatile, bufferPx int) (width, height int) {
	return m.Width*g.tileSize + 2*bufferPx, m.Height*g.tileSize + 2*bufferPx
}

// TileRange computes the inclusive row/column span of tiles at a zoom
// level that intersect the projected bounding box, clamped to the grid.
// Used by cache invalidation to expand a dirty region into addresses.
func (g Grid) TileRange(b orb.Bound, zoom int) (minRow, minCol, maxRow, maxCol int) {
	s := g.TileSpan(zoom)
	n := int64(1) << uint(zoom)

	clamp := func(v int64) int {
		if v < 0 {
			return 0
		}
		if v >= n {
			return int(n - 1)
		}
		return int(v)
	}

	minCol = clamp(int64(math.Floor((b.Min[0] - g.originX) / s)))
	maxCol = clamp(int64(math.Floor((b.Max[0] - g.originX) / s)))
	minRow = clamp(int64(math.Floor((g.originY - b.Max[1]) / s)))
	maxRow = clamp(int64(math.Floor((g.originY - b.Min[1]) / s)))
	return minRow, minCol, maxRow, maxCol
}
