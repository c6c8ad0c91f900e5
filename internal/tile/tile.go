// Package tile defines tile and metatile addressing for the server.
//
// A tile is addressed by (layer, zoom, row, column, format). Rows grow
// downward from the grid origin, columns grow rightward, matching the
// usual XYZ scheme where row == y and column == x. A metatile is an
// axis-aligned group of tiles rendered in one pass; its dimensions are
// powers of two fixed per layer.
package tile

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// ErrInvalidAddress marks a tile address that cannot exist on the grid:
// negative zoom, row/column outside the zoom level, unknown format.
var ErrInvalidAddress = errors.New("invalid tile address")

// MaxZoom is the deepest zoom level the grid math supports.
const MaxZoom = 30

// Format identifies the encoding of a tile payload.
type Format string

const (
	PNG     Format = "png"
	JPEG    Format = "jpg"
	PBF     Format = "pbf"
	GeoJSON Format = "geojson"
)

// ParseFormat maps a file extension (without dot) to a Format.
func ParseFormat(ext string) (Format, error) {
	switch ext {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "pbf", "mvt":
		return PBF, nil
	case "geojson", "json":
		return GeoJSON, nil
	}
	return "", fmt.Errorf("%w: unknown format %q", ErrInvalidAddress, ext)
}

// Vector reports whether the format carries vector data rather than pixels.
// Vector layers do not metatile: their render output cannot be sliced by
// pixel geometry, so they always render one tile at a time.
func (f Format) Vector() bool {
	return f == PBF || f == GeoJSON
}

func (f Format) ContentType() string {
	switch f {
	case PNG:
		return "image/png"
	case JPEG:
		return "image/jpeg"
	case PBF:
		return "application/x-protobuf"
	case GeoJSON:
		return "application/json"
	}
	return "application/octet-stream"
}

// Address identifies a single tile. Immutable value, created per request.
type Address struct {
	Layer  string
	Zoom   int
	Row    int
	Column int
	Format Format
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", a.Layer, a.Zoom, a.Column, a.Row, a.Format)
}

// Validate checks the address against the grid. The grid at zoom z is
// 2^z tiles on a side.
func (a Address) Validate() error {
	if a.Zoom < 0 || a.Zoom > MaxZoom {
		return fmt.Errorf("%w: zoom %d out of range", ErrInvalidAddress, a.Zoom)
	}
	n := int64(1) << uint(a.Zoom)
	if a.Row < 0 || int64(a.Row) >= n {
		return fmt.Errorf("%w: row %d out of range at zoom %d", ErrInvalidAddress, a.Row, a.Zoom)
	}
	if a.Column < 0 || int64(a.Column) >= n {
		return fmt.Errorf("%w: column %d out of range at zoom %d", ErrInvalidAddress, a.Column, a.Zoom)
	}
	switch a.Format {
	case PNG, JPEG, PBF, GeoJSON:
	default:
		return fmt.Errorf("%w: format %q", ErrInvalidAddress, a.Format)
	}
	return nil
}

// MapTile converts a valid address to its maptile equivalent (x=column, y=row).
func (a Address) MapTile() maptile.Tile {
	return maptile.New(uint32(a.Column), uint32(a.Row), maptile.Zoom(a.Zoom))
}

// Metatile identifies an aligned group of tiles rendered together.
// Row and Column are the coordinates of the top-left member tile and are
// always multiples of Height and Width respectively.
type Metatile struct {
	Layer  string
	Zoom   int
	Row    int
	Column int
	Width  int
	Height int
}

// MetatileOf computes the metatile owning the given address for a layer
// whose metatile is width x height tiles. Every address maps to exactly
// one metatile for a fixed geometry.
func MetatileOf(a Address, width, height int) Metatile {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return Metatile{
		Layer:  a.Layer,
		Zoom:   a.Zoom,
		Row:    (a.Row / height) * height,
		Column: (a.Column / width) * width,
		Width:  width,
		Height: height,
	}
}

// Key returns a stable string identity for lock coordination.
func (m Metatile) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d/%dx%d", m.Layer, m.Zoom, m.Column, m.Row, m.Width, m.Height)
}

// Contains reports whether the address falls inside this metatile.
func (m Metatile) Contains(a Address) bool {
	return a.Layer == m.Layer && a.Zoom == m.Zoom &&
		a.Row >= m.Row && a.Row < m.Row+m.Height &&
		a.Column >= m.Column && a.Column < m.Column+m.Width
}

// Tiles enumerates the member addresses in row-major order, skipping
// members that fall off the edge of the zoom grid. A metatile at the
// grid edge therefore yields fewer than Width*Height addresses.
func (m Metatile) Tiles(format Format) []Address {
	n := int64(1) << uint(m.Zoom)
	out := make([]Address, 0, m.Width*m.Height)
	for r := m.Row; r < m.Row+m.Height; r++ {
		if int64(r) >= n {
			break
		}
		for c := m.Column; c < m.Column+m.Width; c++ {
			if int64(c) >= n {
				break
			}
			out = append(out, Address{Layer: m.Layer, Zoom: m.Zoom, Row: r, Column: c, Format: format})
		}
	}
	return out
}
