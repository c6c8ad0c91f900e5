// Package invalidation defines the cache invalidation event format and
// the expansion of one event into the cached tiles it covers.
package invalidation

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/cartogrid/tileserv/internal/tile"
)

// Event is one upstream data change. Producers publish it when source
// features move or change; consumers drop every cached tile whose
// extent intersects the bounding box, within the event's zoom range.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Layer   string    `json:"layer"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
	BBox    BBox      `json:"bbox"`

	// MinZoom and MaxZoom restrict the affected zoom range; nil means
	// unrestricted on that side.
	MinZoom *int `json:"min_zoom,omitempty"`
	MaxZoom *int `json:"max_zoom,omitempty"`
}

// BBox is a geographic extent in EPSG:4326 lon/lat.
type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	bb := e.BBox
	if bb.SRID != "EPSG:4326" {
		return fmt.Errorf("bbox.srid must be EPSG:4326")
	}
	if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
		return fmt.Errorf("bbox longitude out of range")
	}
	if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
		return fmt.Errorf("bbox latitude out of range")
	}
	if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
		return fmt.Errorf("bbox must satisfy x2>x1 and y2>y1")
	}
	if e.MinZoom != nil && *e.MinZoom < 0 {
		return fmt.Errorf("min_zoom must be non-negative")
	}
	if e.MinZoom != nil && e.MaxZoom != nil && *e.MaxZoom < *e.MinZoom {
		return fmt.Errorf("max_zoom must be >= min_zoom")
	}
	return nil
}

// Mercator projects the event's geographic bbox into the spherical
// mercator plane the tile grids address.
func (e Event) Mercator() orb.Bound {
	b := orb.Bound{
		Min: orb.Point{e.BBox.X1, e.BBox.Y1},
		Max: orb.Point{e.BBox.X2, e.BBox.Y2},
	}
	return project.Bound(b, project.WGS84.ToMercator)
}

// ZoomRange intersects the event's zoom restriction with a layer's
// served range. ok is false when the intersection is empty.
func (e Event) ZoomRange(layerMin, layerMax int) (min, max int, ok bool) {
	min, max = layerMin, layerMax
	if e.MinZoom != nil && *e.MinZoom > min {
		min = *e.MinZoom
	}
	if e.MaxZoom != nil && *e.MaxZoom < max {
		max = *e.MaxZoom
	}
	return min, max, min <= max
}

// maxTilesPerEvent caps the expansion of one event. Zoom levels whose
// tile range alone exceeds the cap are skipped: at those depths the
// cache is better served by TTL expiry than by a multi-million key
// delete storm.
const maxTilesPerEvent = 100_000

// Tiles expands the event into concrete cache addresses for one layer's
// grid, across every serving format.
func Tiles(e Event, g tile.Grid, layerName string, minZoom, maxZoom int) []tile.Address {
	bound := e.Mercator()
	formats := []tile.Format{tile.PNG, tile.JPEG, tile.PBF, tile.GeoJSON}

	var out []tile.Address
	for z := minZoom; z <= maxZoom; z++ {
		minRow, minCol, maxRow, maxCol := g.TileRange(bound, z)
		count := (maxRow - minRow + 1) * (maxCol - minCol + 1) * len(formats)
		if count < 0 || len(out)+count > maxTilesPerEvent {
			break
		}
		for row := minRow; row <= maxRow; row++ {
			for col := minCol; col <= maxCol; col++ {
				for _, f := range formats {
					out = append(out, tile.Address{
						Layer:  layerName,
						Zoom:   z,
						Row:    row,
						Column: col,
						Format: f,
					})
				}
			}
		}
	}
	return out
}
