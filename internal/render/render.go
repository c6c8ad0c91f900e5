// Package render defines the renderer capability contract and the
// dispatcher that turns one metatile render into many cached tiles.
package render

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/cartogrid/tileserv/internal/tile"
)

// Request describes one render pass: the buffered projected bounding
// box of a whole metatile and the raster size to produce. For vector
// formats the renderer returns encoded features for the bounds and
// Width/Height are advisory.
type Request struct {
	Bounds orb.Bound
	Width  int
	Height int
	Format tile.Format
}

// Renderer is the capability contract a rendering plugin implements.
// The returned buffer is one opaque image or vector blob covering the
// whole request; the dispatcher slices it.
type Renderer interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

// Error is a renderer-side failure (timeout, malformed data source,
// unsupported format). The lock is released and nothing is written, so
// a fresh request simply re-attempts the render.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render failed: %s: %v", e.Reason, e.Err)
	}
	return "render failed: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }
