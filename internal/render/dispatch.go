package render

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/tile"
)

// Dispatcher orchestrates a metatile render end to end: compute the
// buffered bounds, invoke the renderer once, slice the output, persist
// every in-range member tile. One render pays for up to Width*Height
// future requests.
type Dispatcher struct {
	renderer Renderer
	facade   *cache.Facade
	grid     tile.Grid
	bufferPx int
	log      *slog.Logger
}

func NewDispatcher(r Renderer, f *cache.Facade, g tile.Grid, bufferPx int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if bufferPx < 0 {
		bufferPx = 0
	}
	return &Dispatcher{renderer: r, facade: f, grid: g, bufferPx: bufferPx, log: log}
}

// Result reports a metatile render from the requester's point of view.
type Result struct {
	// Primary is the requested tile's payload straight from the render
	// buffer, available even when its cache write failed.
	Primary []byte
	// PrimaryWriteErr is the cache write failure for the requested tile
	// itself. Sibling write failures are only logged and counted.
	PrimaryWriteErr error
	TilesWritten    int
}

// RenderMetatile runs one render for the metatile owning primary. The
// caller holds the metatile lock; releasing it in every outcome is the
// caller's responsibility.
func (d *Dispatcher) RenderMetatile(ctx context.Context, m tile.Metatile, primary tile.Address) (Result, error) {
	req := Request{
		Bounds: d.grid.MetatileBounds(m, d.bufferPx),
		Format: primary.Format,
	}
	req.Width, req.Height = d.grid.PixelSize(m, d.bufferPx)

	start := time.Now()
	buf, err := d.renderer.Render(ctx, req)
	observability.ObserveRender(m.Layer, err, time.Since(start).Seconds())
	if err != nil {
		var rerr *Error
		if !errors.As(err, &rerr) {
			err = &Error{Reason: "renderer", Err: err}
		}
		return Result{}, err
	}

	tiles, err := d.split(buf, m, primary.Format)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for a, payload := range tiles {
		if a == primary {
			res.Primary = payload
		}
		if err := d.facade.Put(ctx, a, payload); err != nil {
			if a == primary {
				res.PrimaryWriteErr = err
				continue
			}
			// sibling write failures never fail the response
			observability.IncSiblingWriteFailure(m.Layer)
			d.log.Warn("sibling tile write failed", "tile", a.String(), "err", err)
			continue
		}
		res.TilesWritten++
	}
	observability.AddTilesWritten(m.Layer, res.TilesWritten)
	return res, nil
}

// split turns the raw render buffer into per-tile payloads. Vector
// output is not pixel-addressable, so vector metatiles are always 1x1
// and pass through whole; the registry enforces that geometry.
func (d *Dispatcher) split(buf []byte, m tile.Metatile, format tile.Format) (map[tile.Address][]byte, error) {
	if format.Vector() {
		tiles := m.Tiles(format)
		if len(tiles) != 1 {
			return nil, &Error{Reason: "vector metatile larger than 1x1"}
		}
		return map[tile.Address][]byte{tiles[0]: buf}, nil
	}
	return sliceRaster(buf, m, d.grid.TileSize(), d.bufferPx, format)
}
