// Package flat renders solid-color metatiles. Useful for smoke-testing
// a configuration before the real upstream exists, and as the renderer
// stub in coordinator tests.
package flat

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/cartogrid/tileserv/internal/render"
)

type Renderer struct {
	fill color.RGBA
}

// New parses a #rrggbb fill color; empty means opaque white.
func New(hexColor string) (*Renderer, error) {
	c := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	if hexColor != "" {
		var r, g, b uint8
		if _, err := fmt.Sscanf(hexColor, "#%02x%02x%02x", &r, &g, &b); err != nil {
			return nil, fmt.Errorf("parse fill color %q: %w", hexColor, err)
		}
		c = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return &Renderer{fill: c}, nil
}

func (f *Renderer) Render(_ context.Context, req render.Request) ([]byte, error) {
	if req.Format.Vector() {
		return nil, &render.Error{Reason: fmt.Sprintf("flat cannot render %q", req.Format)}
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, &render.Error{Reason: fmt.Sprintf("bad raster size %dx%d", req.Width, req.Height)}
	}
	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	for y := 0; y < req.Height; y++ {
		for x := 0; x < req.Width; x++ {
			img.SetRGBA(x, y, f.fill)
		}
	}
	var b bytes.Buffer
	if err := png.Encode(&b, img); err != nil {
		return nil, &render.Error{Reason: "encode", Err: err}
	}
	return b.Bytes(), nil
}

var _ render.Renderer = (*Renderer)(nil)
