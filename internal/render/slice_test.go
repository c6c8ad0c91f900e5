package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/cartogrid/tileserv/internal/tile"
)

// paints each tile cell of a metatile raster a distinct color, with a
// sentinel color in the buffer margin.
func paintMetatile(m tile.Metatile, tileSize, bufferPx int) []byte {
	w := m.Width*tileSize + 2*bufferPx
	h := m.Height*tileSize + 2*bufferPx
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	margin := color.RGBA{R: 255, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, margin)
		}
	}
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			c := cellColor(row, col)
			for y := 0; y < tileSize; y++ {
				for x := 0; x < tileSize; x++ {
					img.Set(bufferPx+col*tileSize+x, bufferPx+row*tileSize+y, c)
				}
			}
		}
	}
	var b bytes.Buffer
	_ = png.Encode(&b, img)
	return b.Bytes()
}

func cellColor(row, col int) color.RGBA {
	return color.RGBA{G: uint8(10 + 20*row), B: uint8(10 + 20*col), A: 255}
}

func TestSliceRasterReproducesTileGrid(t *testing.T) {
	m := tile.MetatileOf(tile.Address{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: tile.PNG}, 4, 4)
	const tileSize, bufferPx = 64, 16

	tiles, err := sliceRaster(paintMetatile(m, tileSize, bufferPx), m, tileSize, bufferPx, tile.PNG)
	if err != nil {
		t.Fatalf("sliceRaster: %v", err)
	}
	if len(tiles) != 16 {
		t.Fatalf("got %d tiles, want 16", len(tiles))
	}

	for a, payload := range tiles {
		img, err := png.Decode(bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("tile %v: decode: %v", a, err)
		}
		b := img.Bounds()
		if b.Dx() != tileSize || b.Dy() != tileSize {
			t.Fatalf("tile %v: size %dx%d, want %dx%d", a, b.Dx(), b.Dy(), tileSize, tileSize)
		}
		want := cellColor(a.Row-m.Row, a.Column-m.Column)
		for _, pt := range []image.Point{
			{b.Min.X, b.Min.Y},
			{b.Max.X - 1, b.Max.Y - 1},
			{b.Min.X + tileSize/2, b.Min.Y + tileSize/2},
		} {
			r, g, bb, _ := img.At(pt.X, pt.Y).RGBA()
			if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(bb>>8) != want.B {
				t.Fatalf("tile %v: pixel %v = (%d,%d,%d), want %v (buffer margin leaked in?)",
					a, pt, r>>8, g>>8, bb>>8, want)
			}
		}
	}
}

func TestSliceRasterDiscardsOffGridMembers(t *testing.T) {
	// zoom 1 grid is 2x2, so a 4x4 metatile keeps only 4 members
	m := tile.MetatileOf(tile.Address{Layer: "base", Zoom: 1, Row: 0, Column: 0, Format: tile.PNG}, 4, 4)
	const tileSize, bufferPx = 32, 0

	tiles, err := sliceRaster(paintMetatile(m, tileSize, bufferPx), m, tileSize, bufferPx, tile.PNG)
	if err != nil {
		t.Fatalf("sliceRaster: %v", err)
	}
	if len(tiles) != 4 {
		t.Fatalf("got %d tiles, want 4", len(tiles))
	}
}

func TestSliceRasterRejectsShortBuffer(t *testing.T) {
	m := tile.MetatileOf(tile.Address{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: tile.PNG}, 2, 2)
	small := paintMetatile(tile.Metatile{Layer: "base", Zoom: 10, Row: 100, Column: 200, Width: 1, Height: 1}, 32, 0)

	_, err := sliceRaster(small, m, 32, 0, tile.PNG)
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("want render Error, got %v", err)
	}
}

func TestSliceRasterRejectsGarbage(t *testing.T) {
	m := tile.MetatileOf(tile.Address{Layer: "base", Zoom: 3, Row: 0, Column: 0, Format: tile.PNG}, 1, 1)
	_, err := sliceRaster([]byte("not an image"), m, 32, 0, tile.PNG)
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("want render Error, got %v", err)
	}
}

func TestSliceRasterJPEGOutput(t *testing.T) {
	m := tile.MetatileOf(tile.Address{Layer: "photo", Zoom: 5, Row: 8, Column: 8, Format: tile.JPEG}, 2, 2)
	tiles, err := sliceRaster(paintMetatile(m, 32, 0), m, 32, 0, tile.JPEG)
	if err != nil {
		t.Fatalf("sliceRaster: %v", err)
	}
	for a, payload := range tiles {
		if a.Format != tile.JPEG {
			t.Fatalf("tile %v: format %q", a, a.Format)
		}
		if _, _, err := image.Decode(bytes.NewReader(payload)); err != nil {
			t.Fatalf("tile %v: not a decodable jpeg: %v", a, err)
		}
	}
}
