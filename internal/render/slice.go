package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/cartogrid/tileserv/internal/tile"
)

const jpegQuality = 90

// sliceRaster cuts a rendered metatile buffer into its member tiles,
// cropping out the buffer margin. The cut grid reproduces exactly the
// pixel grid a direct single-tile render would have produced; the
// margin exists so anti-aliasing at the cuts matches tile interiors.
// Members that fall off the zoom grid are absent from the result.
func sliceRaster(buf []byte, m tile.Metatile, tileSize, bufferPx int, format tile.Format) (map[tile.Address][]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, &Error{Reason: "undecodable render output", Err: err}
	}

	wantW := m.Width*tileSize + 2*bufferPx
	wantH := m.Height*tileSize + 2*bufferPx
	got := img.Bounds()
	if got.Dx() < wantW || got.Dy() < wantH {
		return nil, &Error{Reason: fmt.Sprintf("render output %dx%d smaller than %dx%d", got.Dx(), got.Dy(), wantW, wantH)}
	}

	out := make(map[tile.Address][]byte, m.Width*m.Height)
	for _, a := range m.Tiles(format) {
		x0 := got.Min.X + bufferPx + (a.Column-m.Column)*tileSize
		y0 := got.Min.Y + bufferPx + (a.Row-m.Row)*tileSize
		rect := image.Rect(x0, y0, x0+tileSize, y0+tileSize)

		sub := crop(img, rect, tileSize)
		enc, err := encodeTile(sub, a.Format)
		if err != nil {
			return nil, &Error{Reason: "encode tile", Err: err}
		}
		out[a] = enc
	}
	return out, nil
}

// crop returns the rect as a standalone image anchored at the origin.
func crop(img image.Image, rect image.Rectangle, tileSize int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

func encodeTile(img image.Image, format tile.Format) ([]byte, error) {
	var b bytes.Buffer
	switch format {
	case tile.JPEG:
		if err := jpeg.Encode(&b, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, err
		}
	default:
		if err := png.Encode(&b, img); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}
