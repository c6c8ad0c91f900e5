package tile

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb/project"
	"github.com/stretchr/testify/require"
)

const eps = 1e-6

func TestMercatorZoomZeroCoversWorld(t *testing.T) {
	g, err := GridByName("spherical mercator")
	require.NoError(t, err)

	b, err := g.BoundsOf(Address{Layer: "base", Zoom: 0, Row: 0, Column: 0, Format: PNG})
	require.NoError(t, err)

	require.InDelta(t, -webMercatorHalf, b.Min[0], eps)
	require.InDelta(t, -webMercatorHalf, b.Min[1], eps)
	require.InDelta(t, webMercatorHalf, b.Max[0], eps)
	require.InDelta(t, webMercatorHalf, b.Max[1], eps)
}

func TestBoundsOfRejectsInvalid(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	_, err := g.BoundsOf(Address{Layer: "base", Zoom: 3, Row: -1, Column: 0, Format: PNG})
	require.True(t, errors.Is(err, ErrInvalidAddress))
}

// adjacent tiles share edges exactly and together tile their parent span
func TestBoundsOfAdjacency(t *testing.T) {
	g, _ := GridByName("spherical mercator")

	left, err := g.BoundsOf(Address{Layer: "base", Zoom: 5, Row: 10, Column: 11, Format: PNG})
	require.NoError(t, err)
	right, err := g.BoundsOf(Address{Layer: "base", Zoom: 5, Row: 10, Column: 12, Format: PNG})
	require.NoError(t, err)
	below, err := g.BoundsOf(Address{Layer: "base", Zoom: 5, Row: 11, Column: 11, Format: PNG})
	require.NoError(t, err)

	require.InDelta(t, left.Max[0], right.Min[0], eps)
	require.InDelta(t, left.Min[1], below.Max[1], eps)

	span := g.TileSpan(5)
	require.InDelta(t, span, left.Max[0]-left.Min[0], eps)
	require.InDelta(t, span, left.Max[1]-left.Min[1], eps)
}

func TestMetatileBoundsUnionOfMembers(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	m := MetatileOf(Address{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: PNG}, 4, 4)

	got := g.MetatileBounds(m, 0)

	union := orbBoundOf(t, g, m)
	require.InDelta(t, union.Min[0], got.Min[0], eps)
	require.InDelta(t, union.Min[1], got.Min[1], eps)
	require.InDelta(t, union.Max[0], got.Max[0], eps)
	require.InDelta(t, union.Max[1], got.Max[1], eps)
}

func TestMetatileBoundsBufferEnlarges(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	m := MetatileOf(Address{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: PNG}, 4, 4)

	plain := g.MetatileBounds(m, 0)
	buffered := g.MetatileBounds(m, 16)

	perPixel := g.TileSpan(10) / float64(g.TileSize())
	require.InDelta(t, 16*perPixel, plain.Min[0]-buffered.Min[0], eps)
	require.InDelta(t, 16*perPixel, buffered.Max[0]-plain.Max[0], eps)
	require.InDelta(t, 16*perPixel, plain.Min[1]-buffered.Min[1], eps)
	require.InDelta(t, 16*perPixel, buffered.Max[1]-plain.Max[1], eps)
}

func TestPixelSize(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	m := MetatileOf(Address{Layer: "base", Zoom: 10, Row: 100, Column: 200, Format: PNG}, 4, 2)
	w, h := g.PixelSize(m, 8)
	require.Equal(t, 4*256+16, w)
	require.Equal(t, 2*256+16, h)
}

func TestTileRangeRoundTrips(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	a := Address{Layer: "base", Zoom: 12, Row: 1500, Column: 2047, Format: PNG}
	b, err := g.BoundsOf(a)
	require.NoError(t, err)

	// shrink slightly so float edges do not bleed into neighbors
	pad := g.TileSpan(12) * 0.01
	inner := b
	inner.Min[0] += pad
	inner.Min[1] += pad
	inner.Max[0] -= pad
	inner.Max[1] -= pad

	minRow, minCol, maxRow, maxCol := g.TileRange(inner, 12)
	require.Equal(t, a.Row, minRow)
	require.Equal(t, a.Row, maxRow)
	require.Equal(t, a.Column, minCol)
	require.Equal(t, a.Column, maxCol)
}

func TestTileRangeClampsToGrid(t *testing.T) {
	g, _ := GridByName("spherical mercator")
	huge := g.MetatileBounds(Metatile{Layer: "base", Zoom: 0, Width: 1, Height: 1}, 64)
	minRow, minCol, maxRow, maxCol := g.TileRange(huge, 3)
	require.Equal(t, 0, minRow)
	require.Equal(t, 0, minCol)
	require.Equal(t, 7, maxRow)
	require.Equal(t, 7, maxCol)
}

func TestGridByNameUnknown(t *testing.T) {
	_, err := GridByName("martian polar")
	require.Error(t, err)
}

func orbBoundOf(t *testing.T, g Grid, m Metatile) (union orbBound) {
	t.Helper()
	union.Min = [2]float64{math.Inf(1), math.Inf(1)}
	union.Max = [2]float64{math.Inf(-1), math.Inf(-1)}
	for _, a := range m.Tiles(PNG) {
		b, err := g.BoundsOf(a)
		require.NoError(t, err)
		union.Min[0] = math.Min(union.Min[0], b.Min[0])
		union.Min[1] = math.Min(union.Min[1], b.Min[1])
		union.Max[0] = math.Max(union.Max[0], b.Max[0])
		union.Max[1] = math.Max(union.Max[1], b.Max[1])
	}
	return union
}

type orbBound struct {
	Min [2]float64
	Max [2]float64
}

// our grid math must agree with orb/maptile for the standard web
// mercator pyramid
func TestBoundsOfMatchesMaptile(t *testing.T) {
	g, err := GridByName("spherical mercator")
	require.NoError(t, err)

	addrs := []Address{
		{Layer: "base", Zoom: 0, Row: 0, Column: 0, Format: PNG},
		{Layer: "base", Zoom: 5, Row: 11, Column: 17, Format: PNG},
		{Layer: "base", Zoom: 12, Row: 2048, Column: 1024, Format: PNG},
	}
	for _, a := range addrs {
		got, err := g.BoundsOf(a)
		require.NoError(t, err)

		want := project.Bound(a.MapTile().Bound(), project.WGS84.ToMercator)
		// sub-millimeter agreement is plenty at planet scale
		require.InDelta(t, want.Min[0], got.Min[0], 1e-3, "min x of %s", a)
		require.InDelta(t, want.Min[1], got.Min[1], 1e-3, "min y of %s", a)
		require.InDelta(t, want.Max[0], got.Max[0], 1e-3, "max x of %s", a)
		require.InDelta(t, want.Max[1], got.Max[1], 1e-3, "max y of %s", a)
	}
}
