package wms

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/paulmach/orb"

	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/tile"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := png.Encode(&b, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b.Bytes()
}

func TestRenderBuildsGetMapAndReturnsBody(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 512, 512))
	}))
	defer srv.Close()

	r, err := New(Params{URL: srv.URL, Layers: "topp:states", Transparent: true}, srv.Client(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := r.Render(context.Background(), render.Request{
		Bounds: orb.Bound{Min: orb.Point{-100, -50}, Max: orb.Point{100, 50}},
		Width:  512, Height: 512,
		Format: tile.PNG,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("empty render output")
	}

	if gotQuery["REQUEST"] != "GetMap" || gotQuery["SERVICE"] != "WMS" {
		t.Fatalf("not a GetMap request: %v", gotQuery)
	}
	if gotQuery["LAYERS"] != "topp:states" {
		t.Fatalf("LAYERS=%q", gotQuery["LAYERS"])
	}
	if gotQuery["SRS"] != "EPSG:3857" {
		t.Fatalf("SRS=%q, want default EPSG:3857", gotQuery["SRS"])
	}
	if w, _ := strconv.Atoi(gotQuery["WIDTH"]); w != 512 {
		t.Fatalf("WIDTH=%q", gotQuery["WIDTH"])
	}
	if gotQuery["TRANSPARENT"] != "TRUE" {
		t.Fatalf("TRANSPARENT=%q", gotQuery["TRANSPARENT"])
	}
	if gotQuery["BBOX"] == "" {
		t.Fatal("BBOX missing")
	}
}

func TestRenderSurfacesServiceException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		_, _ = w.Write([]byte(`<ServiceExceptionReport>layer not found</ServiceExceptionReport>`))
	}))
	defer srv.Close()

	r, _ := New(Params{URL: srv.URL, Layers: "missing"}, srv.Client(), nil)
	_, err := r.Render(context.Background(), render.Request{Width: 256, Height: 256, Format: tile.PNG})
	var rerr *render.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("want render.Error, got %v", err)
	}
}

func TestRenderSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r, _ := New(Params{URL: srv.URL, Layers: "l"}, srv.Client(), nil)
	_, err := r.Render(context.Background(), render.Request{Width: 256, Height: 256, Format: tile.PNG})
	var rerr *render.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("want render.Error, got %v", err)
	}
}

func TestRenderRejectsVectorFormats(t *testing.T) {
	r, _ := New(Params{URL: "http://example.invalid/wms", Layers: "l"}, nil, nil)
	_, err := r.Render(context.Background(), render.Request{Width: 256, Height: 256, Format: tile.GeoJSON})
	var rerr *render.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("want render.Error, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Params{Layers: "l"}, nil, nil); err == nil {
		t.Fatal("missing URL must fail")
	}
	if _, err := New(Params{URL: "http://x/wms"}, nil, nil); err == nil {
		t.Fatal("missing Layers must fail")
	}
}
