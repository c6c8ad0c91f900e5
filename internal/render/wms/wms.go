// Package wms renders metatiles by proxying a WMS GetMap request to an
// upstream map server (GeoServer, MapServer, anything speaking WMS
// 1.1.1 with EPSG:3857 bounding boxes).
package wms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/tile"
)

// Params configures one WMS-backed layer.
type Params struct {
	// URL is the WMS endpoint, e.g. http://host/geoserver/wms.
	URL string
	// Layers is the upstream LAYERS parameter (comma separated).
	Layers string
	// Styles is optional; empty requests the default style.
	Styles string
	// SRS defaults to EPSG:3857 to match the tile grid.
	SRS string
	// Transparent requests a transparent background for PNG output.
	Transparent bool
	// Timeout bounds one GetMap call; zero uses the client timeout.
	Timeout time.Duration
}

type Renderer struct {
	params Params
	base   *url.URL
	client *http.Client
	log    *slog.Logger
}

func New(p Params, client *http.Client, log *slog.Logger) (*Renderer, error) {
	if p.URL == "" {
		return nil, fmt.Errorf("wms url is required")
	}
	if p.Layers == "" {
		return nil, fmt.Errorf("wms layers is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse wms url: %w", err)
	}
	if p.SRS == "" {
		p.SRS = "EPSG:3857"
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{params: p, base: u, client: client, log: log}, nil
}

func (r *Renderer) Render(ctx context.Context, req render.Request) ([]byte, error) {
	if req.Format.Vector() {
		return nil, &render.Error{Reason: fmt.Sprintf("wms cannot render %q", req.Format)}
	}
	if r.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.params.Timeout)
		defer cancel()
	}

	u := *r.base
	u.RawQuery = r.getMapParams(req).Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &render.Error{Reason: "build getmap request", Err: err}
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &render.Error{Reason: "wms getmap", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &render.Error{Reason: "read getmap response", Err: err}
	}
	r.log.Debug("wms getmap done",
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start).String())

	if resp.StatusCode != http.StatusOK {
		return nil, &render.Error{Reason: fmt.Sprintf("wms status %d", resp.StatusCode)}
	}
	// WMS reports errors as XML bodies with a 200 status
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "xml") || strings.Contains(ct, "html") {
		return nil, &render.Error{Reason: "wms service exception: " + truncate(string(body), 200)}
	}
	return body, nil
}

func (r *Renderer) getMapParams(req render.Request) url.Values {
	v := url.Values{}
	v.Set("SERVICE", "WMS")
	v.Set("VERSION", "1.1.1")
	v.Set("REQUEST", "GetMap")
	v.Set("LAYERS", r.params.Layers)
	v.Set("STYLES", r.params.Styles)
	v.Set("SRS", r.params.SRS)
	v.Set("BBOX", fmt.Sprintf("%f,%f,%f,%f",
		req.Bounds.Min[0], req.Bounds.Min[1], req.Bounds.Max[0], req.Bounds.Max[1]))
	v.Set("WIDTH", strconv.Itoa(req.Width))
	v.Set("HEIGHT", strconv.Itoa(req.Height))
	v.Set("FORMAT", formatMime(req.Format))
	if r.params.Transparent && req.Format == tile.PNG {
		v.Set("TRANSPARENT", "TRUE")
	}
	return v
}

func formatMime(f tile.Format) string {
	if f == tile.JPEG {
		return "image/jpeg"
	}
	return "image/png"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
