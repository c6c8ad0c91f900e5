// Package router translates tile URLs into addresses and coordinator
// errors into HTTP status codes.
package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/coordinator"
	"github.com/cartogrid/tileserv/internal/core/observability"
	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/tile"
)

// Pattern is the chi route for tile requests.
const Pattern = "/tiles/{layer}/{z}/{x}/{y}.{ext}"

// retryAfterSeconds is sent with 503 responses so well-behaved clients
// back off instead of hammering a metatile that is already rendering.
const retryAfterSeconds = 5

// TileServer is the coordinator seam the router serves through.
type TileServer interface {
	Handle(ctx context.Context, a tile.Address) (coordinator.Tile, error)
}

// HandleTile parses the address out of the URL and serves the tile.
func HandleTile(logger *slog.Logger, srv TileServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		a, err := ParseAddress(r)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			observability.ObserveHTTP(r.Method, Pattern, sw.code, time.Since(start).Seconds())
			return
		}

		t, err := srv.Handle(r.Context(), a)
		if err != nil {
			writeError(sw, logger, a, err)
			observability.ObserveHTTP(r.Method, Pattern, sw.code, time.Since(start).Seconds())
			return
		}

		sw.Header().Set("Content-Type", t.ContentType)
		sw.Header().Set("Content-Length", strconv.Itoa(len(t.Bytes)))
		_, _ = sw.Write(t.Bytes)
		observability.ObserveHTTP(r.Method, Pattern, sw.code, time.Since(start).Seconds())
	}
}

// ParseAddress builds a tile address from the route params. Coordinate
// range checks live in the coordinator; this only rejects values that
// are not numbers at all.
func ParseAddress(r *http.Request) (tile.Address, error) {
	layer := chi.URLParam(r, "layer")

	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return tile.Address{}, errors.New("zoom must be an integer")
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return tile.Address{}, errors.New("column must be an integer")
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		return tile.Address{}, errors.New("row must be an integer")
	}
	format, err := tile.ParseFormat(chi.URLParam(r, "ext"))
	if err != nil {
		return tile.Address{}, err
	}

	return tile.Address{Layer: layer, Zoom: z, Row: y, Column: x, Format: format}, nil
}

func writeError(w http.ResponseWriter, logger *slog.Logger, a tile.Address, err error) {
	var (
		rerr *render.Error
		werr *cache.WriteError
	)
	switch {
	case errors.Is(err, coordinator.ErrUnknownLayer):
		http.Error(w, "unknown layer", http.StatusNotFound)
	case errors.Is(err, tile.ErrInvalidAddress):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coordinator.ErrRenderPending):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		http.Error(w, "tile is being rendered, retry shortly", http.StatusServiceUnavailable)
	case errors.As(err, &rerr):
		logger.Error("render failed", "tile", a.String(), "err", err)
		http.Error(w, "render failed", http.StatusBadGateway)
	case errors.As(err, &werr):
		logger.Error("tile write failed", "tile", a.String(), "err", err)
		http.Error(w, "cache write failed", http.StatusInternalServerError)
	default:
		logger.Error("tile request failed", "tile", a.String(), "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
