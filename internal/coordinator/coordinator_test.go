package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cartogrid/tileserv/internal/cache"
	"github.com/cartogrid/tileserv/internal/render"
	"github.com/cartogrid/tileserv/internal/tile"
)

// memProvider is a plain map-backed provider for exercising the
// coordinator without a real backend.
type memProvider struct {
	mu      sync.Mutex
	store   map[string]cache.Record
	failPut func(key string) error
}

func newMemProvider() *memProvider {
	return &memProvider{store: map[string]cache.Record{}}
}

func (p *memProvider) Get(_ context.Context, key string) (cache.Record, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.store[key]
	return rec, ok, nil
}

func (p *memProvider) Put(_ context.Context, key string, rec cache.Record, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPut != nil {
		if err := p.failPut(key); err != nil {
			return err
		}
	}
	p.store[key] = rec
	return nil
}

func (p *memProvider) Delete(_ context.Context, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.store, k)
	}
	return nil
}

func (p *memProvider) Close() error { return nil }

// countingRenderer paints a solid raster of the requested size and
// counts invocations; delay and err simulate slow and broken sources.
type countingRenderer struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (r *countingRenderer) Render(ctx context.Context, req render.Request) ([]byte, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	img := image.NewRGBA(image.Rect(0, 0, req.Width, req.Height))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type mapResolver map[string]*LayerRuntime

func (m mapResolver) Resolve(name string) (*LayerRuntime, error) {
	l, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return l, nil
}

func newTestLayer(t *testing.T, r render.Renderer, p cache.Provider) *LayerRuntime {
	t.Helper()
	g, err := tile.GridByName("spherical mercator")
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	facade := cache.NewFacade(p, 0, nil)
	return &LayerRuntime{
		Name:       "roads",
		Grid:       g,
		MetaWidth:  4,
		MetaHeight: 4,
		BufferPx:   0,
		MinZoom:    0,
		MaxZoom:    18,
		Cache:      facade,
		Dispatch:   render.NewDispatcher(r, facade, g, 0, nil),
		Locks:      NewLockTable(nil, time.Minute),
	}
}

func testAddr(row, col int) tile.Address {
	return tile.Address{Layer: "roads", Zoom: 10, Row: row, Column: col, Format: tile.PNG}
}

func TestHandleRendersOnMiss(t *testing.T) {
	r := &countingRenderer{}
	l := newTestLayer(t, r, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{}, nil)

	got, err := c.Handle(context.Background(), testAddr(101, 202))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(got.Bytes) == 0 {
		t.Fatal("empty tile payload")
	}
	if got.ContentType != "image/png" {
		t.Fatalf("content type = %q", got.ContentType)
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("renderer calls = %d, want 1", n)
	}
}

func TestHandleCacheHitSkipsRender(t *testing.T) {
	r := &countingRenderer{}
	l := newTestLayer(t, r, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{}, nil)

	a := testAddr(101, 202)
	if _, err := c.Handle(context.Background(), a); err != nil {
		t.Fatalf("priming Handle: %v", err)
	}
	if _, err := c.Handle(context.Background(), a); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("renderer calls = %d, want 1", n)
	}
}

// Sixteen concurrent requests spread across one 4x4 metatile must
// collapse into a single render pass.
func TestHandleSingleFlightAcrossMetatile(t *testing.T) {
	r := &countingRenderer{delay: 50 * time.Millisecond}
	l := newTestLayer(t, r, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{PollInterval: 5 * time.Millisecond}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for row := 100; row < 104; row++ {
		for col := 200; col < 204; col++ {
			wg.Add(1)
			go func(row, col int) {
				defer wg.Done()
				got, err := c.Handle(context.Background(), testAddr(row, col))
				if err != nil {
					errs <- fmt.Errorf("tile %d/%d: %w", row, col, err)
					return
				}
				if len(got.Bytes) == 0 {
					errs <- fmt.Errorf("tile %d/%d: empty payload", row, col)
				}
			}(row, col)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("renderer calls = %d, want 1", n)
	}
}

func TestHandleUnknownLayer(t *testing.T) {
	c := New(mapResolver{}, Options{}, nil)
	_, err := c.Handle(context.Background(), testAddr(101, 202))
	if !errors.Is(err, ErrUnknownLayer) {
		t.Fatalf("err = %v, want ErrUnknownLayer", err)
	}
}

func TestHandleInvalidAddress(t *testing.T) {
	l := newTestLayer(t, &countingRenderer{}, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{}, nil)

	bad := tile.Address{Layer: "roads", Zoom: 10, Row: 5000, Column: 0, Format: tile.PNG}
	if _, err := c.Handle(context.Background(), bad); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Fatalf("out-of-grid err = %v, want ErrInvalidAddress", err)
	}

	deep := tile.Address{Layer: "roads", Zoom: 22, Row: 0, Column: 0, Format: tile.PNG}
	if _, err := c.Handle(context.Background(), deep); !errors.Is(err, tile.ErrInvalidAddress) {
		t.Fatalf("zoom-bound err = %v, want ErrInvalidAddress", err)
	}
}

func TestHandleRenderFailureReleasesLock(t *testing.T) {
	r := &countingRenderer{err: &render.Error{Reason: "source offline"}}
	l := newTestLayer(t, r, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{}, nil)

	a := testAddr(101, 202)
	_, err := c.Handle(context.Background(), a)
	var rerr *render.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want render.Error", err)
	}

	// the lock must be free again: a recovered source renders at once
	r.err = nil
	if _, err := c.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle after recovery: %v", err)
	}
	if n := r.calls.Load(); n != 2 {
		t.Fatalf("renderer calls = %d, want 2", n)
	}
}

func TestHandlePrimaryWriteFailure(t *testing.T) {
	p := newMemProvider()
	p.failPut = func(string) error { return errors.New("disk full") }
	l := newTestLayer(t, &countingRenderer{}, p)
	c := New(mapResolver{"roads": l}, Options{}, nil)

	_, err := c.Handle(context.Background(), testAddr(101, 202))
	var werr *cache.WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want cache.WriteError", err)
	}
}

func TestHandlePendingAfterWaitTimeout(t *testing.T) {
	l := newTestLayer(t, &countingRenderer{}, newMemProvider())
	c := New(mapResolver{"roads": l}, Options{
		WaitTimeout:  60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  1,
	}, nil)

	a := testAddr(101, 202)
	lease, ok, err := l.Locks.Acquire(context.Background(), l.MetatileOf(a))
	if err != nil || !ok {
		t.Fatalf("pre-hold lock: ok=%v err=%v", ok, err)
	}
	defer l.Locks.Release(context.Background(), lease)

	if _, err := c.Handle(context.Background(), a); !errors.Is(err, ErrRenderPending) {
		t.Fatalf("err = %v, want ErrRenderPending", err)
	}
}

func TestHandleVectorMetatileIsSingleTile(t *testing.T) {
	l := newTestLayer(t, &countingRenderer{}, newMemProvider())
	a := tile.Address{Layer: "roads", Zoom: 10, Row: 101, Column: 202, Format: tile.PBF}
	m := l.MetatileOf(a)
	if m.Width != 1 || m.Height != 1 {
		t.Fatalf("vector metatile = %dx%d, want 1x1", m.Width, m.Height)
	}
	if m.Row != a.Row || m.Column != a.Column {
		t.Fatalf("vector metatile anchored at %d/%d, want %d/%d", m.Row, m.Column, a.Row, a.Column)
	}
}
