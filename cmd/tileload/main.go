// tileload generates tile request load against a running server, with
// a Zipf-skewed pool of tile addresses so a fraction of metatiles stay
// hot the way real map traffic does. Samples go to CSV, the aggregate
// to JSON.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/cartogrid/tileserv/internal/tile"
)

type Config struct {
	BaseURL         string
	LayerName       string
	Format          string
	MinZoom         int
	MaxZoom         int
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	PoolSize        int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "tile server base URL")
	flag.StringVar(&cfg.LayerName, "layer", "roads", "layer name")
	flag.StringVar(&cfg.Format, "format", "png", "tile format extension")
	flag.IntVar(&cfg.MinZoom, "min-zoom", 8, "lowest zoom in the pool")
	flag.IntVar(&cfg.MaxZoom, "max-zoom", 14, "highest zoom in the pool")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.PoolSize, "tiles", 512, "distinct tiles in the pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tileload", "output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "append timestamp to output prefix")
	flag.Parse()
	return cfg
}

// makePool builds tile addresses clustered around a few city centers,
// so neighboring requests land in the same metatiles, plus a random
// long tail across the world.
func makePool(cfg Config, g tile.Grid, r *rand.Rand) []tile.Address {
	centers := []orb.Point{
		{18.0686, 59.3293},  // Stockholm
		{11.9746, 57.7089},  // Göteborg
		{-0.1276, 51.5072},  // London
		{-73.9857, 40.7484}, // New York
		{139.6917, 35.6895}, // Tokyo
	}

	format, err := tile.ParseFormat(cfg.Format)
	if err != nil {
		log.Fatalf("format: %v", err)
	}

	addrAt := func(p orb.Point, zoom int) tile.Address {
		merc := project.Point(p, project.WGS84.ToMercator)
		b := orb.Bound{Min: merc, Max: merc}
		row, col, _, _ := g.TileRange(b, zoom)
		return tile.Address{Layer: cfg.LayerName, Zoom: zoom, Row: row, Column: col, Format: format}
	}

	pool := make([]tile.Address, 0, cfg.PoolSize)

	hot := int(math.Max(8, float64(cfg.PoolSize/4)))
	for i := 0; i < hot; i++ {
		c := centers[i%len(centers)]
		zoom := cfg.MinZoom + r.Intn(cfg.MaxZoom-cfg.MinZoom+1)
		jitter := orb.Point{c[0] + (r.Float64()-0.5)*0.2, c[1] + (r.Float64()-0.5)*0.2}
		pool = append(pool, addrAt(jitter, zoom))
	}

	for len(pool) < cfg.PoolSize {
		zoom := cfg.MinZoom + r.Intn(cfg.MaxZoom-cfg.MinZoom+1)
		p := orb.Point{-180 + r.Float64()*360, -60 + r.Float64()*120}
		pool = append(pool, addrAt(p, zoom))
	}
	return pool
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Tile      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	PendingCount  int64     `json:"pending"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	PoolSize      int       `json:"tiles"`
	TargetURL     string    `json:"target"`
	LayerName     string    `json:"layer"`
}

type aggregatedResult struct {
	total   int64
	success int64
	pending int64
	errors  int64
	latMs   []float64
}

func main() {
	cfg := loadConfig()
	if cfg.MinZoom < 0 || cfg.MaxZoom < cfg.MinZoom {
		log.Fatalf("bad zoom range [%d, %d]", cfg.MinZoom, cfg.MaxZoom)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	g, err := tile.GridByName("spherical mercator")
	if err != nil {
		log.Fatalf("grid: %v", err)
	}

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))
	pool := makePool(cfg, g, r)
	imax := uint64(len(pool)) - 1

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          1024,
			MaxIdleConnsPerHost:   256,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   4 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "tile"})
		var agg aggregatedResult
		for s := range samplesChan {
			agg.total++
			switch {
			case s.ErrorMsg == "" && s.Status >= 200 && s.Status < 300:
				agg.success++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			case s.Status == http.StatusServiceUnavailable:
				agg.pending++
			default:
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				s.ErrorMsg,
				s.Tile,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	log.Printf("tileload start target=%s layer=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) tiles=%d zooms=[%d,%d]",
		cfg.BaseURL, cfg.LayerName, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(pool), cfg.MinZoom, cfg.MaxZoom)

	base := strings.TrimRight(cfg.BaseURL, "/")

	var wg sync.WaitGroup
	wg.Add(cfg.Concurrency)
	for workerID := 0; workerID < cfg.Concurrency; workerID++ {
		go func(id int) {
			defer wg.Done()

			rWorker := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipfDist := rand.NewZipf(rWorker, cfg.ZipfS, cfg.ZipfV, imax)
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				idx := int(zipfDist.Uint64())
				if idx >= len(pool) {
					continue
				}
				a := pool[idx]
				reqURL := fmt.Sprintf("%s/tiles/%s", base, a.String())

				startReq := time.Now()
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
				resp, err := httpClient.Do(req)
				latency := time.Since(startReq)

				result := sample{Timestamp: startReq, Latency: latency, Tile: a.String()}
				if err != nil {
					result.ErrorMsg = err.Error()
				} else {
					result.Status = resp.StatusCode
					_, _ = io.Copy(io.Discard, resp.Body)
					_ = resp.Body.Close()
					if resp.StatusCode < 200 || resp.StatusCode >= 300 {
						result.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
					}
				}

				select {
				case samplesChan <- result:
				case <-ctx.Done():
					return
				}
			}
		}(workerID)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	p50 := percentile(agg.latMs, 50)
	p95 := percentile(agg.latMs, 95)
	p99 := percentile(agg.latMs, 99)

	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		PendingCount:  agg.pending,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         p50,
		P95Ms:         p95,
		P99Ms:         p99,
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		PoolSize:      len(pool),
		TargetURL:     cfg.BaseURL,
		LayerName:     cfg.LayerName,
	}

	jsonFile, err := os.Create(filepath.Clean(jsonPath))
	if err == nil {
		enc := json.NewEncoder(jsonFile)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runSummary)
		_ = jsonFile.Close()
	}

	log.Printf("done: total=%d succ=%d pending=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.pending, agg.errors, runSummary.ThroughputRPS, p50, p95, p99)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
