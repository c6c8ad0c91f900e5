// Package observability holds the Prometheus instrumentation shared by
// the server, the coordinator and the cache providers.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	tileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_requests_total",
			Help: "Tile requests by layer and outcome.",
		},
		[]string{"layer", "outcome"},
	)

	rendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "renders_total",
			Help: "Metatile renders by layer and status.",
		},
		[]string{"layer", "status"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Duration of metatile renders in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"layer"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by outcome.",
		},
		[]string{"outcome"},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Duration of cache provider operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op", "status"},
	)

	tilesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiles_written_total",
			Help: "Tiles persisted after metatile renders.",
		},
		[]string{"layer"},
	)

	siblingWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sibling_write_failures_total",
			Help: "Failed writes of sibling tiles that did not fail the response.",
		},
		[]string{"layer"},
	)

	lockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metatile_lock_contention_total",
			Help: "Requests that found a render already in progress.",
		},
		[]string{"layer"},
	)

	staleLocksReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metatile_stale_locks_reclaimed_total",
			Help: "Render locks taken over after exceeding the staleness threshold.",
		},
		[]string{"layer"},
	)

	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidations_total",
			Help: "Invalidation events processed by op, layer and status.",
		},
		[]string{"op", "layer", "status"},
	)

	invalidationTilesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_tiles_dropped_total",
			Help: "Cached tiles deleted by invalidation events.",
		},
		[]string{"layer"},
	)

	kafkaConsumerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_errors_total",
			Help: "Kafka consumer failures by kind.",
		},
		[]string{"kind"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

// ObserveCacheOp records one provider operation; op names follow the
// provider verb ("get", "put", "del", "lock", "unlock", "ping").
func ObserveCacheOp(op string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheOpDurationSeconds.WithLabelValues(op, status).Observe(durationSeconds)
}

func IncCacheHit()  { cacheResults.WithLabelValues("hit").Inc() }
func IncCacheMiss() { cacheResults.WithLabelValues("miss").Inc() }

func IncTileRequest(layer, outcome string) {
	tileRequestsTotal.WithLabelValues(layer, outcome).Inc()
}

func ObserveRender(layer string, err error, durationSeconds float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	rendersTotal.WithLabelValues(layer, status).Inc()
	renderDurationSeconds.WithLabelValues(layer).Observe(durationSeconds)
}

func AddTilesWritten(layer string, n int) {
	if n > 0 {
		tilesWrittenTotal.WithLabelValues(layer).Add(float64(n))
	}
}

func IncSiblingWriteFailure(layer string) {
	siblingWriteFailuresTotal.WithLabelValues(layer).Inc()
}

func IncLockContention(layer string) {
	lockContentionTotal.WithLabelValues(layer).Inc()
}

func IncStaleLockReclaimed(layer string) {
	staleLocksReclaimedTotal.WithLabelValues(layer).Inc()
}

func ObserveInvalidation(op, layer string, tilesDropped int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	invalidationsTotal.WithLabelValues(op, layer, status).Inc()
	if tilesDropped > 0 {
		invalidationTilesDroppedTotal.WithLabelValues(layer).Add(float64(tilesDropped))
	}
}

func IncKafkaConsumerError(kind string) {
	kafkaConsumerErrorsTotal.WithLabelValues(kind).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
