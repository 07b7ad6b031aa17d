// Package observability holds the Prometheus collectors of the tile cache.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)

	tileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_cache_results_total",
			Help: "Tile lookups by tier and outcome.",
		},
		[]string{"tier", "outcome"},
	)

	tileEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_evictions_total",
			Help: "Tiles evicted per tier.",
		},
		[]string{"tier"},
	)

	tileEvictedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_evicted_bytes_total",
			Help: "Bytes reclaimed by eviction per tier.",
		},
		[]string{"tier"},
	)

	warmLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_warm_loads_total",
			Help: "Tiles requested by route warming, by priority and result.",
		},
		[]string{"priority", "result"},
	)

	storageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_storage_errors_total",
			Help: "Disk tier errors absorbed by the cache manager.",
		},
		[]string{"op"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_fetch_duration_seconds",
			Help:    "Latency of network tile fetches.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"result"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_store_op_total",
			Help: "Disk store operations by driver, op and result.",
		},
		[]string{"driver", "op", "result"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_store_operation_duration_seconds",
			Help:    "Latency of disk store operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"driver", "op"},
	)

	memoryTiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tile_memory_tiles",
		Help: "Tiles resident in the memory tier.",
	})

	diskBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tile_disk_bytes",
		Help: "Bytes used by the disk tier at the last stats call.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, buildInfo,
		tileResults, tileEvictions, tileEvictedBytes, warmLoads, storageErrors,
		fetchDuration, storeOps, storeOpDuration, memoryTiles, diskBytes,
	}
}

func init() {
	Init(prometheus.DefaultRegisterer)
}

// Init registers the collectors with reg. Registering twice is a no-op.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}

func IncTileHit(tier string) { tileResults.WithLabelValues(tier, "hit").Inc() }

func IncTileMiss(tier string) { tileResults.WithLabelValues(tier, "miss").Inc() }

func ObserveEviction(tier string, tiles int, bytes int64) {
	if tiles <= 0 {
		return
	}
	tileEvictions.WithLabelValues(tier).Add(float64(tiles))
	if bytes > 0 {
		tileEvictedBytes.WithLabelValues(tier).Add(float64(bytes))
	}
}

func ObserveWarmLoad(priority string, ok bool) {
	res := "ok"
	if !ok {
		res = "error"
	}
	warmLoads.WithLabelValues(priority, res).Inc()
}

func IncStorageError(op string) { storageErrors.WithLabelValues(op).Inc() }

func ObserveFetch(err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	fetchDuration.WithLabelValues(res).Observe(durationSeconds)
}

func ObserveStoreOp(driver, op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(driver, op, res).Inc()
	storeOpDuration.WithLabelValues(driver, op).Observe(durationSeconds)
}

func SetMemoryTiles(n int) { memoryTiles.Set(float64(n)) }

func SetDiskBytes(n int64) { diskBytes.Set(float64(n)) }
