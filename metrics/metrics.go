// Package metrics implements the metrics hooks of tileset, raster and cache
// with Prometheus collectors.
package metrics

import (
	"time"

	"github.com/eak1mov/go-tilestream/cache"
	"github.com/eak1mov/go-tilestream/raster"
	"github.com/eak1mov/go-tilestream/tileset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tilestream"

var durationBuckets = []float64{
	0.0001, // 100us
	0.001,
	0.005,
	0.01,
	0.05,
	0.1,
	0.5,
	1,
	5,
}

var (
	_ tileset.Metrics = (*TilesetMetrics)(nil)
	_ raster.Metrics  = (*RasterMetrics)(nil)
	_ cache.Metrics   = (*CacheMetrics)(nil)
)

type TilesetMetrics struct {
	loads        *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	tiles        *prometheus.GaugeVec
	grants       *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

func NewTilesetMetrics(reg prometheus.Registerer) *TilesetMetrics {
	return &TilesetMetrics{
		loads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_loads_total",
				Help:      "Tile content loads by outcome state",
			},
			[]string{"outcome"},
		),
		loadDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tile_load_duration_seconds",
				Help:      "Time from load start to the loader result",
				Buckets:   durationBuckets,
			},
			[]string{"outcome"},
		),
		tiles: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tiles",
				Help:      "Tracked tiles per content state",
			},
			[]string{"state"},
		),
		grants: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_grants_total",
				Help:      "Load requests granted by the scheduler per stage",
			},
			[]string{"stage"}, // worker, main
		),
		tickDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_tick_duration_seconds",
				Help:      "Duration of a scheduler tick",
				Buckets:   durationBuckets,
			},
		),
	}
}

func (m *TilesetMetrics) ObserveTileLoad(outcome string, d time.Duration) {
	m.loads.WithLabelValues(outcome).Inc()
	m.loadDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *TilesetMetrics) RecordTilesInState(state string, n int) {
	m.tiles.WithLabelValues(state).Set(float64(n))
}

func (m *TilesetMetrics) ObserveTick(workerGrants, mainGrants int, d time.Duration) {
	m.grants.WithLabelValues("worker").Add(float64(workerGrants))
	m.grants.WithLabelValues("main").Add(float64(mainGrants))
	m.tickDuration.Observe(d.Seconds())
}

type RasterMetrics struct {
	loads        *prometheus.CounterVec
	loadDuration *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
}

func NewRasterMetrics(reg prometheus.Registerer) *RasterMetrics {
	return &RasterMetrics{
		loads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "raster_loads_total",
				Help:      "Raster tile loads by overlay and outcome",
			},
			[]string{"overlay", "outcome"},
		),
		loadDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "raster_load_duration_seconds",
				Help:      "Duration of raster tile loads",
				Buckets:   durationBuckets,
			},
			[]string{"overlay"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "raster_loads_in_flight",
				Help:      "Raster tile loads currently in progress",
			},
			[]string{"overlay"},
		),
	}
}

func (m *RasterMetrics) ObserveRasterLoad(overlay, outcome string, d time.Duration) {
	m.loads.WithLabelValues(overlay, outcome).Inc()
	m.loadDuration.WithLabelValues(overlay).Observe(d.Seconds())
}

func (m *RasterMetrics) RecordRasterLoadsInFlight(overlay string, n int) {
	m.inFlight.WithLabelValues(overlay).Set(float64(n))
}

type CacheMetrics struct {
	lookups        *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	evictedBytes   *prometheus.CounterVec
	candidateBytes *prometheus.GaugeVec
	entries        *prometheus.GaugeVec
}

func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	return &CacheMetrics{
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Shared cache lookups by status",
			},
			[]string{"cache", "status"}, // hit, coalesced, miss
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Entries evicted from the shared cache",
			},
			[]string{"cache"},
		),
		evictedBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evicted_bytes_total",
				Help:      "Bytes evicted from the shared cache",
			},
			[]string{"cache"},
		),
		candidateBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_candidate_bytes",
				Help:      "Bytes held by unused entries awaiting eviction",
			},
			[]string{"cache"},
		),
		entries: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries held by the shared cache",
			},
			[]string{"cache"},
		),
	}
}

func (m *CacheMetrics) ObserveLookup(cache, status string) {
	m.lookups.WithLabelValues(cache, status).Inc()
}

func (m *CacheMetrics) RecordEviction(cache string, sizeBytes int64) {
	m.evictions.WithLabelValues(cache).Inc()
	m.evictedBytes.WithLabelValues(cache).Add(float64(sizeBytes))
}

func (m *CacheMetrics) RecordCandidateBytes(cache string, bytes int64) {
	m.candidateBytes.WithLabelValues(cache).Set(float64(bytes))
}

func (m *CacheMetrics) RecordEntries(cache string, entries int) {
	m.entries.WithLabelValues(cache).Set(float64(entries))
}
