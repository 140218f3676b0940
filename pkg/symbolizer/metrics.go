package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/util"
)

const (
	statusSuccess = "success"
	statusHit     = "hit"
	statusMiss    = "miss"

	statusErrorPrefix       = "error:"
	statusErrorRead         = statusErrorPrefix + "read"
	statusErrorDebugMissing = statusErrorPrefix + "debuginfo_missing"

	cacheMemory = "memory"
	cacheStore  = "store"
)

type metrics struct {
	parses          prometheus.Counter
	resolution      *prometheus.HistogramVec
	frames          *prometheus.CounterVec
	cacheOperations *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		parses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_symbolizer_debuginfo_parses_total",
			Help: "Number of times an executable's debug info was opened and parsed.",
		}),
		resolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devfiler_symbolizer_resolution_duration_seconds",
			Help:    "Time spent resolving the addresses of one executable by status.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"status"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devfiler_symbolizer_frames_total",
			Help: "Number of frames resolved by outcome.",
		}, []string{"outcome"}),
		cacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devfiler_symbolizer_cache_operations_total",
			Help: "Symbol cache lookups by tier and status.",
		}, []string{"cache_type", "status"}),
	}
	if reg != nil {
		m.parses = util.RegisterOrGet(reg, m.parses)
		m.resolution = util.RegisterOrGet(reg, m.resolution)
		m.frames = util.RegisterOrGet(reg, m.frames)
		m.cacheOperations = util.RegisterOrGet(reg, m.cacheOperations)
	}
	return m
}
