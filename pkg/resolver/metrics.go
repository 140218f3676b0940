package resolver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/util"
)

const (
	outcomeResolved         = "resolved"
	outcomeDebugInfoMissing = "debuginfo_missing"
	outcomeStale            = "stale"
	outcomeFailed           = "failed"
)

type metrics struct {
	passes             *prometheus.CounterVec
	passDuration       prometheus.Histogram
	frames             prometheus.Counter
	pendingExecutables prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		passes: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devfiler_resolver_passes_total",
			Help: "Resolution passes over an executable by outcome.",
		}, []string{"outcome"})),
		passDuration: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devfiler_resolver_pass_duration_seconds",
			Help:    "Duration of resolution passes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		})),
		frames: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_resolver_frames_total",
			Help: "Frames taken out of the unresolved set.",
		})),
		pendingExecutables: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devfiler_resolver_pending_executables",
			Help: "Executables with unresolved frames at the start of the last round.",
		})),
	}
}
