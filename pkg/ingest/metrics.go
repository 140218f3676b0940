package ingest

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/util"
)

const (
	statusAccepted      = "accepted"
	statusErrorInvalid  = "error:invalid"
	statusErrorInternal = "error:internal"
)

type metrics struct {
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	samples       prometheus.Counter
	events        prometheus.Counter
	uploadedBytes prometheus.Counter
	activeStreams prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		batches: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devfiler_ingest_batches_total",
			Help: "Batches received by status.",
		}, []string{"status"})),
		batchDuration: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devfiler_ingest_batch_duration_seconds",
			Help:    "Time spent processing a batch.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
		})),
		samples: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_ingest_samples_total",
			Help: "Samples stored.",
		})),
		events: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_ingest_events_total",
			Help: "Trace events stored.",
		})),
		uploadedBytes: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_ingest_executable_bytes_total",
			Help: "Executable bytes uploaded through ingestion streams.",
		})),
		activeStreams: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devfiler_ingest_active_streams",
			Help: "Open ingestion streams.",
		})),
	}
}
