package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/util"
)

type metrics struct {
	blobWrites     prometheus.Counter
	traceInserts   prometheus.Counter
	traceMerges    prometheus.Counter
	symbolWrites   prometheus.Counter
	staleDiscarded prometheus.Counter
	events         prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		blobWrites: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_blob_writes_total",
			Help: "Number of executable blobs written to the object store.",
		})),
		traceInserts: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_trace_inserts_total",
			Help: "Number of new trace records.",
		})),
		traceMerges: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_trace_merges_total",
			Help: "Number of trace writes merged into an existing record.",
		})),
		symbolWrites: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_symbol_writes_total",
			Help: "Number of symbol records written.",
		})),
		staleDiscarded: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_stale_symbol_writes_total",
			Help: "Number of symbol writes discarded because the executable was invalidated.",
		})),
		events: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devfiler_store_trace_events_total",
			Help: "Number of trace events written.",
		})),
	}
}
