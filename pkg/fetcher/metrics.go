package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elastic/devfiler/pkg/util"
)

const (
	statusSuccess = "success"

	statusErrorPrefix = "error:"

	statusErrorNotFound     = statusErrorPrefix + "not_found"
	statusErrorUnauthorized = statusErrorPrefix + "unauthorized"
	statusErrorRateLimited  = statusErrorPrefix + "rate_limited"
	statusErrorClientError  = statusErrorPrefix + "client_error"
	statusErrorServerError  = statusErrorPrefix + "server_error"
	statusErrorHTTPOther    = statusErrorPrefix + "http_other"

	statusErrorCanceled = statusErrorPrefix + "canceled"
	statusErrorTimeout  = statusErrorPrefix + "timeout"
	statusErrorOther    = statusErrorPrefix + "other"
)

type metrics struct {
	requestDuration *prometheus.HistogramVec
	fileSize        prometheus.Histogram
	inflight        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		requestDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devfiler_fetcher_request_duration_seconds",
			Help:    "Time spent fetching debug info from the symbol index by status.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"})),
		fileSize: util.RegisterOrGet(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "devfiler_fetcher_file_size_bytes",
			Help: "Size of debug info files fetched from the symbol index.",
			// 1MB to 4GB
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 12),
		})),
		inflight: util.RegisterOrGet(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devfiler_fetcher_inflight",
			Help: "Fetches currently running.",
		})),
	}
}
