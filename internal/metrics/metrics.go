// Package metrics exposes the service's Prometheus collectors. Everything is
// registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncPasses counts completed sync passes by result.
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libresync_sync_passes_total",
		Help: "Completed sync passes partitioned by result.",
	}, []string{"result"})

	// ReadingsFetched counts readings fetched from the vendor.
	ReadingsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libresync_readings_fetched_total",
		Help: "Readings fetched from the LibreLinkUp API.",
	})

	// ReadingsInserted counts readings actually written to storage.
	ReadingsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "libresync_readings_inserted_total",
		Help: "New readings inserted into storage.",
	})

	// SyncDuration observes how long sync passes take.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "libresync_sync_duration_seconds",
		Help:    "Duration of sync passes.",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestDuration observes REST handler latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "libresync_http_request_duration_seconds",
		Help:    "Duration of REST API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
