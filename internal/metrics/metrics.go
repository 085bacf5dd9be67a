// Package metrics exposes the counters and histograms objectfs records for
// its cache and download paths, registered against a prometheus.Registry and
// served over HTTP the way a sidecar metrics endpoint typically is.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default registry objectfs metrics are collected against.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CacheHits and CacheMisses count EnsureFresh decisions: a hit means the
	// cached version tag already matched the remote object and no download
	// was needed, a miss means a download was triggered.
	CacheHits = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "objectfs",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Number of EnsureFresh calls served without a download.",
	})

	CacheMisses = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "objectfs",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Number of EnsureFresh calls that triggered a download.",
	})

	// DownloadBytes is the total number of content bytes fetched from the
	// object store across all blocks of all downloads.
	DownloadBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "objectfs",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Total bytes fetched from the object store.",
	})

	// DownloadDuration observes the wall-clock time of a whole-object
	// download, from the first block request to the last block write.
	DownloadDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "objectfs",
		Subsystem: "download",
		Name:      "duration_seconds",
		Help:      "Time taken to download an object's full content.",
		Buckets:   prometheus.DefBuckets,
	})

	// DownloadErrors counts downloads that returned an error; a failed block
	// is not retried.
	DownloadErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "objectfs",
		Subsystem: "download",
		Name:      "errors_total",
		Help:      "Number of downloads that returned an error.",
	})
)

// Handler returns an http.Handler serving Registry in the Prometheus text
// exposition format, suitable for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
