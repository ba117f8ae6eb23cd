package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunkd"

// Metrics holds the service collectors on a private registry and satisfies
// upload.Observer.
type Metrics struct {
	registry *prometheus.Registry

	chunksStored   prometheus.Counter
	bytesStored    prometheus.Counter
	chunksRejected *prometheus.CounterVec
	merges         *prometheus.CounterVec
	mergeDuration  prometheus.Histogram
	mergedBytes    prometheus.Counter
	uploadsRemoved *prometheus.CounterVec
	cleanupFailed  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chunksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_stored_total",
			Help:      "Chunks durably stored and recorded.",
		}),
		bytesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_stored_total",
			Help:      "Bytes of chunk payload stored.",
		}),
		chunksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_rejected_total",
			Help:      "Chunks that were not acknowledged, by reason.",
		}, []string{"reason"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Merge attempts by outcome.",
		}, []string{"outcome"}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Time spent assembling uploads.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		mergedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merged_bytes_total",
			Help:      "Bytes written to merged files.",
		}),
		uploadsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_removed_total",
			Help:      "Uploads dropped without merging, by reason.",
		}, []string{"reason"}),
		cleanupFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_cleanup_failures_total",
			Help:      "Merged uploads whose chunks could not be deleted.",
		}),
	}

	m.registry.MustRegister(
		m.chunksStored,
		m.bytesStored,
		m.chunksRejected,
		m.merges,
		m.mergeDuration,
		m.mergedBytes,
		m.uploadsRemoved,
		m.cleanupFailed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ChunkStored(bytes int64) {
	m.chunksStored.Inc()
	m.bytesStored.Add(float64(bytes))
}

func (m *Metrics) ChunkRejected(reason string) {
	m.chunksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) MergeFinished(outcome string, elapsed time.Duration, bytes int64) {
	m.merges.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.mergeDuration.Observe(elapsed.Seconds())
		m.mergedBytes.Add(float64(bytes))
	}
}

func (m *Metrics) UploadRemoved(reason string) {
	m.uploadsRemoved.WithLabelValues(reason).Inc()
}

// CleanupFailed carries no upload label; the merger logs the id.
func (m *Metrics) CleanupFailed(string) {
	m.cleanupFailed.Inc()
}
