// Package metrics provides Prometheus metrics definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trackbuffer"

var (
	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status_code"},
	)

	// DBPoolConnections tracks database connection pool state.
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	// BufferSize tracks the number of entries waiting in each buffer.
	BufferSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "size",
			Help:      "Number of entries held by the buffer",
		},
		[]string{"buffer"},
	)

	bufferWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "writes_total",
			Help:      "Total entries written to the buffer",
		},
		[]string{"buffer"},
	)

	bufferPurges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "purges_total",
			Help:      "Total entries discarded to stay within capacity",
		},
		[]string{"buffer"},
	)

	storageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total failed durable storage operations",
		},
		[]string{"store", "op"},
	)
)

// RecordBufferWrite counts one entry written to the named buffer.
func RecordBufferWrite(buffer string) {
	bufferWrites.WithLabelValues(buffer).Inc()
}

// RecordBufferPurge counts entries discarded by a capacity purge.
func RecordBufferPurge(buffer string, dropped int) {
	bufferPurges.WithLabelValues(buffer).Add(float64(dropped))
}

// SetBufferSize updates the size gauge of the named buffer.
func SetBufferSize(buffer string, size int) {
	BufferSize.WithLabelValues(buffer).Set(float64(size))
}

// RecordStorageError counts a failed storage operation.
func RecordStorageError(store, op string) {
	storageErrors.WithLabelValues(store, op).Inc()
}
