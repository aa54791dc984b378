package flush

import (
	"time"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trackbuffer"

var (
	sendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Total send attempts to the collector by outcome status",
		},
		[]string{"payload", "status"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time of a single send attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"payload"},
	)

	retryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Total flushes that spent every retry attempt",
		},
		[]string{"payload"},
	)

	flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_total",
			Help:      "Total flush runs by outcome",
		},
		[]string{"payload", "outcome"},
	)
)

func recordSendAttempt(payload string, status domain.Status, duration time.Duration) {
	sendAttempts.WithLabelValues(payload, string(status)).Inc()
	sendDuration.WithLabelValues(payload).Observe(duration.Seconds())
}

func recordRetryExhausted(payload string) {
	retryExhausted.WithLabelValues(payload).Inc()
}

func recordFlush(payload string, outcome Outcome) {
	flushes.WithLabelValues(payload, string(outcome)).Inc()
}
