package jobslot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trackbuffer"

var slotEvictions = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobslot",
		Name:      "evictions_total",
		Help:      "Total job slots reclaimed from the most used job",
	},
)

func recordEviction() {
	slotEvictions.Inc()
}
