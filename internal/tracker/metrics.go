package tracker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for publish acknowledgment tracking
var (
	publishSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cobra_publish_sent_total",
			Help: "Total number of publishes handed to the transport",
		},
	)

	publishAckedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cobra_publish_acked_total",
			Help: "Total number of publishes acknowledged by the server",
		},
	)

	publishFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cobra_publish_failed_total",
			Help: "Total number of publishes dropped before reaching the server",
		},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(publishSentTotal)
		prometheus.DefaultRegisterer.MustRegister(publishAckedTotal)
		prometheus.DefaultRegisterer.MustRegister(publishFailedTotal)
	})
}
