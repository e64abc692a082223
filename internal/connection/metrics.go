package connection

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_connection_events_total",
			Help: "Transport events received by the connection, by kind",
		},
		[]string{"kind"},
	)

	connectionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"from", "to"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(connectionEventsTotal, connectionTransitionsTotal)
	})
}
