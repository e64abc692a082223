package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pdusTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_transport_pdus_total",
			Help: "PDUs exchanged with the server, by direction and action",
		},
		[]string{"direction", "action"},
	)

	connectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cobra_transport_connect_attempts_total",
			Help: "Websocket dial attempts, by result",
		},
		[]string{"result"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(pdusTotal, connectAttemptsTotal)
	})
}
